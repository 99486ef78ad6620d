// Package main provides the Lambda function that publishes the document
// table's DynamoDB stream to NATS.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/stream"
)

// Environment variables.
const (
	envNATSURL     = "LATTICE_NATS_URL"
	envIncludeDocs = "LATTICE_INCLUDE_DOCS"
	envDesignID    = "LATTICE_DESIGN_ID"
	envLogLevel    = "LATTICE_LOG_LEVEL"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(envOrDefault(envLogLevel, "info")),
	}))

	handler, publisher, err := setup(logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	lambda.Start(handler.HandleChanges)
}

// setup builds the stream handler from the environment.
func setup(logger *slog.Logger) (*stream.Handler, stream.Publisher, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	url := os.Getenv(envNATSURL)
	if url == "" {
		return nil, nil, fmt.Errorf("%s is required", envNATSURL)
	}
	publisher, err := stream.NewNATSPublisher(url)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("publishing changes",
		"nats", url,
		"includeDocs", config.IncludeDocs,
		"designID", config.DesignID,
	)
	return stream.NewHandler(publisher, config, logger), publisher, nil
}

// loadConfig reads the handler configuration from the environment.
func loadConfig() (stream.Config, error) {
	includeDocs, err := strconv.ParseBool(envOrDefault(envIncludeDocs, "false"))
	if err != nil {
		return stream.Config{}, fmt.Errorf("parse %s: %w", envIncludeDocs, err)
	}
	return stream.Config{
		DesignID:    envOrDefault(envDesignID, store.DefaultDesignID),
		IncludeDocs: includeDocs,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
