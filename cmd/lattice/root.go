package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/jacentio/lattice/dynamo"
	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/sqlite"
	"github.com/jacentio/lattice/store"
)

// Global flag values.
var (
	flagConfig  string
	flagVerbose bool
)

// Resolved on startup by PersistentPreRunE.
var (
	cfg     settings
	schemas []*schema.Schema
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice is a schema-validating document store client",
	Long: `Lattice validates documents against declared schemas and keeps the
reference indexes of a DynamoDB or SQLite document store in sync with them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		v, err := loadConfig(flagConfig)
		if err != nil {
			return err
		}
		if cfg, err = resolveSettings(v); err != nil {
			return err
		}
		if schemas, err = schema.LoadFile(cfg.Schemas); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./lattice.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log reconciliation details")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(indexesCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(refsCmd)
	rootCmd.AddCommand(watchCmd)
}

// opener returns the store opener for the configured backend.
func opener(ctx context.Context, s settings) (store.Opener, error) {
	switch s.Backend {
	case backendSQLite:
		return sqlite.Opener(sqlite.DefaultConfig()), nil
	case backendDynamoDB:
		var opts []func(*config.LoadOptions) error
		if s.Region != "" {
			opts = append(opts, config.WithRegion(s.Region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if s.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.Endpoint)
			}
		})

		backendCfg := dynamo.DefaultConfig()
		backendCfg.NumShards = s.Shards
		backendCfg.CreateTables = s.CreateTables
		backendCfg.Logger = logger
		return dynamo.Opener(client, backendCfg), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

// connect opens the configured store and installs the schema indexes.
// The caller must Close the returned client.
func connect(ctx context.Context) (*store.Client, error) {
	open, err := opener(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := store.DefaultConfig()
	clientCfg.MaxRetries = cfg.MaxRetries
	clientCfg.Logger = logger
	return store.Connect(ctx, open, cfg.Location, schemas, clientCfg)
}
