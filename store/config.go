package store

import (
	"log/slog"
	"time"
)

// DefaultDesignID is the well-known id of the design artifact.
const DefaultDesignID = "_design/references"

// Config holds configuration for the Client.
type Config struct {
	// DesignID is the document id of the design artifact.
	// Default: "_design/references"
	DesignID string

	// MaxRetries bounds the read-compare-write cycles of EnsureIndexes when
	// the design artifact is modified concurrently.
	// Default: 3
	// Max: 10
	MaxRetries int

	// Logger receives reconciliation events.
	// Default: slog.Default()
	Logger *slog.Logger

	// Now is the clock used for createdAt and updatedAt.
	// Default: time.Now
	Now func() time.Time
}

// DefaultConfig returns the default Client configuration.
func DefaultConfig() Config {
	return Config{
		DesignID:   DefaultDesignID,
		MaxRetries: 3,
		Logger:     slog.Default(),
		Now:        time.Now,
	}
}

// validate fills unset values and clamps MaxRetries to its bounds.
func (c *Config) validate() {
	if c.DesignID == "" {
		c.DesignID = DefaultDesignID
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.MaxRetries > 10 {
		c.MaxRetries = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
