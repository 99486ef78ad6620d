package dynamo

import (
	"log/slog"
	"time"

	"github.com/jacentio/lattice/internal/shard"
	"github.com/jacentio/lattice/store"
)

// Config holds configuration for the DynamoDB backend.
type Config struct {
	// DesignID is the document id of the design artifact.
	// Default: store.DefaultDesignID
	DesignID string

	// ViewTableSuffix is appended to the store location to name the view
	// entry table.
	// Default: "-views"
	ViewTableSuffix string

	// NumShards is the number of shards per view key.
	// Default: 1 (no sharding)
	// Max: 256
	NumShards int

	// CreateTables creates missing tables on Open instead of failing.
	CreateTables bool

	// TableWaitTimeout bounds how long Open waits for created tables to
	// become active.
	// Default: 5m
	TableWaitTimeout time.Duration

	// Logger receives compaction events.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() Config {
	return Config{
		DesignID:         store.DefaultDesignID,
		ViewTableSuffix:  "-views",
		NumShards:        1,
		TableWaitTimeout: 5 * time.Minute,
		Logger:           slog.Default(),
	}
}

// validate fills unset values and clamps NumShards to its bounds.
func (c *Config) validate() {
	if c.DesignID == "" {
		c.DesignID = store.DefaultDesignID
	}
	if c.ViewTableSuffix == "" {
		c.ViewTableSuffix = "-views"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > shard.MaxShards {
		c.NumShards = shard.MaxShards
	}
	if c.TableWaitTimeout <= 0 {
		c.TableWaitTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
