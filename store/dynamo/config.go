package dynamo

import (
	"log/slog"

	"github.com/jacentio/relate/internal/shard"
)

// Config holds configuration for the DynamoDB backend.
type Config struct {
	// EntityTable stores entities (pk = type, sk = id) and their ID counters.
	// Default: "relate_entities"
	EntityTable string

	// PivotTable stores pivot adjacency items for every join table.
	// Default: "relate_pivots"
	PivotTable string

	// NumShards is the number of shards per pivot owner.
	// Higher values spread a heavily attached owner over more partitions but
	// make every read fan out over NumShards queries.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int

	// Logger receives debug logs for pivot transactions.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		EntityTable: "relate_entities",
		PivotTable:  "relate_pivots",
		NumShards:   1,
		Logger:      slog.Default(),
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.EntityTable == "" {
		c.EntityTable = "relate_entities"
	}
	if c.PivotTable == "" {
		c.PivotTable = "relate_pivots"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > shard.MaxShards {
		c.NumShards = shard.MaxShards
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
