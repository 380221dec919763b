// Package config loads settings for the relate binaries from an optional
// config file and RELATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Config represents the application configuration
type Config struct {
	Backend  string
	LogLevel slog.Level
	SQLite   SQLiteConfig
	DynamoDB DynamoDBConfig
}

// SQLiteConfig represents SQLite backend configuration
type SQLiteConfig struct {
	Path string
}

// DynamoDBConfig represents DynamoDB backend configuration
type DynamoDBConfig struct {
	EntityTable string
	PivotTable  string
	NumShards   int
	Region      string
	Profile     string // Shared config profile; empty uses the default chain
	Endpoint    string // Overrides the service endpoint, e.g. DynamoDB Local
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("log_level", "info")
	v.SetDefault("sqlite.path", "relate.db")
	v.SetDefault("dynamodb.entity_table", "relate_entities")
	v.SetDefault("dynamodb.pivot_table", "relate_pivots")
	v.SetDefault("dynamodb.num_shards", 1)
	v.SetDefault("dynamodb.region", "")
	v.SetDefault("dynamodb.profile", "")
	v.SetDefault("dynamodb.endpoint", "")
}

// Load reads configuration. path names an optional config file (any format
// viper understands); an empty path reads defaults and the environment only.
// Environment variables take precedence, e.g. RELATE_BACKEND or
// RELATE_DYNAMODB_NUM_SHARDS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("relate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}

	config := &Config{
		Backend:  strings.ToLower(v.GetString("backend")),
		LogLevel: level,
		SQLite: SQLiteConfig{
			Path: v.GetString("sqlite.path"),
		},
		DynamoDB: DynamoDBConfig{
			EntityTable: v.GetString("dynamodb.entity_table"),
			PivotTable:  v.GetString("dynamodb.pivot_table"),
			NumShards:   v.GetInt("dynamodb.num_shards"),
			Region:      v.GetString("dynamodb.region"),
			Profile:     v.GetString("dynamodb.profile"),
			Endpoint:    v.GetString("dynamodb.endpoint"),
		},
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the settings the selected backend needs.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required for the sqlite backend")
		}
	case BackendDynamoDB:
		if c.DynamoDB.EntityTable == "" || c.DynamoDB.PivotTable == "" {
			return errors.New("dynamodb.entity_table and dynamodb.pivot_table are required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, BackendMemory, BackendSQLite, BackendDynamoDB)
	}
	return nil
}

// Logger returns a text logger at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}
