package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend != BackendMemory {
		t.Errorf("expected backend %q, got %q", BackendMemory, cfg.Backend)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %v", cfg.LogLevel)
	}
	if cfg.SQLite.Path != "relate.db" {
		t.Errorf("expected relate.db, got %q", cfg.SQLite.Path)
	}
	if cfg.DynamoDB.EntityTable != "relate_entities" || cfg.DynamoDB.PivotTable != "relate_pivots" {
		t.Errorf("unexpected tables %+v", cfg.DynamoDB)
	}
	if cfg.DynamoDB.NumShards != 1 {
		t.Errorf("expected 1 shard, got %d", cfg.DynamoDB.NumShards)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELATE_BACKEND", "DynamoDB")
	t.Setenv("RELATE_LOG_LEVEL", "debug")
	t.Setenv("RELATE_DYNAMODB_NUM_SHARDS", "16")
	t.Setenv("RELATE_DYNAMODB_PIVOT_TABLE", "pivots_test")
	t.Setenv("RELATE_DYNAMODB_ENDPOINT", "http://localhost:8000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend != BackendDynamoDB {
		t.Errorf("expected %q, got %q", BackendDynamoDB, cfg.Backend)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.LogLevel)
	}
	if cfg.DynamoDB.NumShards != 16 {
		t.Errorf("expected 16 shards, got %d", cfg.DynamoDB.NumShards)
	}
	if cfg.DynamoDB.PivotTable != "pivots_test" {
		t.Errorf("expected pivots_test, got %q", cfg.DynamoDB.PivotTable)
	}
	if cfg.DynamoDB.EntityTable != "relate_entities" {
		t.Errorf("expected default entity table, got %q", cfg.DynamoDB.EntityTable)
	}
	if cfg.DynamoDB.Endpoint != "http://localhost:8000" {
		t.Errorf("unexpected endpoint %q", cfg.DynamoDB.Endpoint)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relate.yaml")
	content := "backend: sqlite\nsqlite:\n  path: /var/lib/relate/data.db\nlog_level: warn\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendSQLite || cfg.SQLite.Path != "/var/lib/relate/data.db" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("expected warn level, got %v", cfg.LogLevel)
	}

	// The environment wins over the file.
	t.Setenv("RELATE_SQLITE_PATH", "override.db")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SQLite.Path != "override.db" {
		t.Errorf("expected override.db, got %q", cfg.SQLite.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		path    string
		wantMsg string
	}{
		{"unknown backend", map[string]string{"RELATE_BACKEND": "postgres"}, "", "unknown backend"},
		{"bad log level", map[string]string{"RELATE_LOG_LEVEL": "loud"}, "", "log_level"},
		{"missing file", nil, filepath.Join(t.TempDir(), "missing.yaml"), "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Backend: BackendMemory}, false},
		{"sqlite", Config{Backend: BackendSQLite, SQLite: SQLiteConfig{Path: "x.db"}}, false},
		{"dynamodb", Config{Backend: BackendDynamoDB, DynamoDB: DynamoDBConfig{EntityTable: "e", PivotTable: "p"}}, false},
		{"dynamodb without tables", Config{Backend: BackendDynamoDB}, true},
		{"empty", Config{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
