// Package main seeds the demo schema into the configured backend and logs
// how each relationship resolves.
//
// Usage:
//
//	go run ./cmd/demo
//	RELATE_BACKEND=sqlite RELATE_SQLITE_PATH=/tmp/relate.db go run ./cmd/demo
//	RELATE_BACKEND=dynamodb go run ./cmd/demo --create-tables
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/relate/internal/config"
	"github.com/jacentio/relate/internal/schema"
	"github.com/jacentio/relate/store"
	"github.com/jacentio/relate/store/dynamo"
	"github.com/jacentio/relate/store/sqlite"
	"github.com/jacentio/relate/stream"
)

var (
	configPath   = flag.String("config", "", "Optional config file")
	createTables = flag.Bool("create-tables", false, "Create the DynamoDB tables before seeding")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stderr)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry, err := schema.NewRegistry()
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	backend, err := openBackend(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}

	bus := stream.NewBus(logger)
	logPivotEvents(bus, logger)

	storeCfg := store.DefaultConfig()
	storeCfg.Logger = logger
	storeCfg.Events = bus
	s := store.New(backend, registry, storeCfg)
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("failed to close backend", "error", err)
		}
	}()

	logger.Info("seeding", "backend", cfg.Backend)
	if err := seed(ctx, s); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	_, err = report(ctx, s, logger)
	return err
}

func openBackend(ctx context.Context, cfg *config.Config, registry *store.Registry, logger *slog.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		b, err := sqlite.Open(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		if err := b.EnsurePivotTables(ctx, registry); err != nil {
			b.Close()
			return nil, err
		}
		return b, nil

	case config.BackendDynamoDB:
		client, err := newDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		dcfg := dynamo.Config{
			EntityTable: cfg.DynamoDB.EntityTable,
			PivotTable:  cfg.DynamoDB.PivotTable,
			NumShards:   cfg.DynamoDB.NumShards,
			Logger:      logger,
		}
		if *createTables {
			if err := dynamo.CreateTables(ctx, client, dcfg); err != nil {
				return nil, err
			}
		}
		return dynamo.New(client, dcfg), nil
	}
	return store.NewMemory(), nil
}

func newDynamoClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// logPivotEvents logs every post_tag row as it is created or deleted.
func logPivotEvents(bus *stream.Bus, logger *slog.Logger) {
	for _, kind := range []store.EventKind{store.EventCreated, store.EventDeleted} {
		bus.Subscribe(schema.PostTag().Table, kind, func(_ context.Context, e stream.Event) error {
			logger.Info("pivot event",
				"pivotTable", e.Table,
				"kind", e.Kind.String(),
				"postID", int64(e.Row.Left),
				"tagID", int64(e.Row.Right),
				"status", e.Row.Column("status"),
			)
			return nil
		})
	}
}
