package main

import (
	"context"
	"log/slog"

	"github.com/jacentio/relate/internal/schema"
	"github.com/jacentio/relate/store"
	"github.com/jacentio/relate/stream"
)

// register subscribes the function's listeners.
func register(bus *stream.Bus, logger *slog.Logger) {
	table := schema.PostTag().Table
	for _, kind := range []store.EventKind{store.EventCreated, store.EventUpdated, store.EventDeleted} {
		bus.Subscribe(table, kind, logEvent(logger))
	}
}

func logEvent(logger *slog.Logger) stream.Listener {
	return func(ctx context.Context, e stream.Event) error {
		logger.InfoContext(ctx, "pivot row changed",
			"eventID", e.ID.String(),
			"pivotTable", e.Table,
			"kind", e.Kind.String(),
			"left", int64(e.Row.Left),
			"right", int64(e.Row.Right),
			"seq", e.Row.Seq,
		)
		return nil
	}
}
