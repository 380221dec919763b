// Package stream delivers pivot row lifecycle events to listeners, either
// in-process from the store or from DynamoDB Streams records of the pivot table.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/relate/store"
)

// Event is one pivot row lifecycle event.
type Event struct {
	ID    uuid.UUID
	Kind  store.EventKind
	Table string
	Row   store.PivotRow
	At    time.Time
}

// Listener handles an event. A non-nil error is returned to whoever
// triggered the event.
type Listener func(ctx context.Context, e Event) error

type subscription struct {
	table string
	kind  store.EventKind
}

// Bus dispatches pivot events synchronously to listeners subscribed per
// (table, kind), in subscription order. It is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners map[subscription][]Listener
	clock     func() time.Time
	logger    *slog.Logger
}

var _ store.Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[subscription][]Listener),
		clock:     time.Now,
		logger:    logger,
	}
}

// Subscribe registers l for events of kind on table.
func (b *Bus) Subscribe(table string, kind store.EventKind, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subscription{table, kind}
	b.listeners[key] = append(b.listeners[key], l)
}

// Publish runs every listener of (table, kind) in order and stops at the
// first error.
func (b *Bus) Publish(ctx context.Context, table string, kind store.EventKind, row store.PivotRow) error {
	b.mu.RLock()
	listeners := slices.Clone(b.listeners[subscription{table, kind}])
	b.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	e := Event{
		ID:    uuid.New(),
		Kind:  kind,
		Table: table,
		Row:   row.Clone(),
		At:    b.clock(),
	}
	for i, l := range listeners {
		if err := l(ctx, e); err != nil {
			b.logger.Debug("listener failed",
				"pivotTable", table,
				"kind", kind.String(),
				"eventID", e.ID.String(),
				"listener", i,
				"error", err,
			)
			return fmt.Errorf("%s %s listener: %w", table, kind, err)
		}
	}
	return nil
}
