package store

import (
	"context"
	"fmt"
)

// EventKind identifies a pivot row lifecycle event.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Publisher receives pivot lifecycle events. Publish runs synchronously and
// its error is returned to the caller of the mutating operation.
type Publisher interface {
	Publish(ctx context.Context, table string, kind EventKind, row PivotRow) error
}

func eventKind(op ChangeOp) EventKind {
	switch op {
	case PivotInsert:
		return EventCreated
	case PivotDelete:
		return EventDeleted
	}
	return EventUpdated
}
