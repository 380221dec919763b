package store

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jacentio/relate/internal/keylock"
)

// Store provides entity CRUD, relationship resolution and pivot
// synchronization on top of a Backend.
type Store struct {
	backend  Backend
	registry *Registry
	config   Config
	logger   *slog.Logger
	locks    *keylock.Map
}

// New creates a Store. The registry is frozen: relationships are startup
// configuration and cannot change once a Store reads them.
func New(backend Backend, registry *Registry, config Config) *Store {
	config.validate()
	registry.Freeze()
	return &Store{
		backend:  backend,
		registry: registry,
		config:   config,
		logger:   config.Logger,
		locks:    keylock.New(),
	}
}

// Registry returns the relationship registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) now() time.Time {
	return s.config.Clock().UTC()
}

// Get retrieves an entity by ID, returning ErrNotFound if it is missing.
func (s *Store) Get(ctx context.Context, typ string, id ID) (*Entity, error) {
	if err := s.registry.checkFields(typ, nil); err != nil {
		return nil, err
	}
	attrs, err := s.backend.Fetch(ctx, typ, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(typ, Record{ID: id, Attrs: attrs}), nil
}

// Create stores a new entity with the given attributes.
func (s *Store) Create(ctx context.Context, typ string, attrs Attributes) (*Entity, error) {
	e := NewEntity(typ, attrs)
	if err := s.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Save inserts an entity that was never persisted, or replaces the stored
// attributes of an existing one. The ID is assigned on first save only.
func (s *Store) Save(ctx context.Context, e *Entity) error {
	attrs, err := normalizeAll(e.attrs)
	if err != nil {
		return fmt.Errorf("save %s: %w", e.typ, err)
	}
	if err := s.registry.checkFields(e.typ, attrs); err != nil {
		return fmt.Errorf("save %s: %w", e.typ, err)
	}

	if !e.exists {
		id, err := s.backend.Insert(ctx, e.typ, attrs)
		if err != nil {
			return fmt.Errorf("insert %s: %w", e.typ, err)
		}
		e.id = id
		e.exists = true
		e.attrs = attrs
		s.logger.Debug("entity created", "entityType", e.typ, "id", id)
		return nil
	}

	if err := s.backend.Update(ctx, e.typ, e.id, attrs); err != nil {
		return fmt.Errorf("update %s %d: %w", e.typ, e.id, err)
	}
	e.attrs = attrs
	s.logger.Debug("entity saved", "entityType", e.typ, "id", e.id)
	return nil
}

// Query returns a lazy sequence of the entities of typ matching all
// conditions, ordered by ID. Nothing is read until the sequence is ranged
// over, and every range runs the query again.
func (s *Store) Query(ctx context.Context, typ string, conds ...Cond) iter.Seq2[*Entity, error] {
	return func(yield func(*Entity, error) bool) {
		if err := s.checkConds(typ, conds); err != nil {
			yield(nil, err)
			return
		}
		recs, err := s.backend.Find(ctx, typ, conds)
		if err != nil {
			yield(nil, fmt.Errorf("find %s: %w", typ, err))
			return
		}
		for _, rec := range recs {
			if !yield(fromRecord(typ, rec), nil) {
				return
			}
		}
	}
}

// All collects Query into a slice.
func (s *Store) All(ctx context.Context, typ string, conds ...Cond) ([]*Entity, error) {
	var out []*Entity
	for e, err := range s.Query(ctx, typ, conds...) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// First returns the lowest-ID entity matching all conditions, or ErrNotFound.
func (s *Store) First(ctx context.Context, typ string, conds ...Cond) (*Entity, error) {
	for e, err := range s.Query(ctx, typ, conds...) {
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("first %s: %w", typ, ErrNotFound)
}

func (s *Store) checkConds(typ string, conds []Cond) error {
	fields := make(Attributes, len(conds))
	for _, c := range conds {
		if c.Field != "id" {
			fields[c.Field] = nil
		}
	}
	return s.registry.checkFields(typ, fields)
}

// find is Backend.Find for internal callers that skip field validation.
func (s *Store) find(ctx context.Context, typ string, conds ...Cond) ([]*Entity, error) {
	recs, err := s.backend.Find(ctx, typ, conds)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", typ, err)
	}
	out := make([]*Entity, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(typ, rec)
	}
	return out, nil
}
