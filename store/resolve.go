package store

import (
	"context"
	"fmt"
)

// One resolves a singular relationship (BelongsTo, HasOne, HasOneThrough).
// It returns nil and no error when nothing is related and no default is
// configured. A BelongsTo with a default never returns nil.
func (s *Store) One(ctx context.Context, e *Entity, name string) (*Entity, error) {
	d, err := s.registry.Descriptor(e.typ, name)
	if err != nil {
		return nil, err
	}
	if !d.Kind.Singular() {
		return nil, fmt.Errorf("%w: %s.%s is %s", ErrWrongCardinality, e.typ, name, d.Kind)
	}
	related, err := s.resolve(ctx, e, d)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", e.typ, name, err)
	}
	if len(related) == 0 {
		return nil, nil
	}
	return related[0], nil
}

// Many resolves any relationship to an ordered slice. Singular kinds yield at
// most one element.
func (s *Store) Many(ctx context.Context, e *Entity, name string) ([]*Entity, error) {
	d, err := s.registry.Descriptor(e.typ, name)
	if err != nil {
		return nil, err
	}
	related, err := s.resolve(ctx, e, d)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", e.typ, name, err)
	}
	return related, nil
}

// Count returns the number of stored entities a relationship resolves to.
// Default entities are not counted.
func (s *Store) Count(ctx context.Context, e *Entity, name string) (int, error) {
	related, err := s.Many(ctx, e, name)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range related {
		if r.exists {
			n++
		}
	}
	return n, nil
}

func (s *Store) resolve(ctx context.Context, e *Entity, d Descriptor) ([]*Entity, error) {
	switch d.Kind {
	case BelongsTo:
		return s.resolveBelongsTo(ctx, e, d)
	case HasOne:
		return s.resolveHasMany(ctx, e, d, true)
	case HasMany:
		return s.resolveHasMany(ctx, e, d, false)
	case BelongsToMany:
		return s.resolveBelongsToMany(ctx, e, d)
	case HasOneThrough:
		return s.resolveThrough(ctx, e, d, true)
	case HasManyThrough:
		return s.resolveThrough(ctx, e, d, false)
	}
	return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidDescriptor, d.Kind)
}

// ownerKey returns the owner's value for a local key. ok is false when an
// attribute key is absent; an unsaved owner keyed by "id" is an error.
func ownerKey(e *Entity, localKey string) (v any, ok bool, err error) {
	if localKey == "id" {
		if !e.exists {
			return nil, false, fmt.Errorf("%s: %w", e.typ, ErrNotPersisted)
		}
		return e.id, true, nil
	}
	v, ok = e.attrs[localKey]
	if !ok || v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// defaultFor returns the guest entity of a BelongsTo, or nothing.
func defaultFor(d Descriptor) []*Entity {
	if d.Default == nil {
		return nil
	}
	return []*Entity{NewEntity(d.Target, d.Default)}
}

func (s *Store) resolveBelongsTo(ctx context.Context, e *Entity, d Descriptor) ([]*Entity, error) {
	v, ok, err := ownerKey(e, d.LocalKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return defaultFor(d), nil
	}

	targets, err := s.find(ctx, d.Target, Eq(d.ForeignKey, v))
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return defaultFor(d), nil
	}
	return targets[:1], nil
}

func (s *Store) resolveHasMany(ctx context.Context, e *Entity, d Descriptor, first bool) ([]*Entity, error) {
	v, ok, err := ownerKey(e, d.LocalKey)
	if err != nil || !ok {
		return nil, err
	}
	related, err := s.find(ctx, d.Target, Eq(d.ForeignKey, v))
	if err != nil {
		return nil, err
	}
	if first && len(related) > 1 {
		related = related[:1]
	}
	return related, nil
}

func (s *Store) resolveBelongsToMany(ctx context.Context, e *Entity, d Descriptor) ([]*Entity, error) {
	if !e.exists {
		return nil, fmt.Errorf("%s: %w", e.typ, ErrNotPersisted)
	}
	rows, err := s.backend.PivotRows(ctx, d.Pivot, e.id)
	if err != nil {
		return nil, fmt.Errorf("pivot rows %s: %w", d.Pivot.Table, err)
	}
	return s.joinPivot(ctx, d, rows)
}

// joinPivot fetches the targets of pivot rows and attaches each row to its own
// copy of the target, preserving row order. Rows pointing at missing targets are skipped.
func (s *Store) joinPivot(ctx context.Context, d Descriptor, rows []PivotRow) ([]*Entity, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]ID, len(rows))
	for i, r := range rows {
		ids[i] = r.Right
	}
	targets, err := s.find(ctx, d.Target, InIDs("id", ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[ID]*Entity, len(targets))
	for _, t := range targets {
		byID[t.id] = t
	}

	out := make([]*Entity, 0, len(rows))
	for _, r := range rows {
		t, ok := byID[r.Right]
		if !ok {
			continue
		}
		related := fromRecord(t.typ, Record{ID: t.id, Attrs: t.attrs})
		row := r.Clone()
		related.pivot = &row
		out = append(out, related)
	}
	return out, nil
}

func (s *Store) resolveThrough(ctx context.Context, e *Entity, d Descriptor, first bool) ([]*Entity, error) {
	v, ok, err := ownerKey(e, d.LocalKey)
	if err != nil || !ok {
		return nil, err
	}
	throughs, err := s.find(ctx, d.Through, Eq(d.ForeignKey, v))
	if err != nil || len(throughs) == 0 {
		return nil, err
	}

	ids := make([]ID, len(throughs))
	for i, t := range throughs {
		ids[i] = t.id
	}
	targets, err := s.find(ctx, d.Target, InIDs(d.SecondKey, ids))
	if err != nil {
		return nil, err
	}
	groups := make(map[ID][]*Entity)
	for _, t := range targets {
		ref, _ := t.Ref(d.SecondKey)
		groups[ref] = append(groups[ref], t)
	}

	// Concatenate in through-entity order, each group in its own ID order.
	var out []*Entity
	for _, id := range ids {
		out = append(out, groups[id]...)
		if first && len(out) > 0 {
			return out[:1], nil
		}
	}
	return out, nil
}
