package store

import (
	"context"
	"fmt"
	"maps"
)

// Load eager-loads relationships onto owners, batching lookups with In
// conditions where the kind allows it. Results are read back with
// Entity.Loaded. Owners must share one type.
func (s *Store) Load(ctx context.Context, owners []*Entity, names ...string) error {
	if len(owners) == 0 {
		return nil
	}
	typ := owners[0].typ
	for _, o := range owners[1:] {
		if o.typ != typ {
			return fmt.Errorf("load: mixed owner types %q and %q", typ, o.typ)
		}
	}

	for _, name := range names {
		d, err := s.registry.Descriptor(typ, name)
		if err != nil {
			return err
		}
		if err := s.load(ctx, owners, name, d); err != nil {
			return fmt.Errorf("load %s.%s: %w", typ, name, err)
		}
	}
	return nil
}

func (s *Store) load(ctx context.Context, owners []*Entity, name string, d Descriptor) error {
	switch d.Kind {
	case BelongsTo:
		return s.loadKeyed(ctx, owners, name, d, d.LocalKey, d.ForeignKey, true)
	case HasOne, HasMany:
		return s.loadKeyed(ctx, owners, name, d, d.LocalKey, d.ForeignKey, d.Kind == HasOne)
	case BelongsToMany:
		for _, o := range owners {
			related, err := s.resolveBelongsToMany(ctx, o, d)
			if err != nil {
				return err
			}
			o.setLoaded(name, related)
		}
		return nil
	default:
		for _, o := range owners {
			related, err := s.resolve(ctx, o, d)
			if err != nil {
				return err
			}
			o.setLoaded(name, related)
		}
		return nil
	}
}

// loadKeyed loads a direct relationship for all owners with one query:
// target.targetKey IN (owner.ownerKey...).
func (s *Store) loadKeyed(ctx context.Context, owners []*Entity, name string, d Descriptor, ownerField, targetField string, single bool) error {
	keys := make([]any, len(owners))
	var set []any
	for i, o := range owners {
		v, ok, err := ownerKey(o, ownerField)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := Normalize(v)
		if err != nil {
			return err
		}
		keys[i] = groupKey(n)
		set = append(set, n)
	}

	groups := make(map[any][]*Entity)
	if len(set) > 0 {
		targets, err := s.find(ctx, d.Target, In(targetField, set...))
		if err != nil {
			return err
		}
		for _, t := range targets {
			v, _ := t.Get(targetField)
			k, err := Normalize(v)
			if err != nil {
				continue
			}
			groups[groupKey(k)] = append(groups[groupKey(k)], t)
		}
	}

	for i, o := range owners {
		var related []*Entity
		if keys[i] != nil {
			related = groups[keys[i]]
		}
		if single && len(related) > 1 {
			related = related[:1]
		}
		if d.Kind == BelongsTo && len(related) == 0 {
			related = defaultFor(d)
		}
		o.setLoaded(name, related)
	}
	return nil
}

// groupKey maps a normalized key value to the bucket used by loadKeyed.
// Integral numbers of either kind share a bucket, matching Equal.
func groupKey(v any) any {
	if id, ok := AsID(v); ok {
		return id
	}
	return v
}

// CreateRelated creates a target of a HasOne or HasMany relationship with its
// foreign key pointing at the owner.
func (s *Store) CreateRelated(ctx context.Context, owner *Entity, name string, attrs Attributes) (*Entity, error) {
	d, err := s.registry.Descriptor(owner.typ, name)
	if err != nil {
		return nil, err
	}
	if d.Kind != HasOne && d.Kind != HasMany {
		return nil, fmt.Errorf("%w: cannot create through %s", ErrInvalidDescriptor, d.Kind)
	}
	v, ok, err := ownerKey(owner, d.LocalKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s.%s: owner key %q is absent", owner.typ, name, d.LocalKey)
	}

	attrs = maps.Clone(attrs)
	if attrs == nil {
		attrs = Attributes{}
	}
	attrs[d.ForeignKey] = v
	return s.Create(ctx, d.Target, attrs)
}

// Associate points a BelongsTo relationship at target. The owner is not saved.
func (s *Store) Associate(owner *Entity, name string, target *Entity) error {
	d, err := s.registry.Descriptor(owner.typ, name)
	if err != nil {
		return err
	}
	if d.Kind != BelongsTo {
		return fmt.Errorf("%w: cannot associate through %s", ErrInvalidDescriptor, d.Kind)
	}
	if target.typ != d.Target {
		return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrInvalidDescriptor, owner.typ, name, d.Target, target.typ)
	}
	v, ok := target.Get(d.ForeignKey)
	if !ok || v == nil {
		return fmt.Errorf("%s: %w", target.typ, ErrNotPersisted)
	}
	owner.Set(d.LocalKey, v)
	return nil
}

// Dissociate makes a BelongsTo foreign key absent. The owner is not saved.
func (s *Store) Dissociate(owner *Entity, name string) error {
	d, err := s.registry.Descriptor(owner.typ, name)
	if err != nil {
		return err
	}
	if d.Kind != BelongsTo {
		return fmt.Errorf("%w: cannot dissociate through %s", ErrInvalidDescriptor, d.Kind)
	}
	owner.Unset(d.LocalKey)
	return nil
}
