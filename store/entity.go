package store

import (
	"fmt"
	"maps"
	"math"
	"strconv"
)

// ID identifies a persisted entity within its type. Zero means "not persisted".
type ID int64

// String returns the decimal form of the ID.
func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Attributes maps field names to scalar values.
type Attributes map[string]any

// Record is an entity row as stored by a Backend.
type Record struct {
	ID    ID
	Attrs Attributes
}

// Entity is an identified record of a given type.
//
// The identifier is assigned once by the backend and never changes. Optional
// foreign keys that are unset are simply missing from the attributes (or nil),
// see [Entity.Ref].
type Entity struct {
	typ       string
	id        ID
	attrs     Attributes
	exists    bool
	pivot     *PivotRow
	relations map[string][]*Entity
}

// NewEntity returns an unsaved entity of the given type.
func NewEntity(typ string, attrs Attributes) *Entity {
	e := &Entity{typ: typ, attrs: Attributes{}}
	maps.Copy(e.attrs, attrs)
	return e
}

func fromRecord(typ string, rec Record) *Entity {
	e := NewEntity(typ, rec.Attrs)
	e.id = rec.ID
	e.exists = true
	return e
}

// Type returns the entity type name (e.g., "post").
func (e *Entity) Type() string { return e.typ }

// ID returns the identifier, or zero for unsaved and default entities.
func (e *Entity) ID() ID { return e.id }

// Exists reports whether the entity is backed by a stored record.
// Default ("guest") entities produced by BelongsTo fallbacks never exist.
func (e *Entity) Exists() bool { return e.exists }

// Get returns a field value. The pseudo-field "id" returns the identifier.
func (e *Entity) Get(field string) (any, bool) {
	if field == "id" {
		return e.id, e.exists
	}
	v, ok := e.attrs[field]
	return v, ok
}

// String returns a field formatted as a string, or "" if it is unset.
func (e *Entity) String(field string) string {
	v, ok := e.Get(field)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Ref returns the ID stored in a foreign key field.
// ok is false when the key is absent, nil, or not an integral value.
func (e *Entity) Ref(field string) (ID, bool) {
	v, ok := e.Get(field)
	if !ok {
		return 0, false
	}
	return AsID(v)
}

// Set assigns a field value. Changes are persisted by Store.Save.
func (e *Entity) Set(field string, v any) {
	e.attrs[field] = v
}

// Unset removes a field, making a foreign key absent.
func (e *Entity) Unset(field string) {
	delete(e.attrs, field)
}

// Attributes returns a copy of the entity's attributes.
func (e *Entity) Attributes() Attributes {
	return maps.Clone(e.attrs)
}

// Pivot returns the pivot row that joined this entity when it was resolved
// through a BelongsToMany relationship, or nil.
func (e *Entity) Pivot() *PivotRow { return e.pivot }

// Loaded returns the relationship results cached by Store.Load.
func (e *Entity) Loaded(name string) ([]*Entity, bool) {
	rel, ok := e.relations[name]
	return rel, ok
}

func (e *Entity) setLoaded(name string, related []*Entity) {
	if e.relations == nil {
		e.relations = make(map[string][]*Entity)
	}
	e.relations[name] = related
}

// Cond is an attribute predicate: exact match with one value, in-set with several.
// The pseudo-field "id" matches the identifier.
type Cond struct {
	Field  string
	Values []any
}

// Eq matches entities whose field equals v.
func Eq(field string, v any) Cond {
	return Cond{Field: field, Values: []any{v}}
}

// In matches entities whose field equals any of vs. An empty set matches nothing.
func In(field string, vs ...any) Cond {
	return Cond{Field: field, Values: vs}
}

// InIDs is In for a list of identifiers.
func InIDs(field string, ids []ID) Cond {
	vs := make([]any, len(ids))
	for i, id := range ids {
		vs[i] = id
	}
	return In(field, vs...)
}

// Match reports whether a record satisfies the condition.
func (c Cond) Match(id ID, attrs Attributes) bool {
	var v any
	if c.Field == "id" {
		v = id
	} else {
		var ok bool
		if v, ok = attrs[c.Field]; !ok {
			return false
		}
	}
	for _, want := range c.Values {
		if Equal(v, want) {
			return true
		}
	}
	return false
}

// MatchAll reports whether a record satisfies every condition.
func MatchAll(conds []Cond, id ID, attrs Attributes) bool {
	for _, c := range conds {
		if !c.Match(id, attrs) {
			return false
		}
	}
	return true
}

// Equal compares two scalar attribute values, treating all numeric kinds by value.
func Equal(a, b any) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	switch x := na.(type) {
	case int64:
		switch y := nb.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := nb.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	}
	return na == nb
}

// Normalize converts a scalar to its canonical stored form: integer kinds and
// ID become int64, float kinds become float64. Non-scalars are rejected.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x, nil
	case ID:
		return int64(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintToInt64(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt64(x)
	case float32:
		return float64(x), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidAttribute, v)
}

func uintToInt64(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidAttribute, u)
	}
	return int64(u), nil
}

func normalizeAll(attrs Attributes) (Attributes, error) {
	out := make(Attributes, len(attrs))
	for k, v := range attrs {
		if k == "id" {
			return nil, fmt.Errorf("%w: %q", ErrReservedField, k)
		}
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// AsID converts an integral scalar to an ID.
func AsID(v any) (ID, bool) {
	n, err := Normalize(v)
	if err != nil {
		return 0, false
	}
	switch x := n.(type) {
	case int64:
		return ID(x), true
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return ID(x), true
		}
	}
	return 0, false
}
