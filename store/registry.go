package store

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// Kind is the closed set of relationship kinds the resolver dispatches on.
type Kind int

const (
	BelongsTo Kind = iota + 1
	HasOne
	HasMany
	BelongsToMany
	HasOneThrough
	HasManyThrough
)

func (k Kind) String() string {
	switch k {
	case BelongsTo:
		return "belongs_to"
	case HasOne:
		return "has_one"
	case HasMany:
		return "has_many"
	case BelongsToMany:
		return "belongs_to_many"
	case HasOneThrough:
		return "has_one_through"
	case HasManyThrough:
		return "has_many_through"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Singular reports whether the kind resolves to at most one entity.
func (k Kind) Singular() bool {
	return k == BelongsTo || k == HasOne || k == HasOneThrough
}

// Descriptor describes one named relationship on an owning entity type.
//
// Key names left empty are filled with conventional defaults at registration:
//
//	BelongsTo:        LocalKey "<target>_id" on the owner, ForeignKey "id" on the target
//	HasOne, HasMany:  ForeignKey "<owner>_id" on the target, LocalKey "id" on the owner
//	*Through:         ForeignKey "<owner>_id" on Through, SecondKey "<through>_id" on the target
//	BelongsToMany:    see PivotDescriptor
type Descriptor struct {
	Kind   Kind
	Target string

	LocalKey   string
	ForeignKey string

	// Through is the intermediate type of HasOneThrough / HasManyThrough.
	Through string
	// SecondKey is the field on Target that references Through.
	SecondKey string

	// Pivot describes the join table of a BelongsToMany relationship.
	Pivot *PivotDescriptor

	// Default holds the attributes of the synthetic entity a BelongsTo
	// returns when its target is missing. Nil disables the fallback.
	Default Attributes
}

func (d Descriptor) clone() Descriptor {
	d.Default = maps.Clone(d.Default)
	if d.Pivot != nil {
		p := *d.Pivot
		p.Columns = slices.Clone(p.Columns)
		d.Pivot = &p
	}
	return d
}

// PivotDescriptor names a join table and the columns it carries.
type PivotDescriptor struct {
	// Table is the join table name. Default: both type names sorted and joined with "_" (e.g., "post_tag").
	Table string

	// ForeignPivotKey references the owner. Default: "<owner>_id".
	ForeignPivotKey string

	// RelatedPivotKey references the target. Default: "<target>_id".
	RelatedPivotKey string

	// Columns are the extra text columns carried on each row (e.g., "status").
	Columns []PivotColumn

	// Timestamps enables created_at/updated_at maintenance.
	Timestamps bool
}

// PivotColumn is an extra column on a pivot row.
type PivotColumn struct {
	Name    string
	Default string
}

// ColumnNames returns the extra column names in declaration order.
func (p *PivotDescriptor) ColumnNames() []string {
	names := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		names[i] = c.Name
	}
	return names
}

// Inverse returns the descriptor seen from the related side of the same table.
func (p *PivotDescriptor) Inverse() *PivotDescriptor {
	inv := *p
	inv.ForeignPivotKey, inv.RelatedPivotKey = p.RelatedPivotKey, p.ForeignPivotKey
	inv.Columns = slices.Clone(p.Columns)
	return &inv
}

// Canonical returns row oriented so that Left holds the value of whichever
// pivot key name sorts first, regardless of the side it was written from.
func (p *PivotDescriptor) Canonical(row PivotRow) PivotRow {
	if p.ForeignPivotKey > p.RelatedPivotKey {
		return row.Flip()
	}
	return row.Clone()
}

// Registry holds the entity types and relationships known to a Store.
// It is built once at startup and frozen when a Store is created from it.
type Registry struct {
	mu        sync.RWMutex
	frozen    bool
	types     map[string]map[string]bool
	typeOrder []string
	rels      map[string]map[string]Descriptor
	relOrder  map[string][]string
	pivots    map[string]*PivotDescriptor
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]map[string]bool),
		rels:     make(map[string]map[string]Descriptor),
		relOrder: make(map[string][]string),
		pivots:   make(map[string]*PivotDescriptor),
	}
}

// DefineType declares an entity type and its fields. Calling it again for the
// same type adds fields. "id" is always implied.
func (r *Registry) DefineType(name string, fields ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if name == "" {
		return fmt.Errorf("%w: empty type name", ErrUnknownType)
	}
	set, ok := r.types[name]
	if !ok {
		set = make(map[string]bool)
		r.types[name] = set
		r.typeOrder = append(r.typeOrder, name)
	}
	for _, f := range fields {
		if f == "id" {
			continue
		}
		set[f] = true
	}
	return nil
}

// Register adds a named relationship to an owner type after validating it.
// Through paths are checked here so a broken path fails at startup rather
// than on the first query.
func (r *Registry) Register(owner, name string, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.types[owner]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, owner)
	}
	if name == "" {
		return fmt.Errorf("%w: empty relationship name on %q", ErrInvalidDescriptor, owner)
	}
	if _, dup := r.rels[owner][name]; dup {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateRelationship, owner, name)
	}

	d = d.clone()
	if err := r.validate(owner, &d); err != nil {
		return fmt.Errorf("%s.%s: %w", owner, name, err)
	}

	if r.rels[owner] == nil {
		r.rels[owner] = make(map[string]Descriptor)
	}
	r.rels[owner][name] = d
	r.relOrder[owner] = append(r.relOrder[owner], name)
	if d.Pivot != nil {
		if _, ok := r.pivots[d.Pivot.Table]; !ok {
			p := *d.Pivot
			r.pivots[p.Table] = &p
		}
	}
	return nil
}

func (r *Registry) validate(owner string, d *Descriptor) error {
	if d.Target == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidDescriptor)
	}
	if _, ok := r.types[d.Target]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, d.Target)
	}
	if d.Default != nil && d.Kind != BelongsTo {
		return fmt.Errorf("%w: defaults are only valid on %s", ErrInvalidDescriptor, BelongsTo)
	}

	switch d.Kind {
	case BelongsTo, HasOne, HasMany:
		if d.Through != "" || d.SecondKey != "" || d.Pivot != nil {
			return fmt.Errorf("%w: %s takes keys only", ErrInvalidDescriptor, d.Kind)
		}
		return r.validateDirect(owner, d)

	case HasOneThrough, HasManyThrough:
		if d.Through == "" || d.Pivot != nil {
			return fmt.Errorf("%w: %s needs a through type and no pivot", ErrInvalidDescriptor, d.Kind)
		}
		return r.validateThrough(owner, d)

	case BelongsToMany:
		if d.Pivot == nil || d.Through != "" || d.SecondKey != "" || d.LocalKey != "" || d.ForeignKey != "" {
			return fmt.Errorf("%w: %s takes a pivot descriptor only", ErrInvalidDescriptor, d.Kind)
		}
		return r.validatePivot(owner, d)
	}
	return fmt.Errorf("%w: unknown kind %s", ErrInvalidDescriptor, d.Kind)
}

func (r *Registry) validateDirect(owner string, d *Descriptor) error {
	if d.Kind == BelongsTo {
		if d.LocalKey == "" {
			d.LocalKey = d.Target + "_id"
		}
		if d.ForeignKey == "" {
			d.ForeignKey = "id"
		}
		if !r.hasField(owner, d.LocalKey) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, owner, d.LocalKey)
		}
		if !r.hasField(d.Target, d.ForeignKey) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, d.Target, d.ForeignKey)
		}
		if d.Default != nil {
			def, err := normalizeAll(d.Default)
			if err != nil {
				return err
			}
			if err := r.checkFieldsLocked(d.Target, def); err != nil {
				return err
			}
			d.Default = def
		}
		return nil
	}

	if d.ForeignKey == "" {
		d.ForeignKey = owner + "_id"
	}
	if d.LocalKey == "" {
		d.LocalKey = "id"
	}
	if !r.hasField(d.Target, d.ForeignKey) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, d.Target, d.ForeignKey)
	}
	if !r.hasField(owner, d.LocalKey) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, owner, d.LocalKey)
	}
	return nil
}

func (r *Registry) validateThrough(owner string, d *Descriptor) error {
	if _, ok := r.types[d.Through]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, d.Through)
	}
	if d.LocalKey == "" {
		d.LocalKey = "id"
	}
	if d.ForeignKey == "" {
		d.ForeignKey = owner + "_id"
	}
	if d.SecondKey == "" {
		d.SecondKey = d.Through + "_id"
	}
	if !r.hasField(owner, d.LocalKey) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, owner, d.LocalKey)
	}
	if !r.hasField(d.Through, d.ForeignKey) {
		return fmt.Errorf("%w: %s has no %q referencing %s", ErrInvalidThroughPath, d.Through, d.ForeignKey, owner)
	}
	if !r.hasField(d.Target, d.SecondKey) {
		return fmt.Errorf("%w: %s has no %q referencing %s", ErrInvalidThroughPath, d.Target, d.SecondKey, d.Through)
	}
	return nil
}

func (r *Registry) validatePivot(owner string, d *Descriptor) error {
	p := d.Pivot
	if p.Table == "" {
		names := []string{owner, d.Target}
		sort.Strings(names)
		p.Table = names[0] + "_" + names[1]
	}
	if p.ForeignPivotKey == "" {
		p.ForeignPivotKey = owner + "_id"
	}
	if p.RelatedPivotKey == "" {
		p.RelatedPivotKey = d.Target + "_id"
	}
	if p.ForeignPivotKey == p.RelatedPivotKey {
		return fmt.Errorf("%w: pivot keys must differ", ErrInvalidDescriptor)
	}

	reserved := map[string]bool{
		"id": true, "created_at": true, "updated_at": true,
		p.ForeignPivotKey: true, p.RelatedPivotKey: true,
	}
	seen := make(map[string]bool)
	for _, c := range p.Columns {
		if c.Name == "" || reserved[c.Name] || seen[c.Name] {
			return fmt.Errorf("%w: bad pivot column %q", ErrInvalidDescriptor, c.Name)
		}
		seen[c.Name] = true
	}

	// Both sides of one table must agree on its shape.
	if other, ok := r.pivots[p.Table]; ok {
		sameKeys := (other.ForeignPivotKey == p.ForeignPivotKey && other.RelatedPivotKey == p.RelatedPivotKey) ||
			(other.ForeignPivotKey == p.RelatedPivotKey && other.RelatedPivotKey == p.ForeignPivotKey)
		if !sameKeys || !slices.Equal(other.ColumnNames(), p.ColumnNames()) || other.Timestamps != p.Timestamps {
			return fmt.Errorf("%w: pivot %q declared with a different shape", ErrInvalidDescriptor, p.Table)
		}
	}
	return nil
}

func (r *Registry) hasField(typ, field string) bool {
	if field == "id" {
		_, ok := r.types[typ]
		return ok
	}
	return r.types[typ][field]
}

// Descriptor returns the relationship registered under name for the owner type.
func (r *Registry) Descriptor(owner, name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.rels[owner][name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, owner, name)
	}
	return d.clone(), nil
}

// Relationships returns the relationship names of an owner type in registration order.
func (r *Registry) Relationships(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.relOrder[owner])
}

// Types returns all defined entity types in definition order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.typeOrder)
}

// Fields returns the declared fields of a type, sorted.
func (r *Registry) Fields(typ string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.types[typ]
	if !ok {
		return nil, false
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields, true
}

// PivotTables returns one descriptor per distinct join table, sorted by table name.
func (r *Registry) PivotTables() []PivotDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PivotDescriptor, 0, len(r.pivots))
	for _, p := range r.pivots {
		cp := *p
		cp.Columns = slices.Clone(p.Columns)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether the registry is read-only.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// checkFields verifies the type exists and every attribute is declared on it.
func (r *Registry) checkFields(typ string, attrs Attributes) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkFieldsLocked(typ, attrs)
}

func (r *Registry) checkFieldsLocked(typ string, attrs Attributes) error {
	set, ok := r.types[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	for f := range attrs {
		if !set[f] {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, typ, f)
		}
	}
	return nil
}
