package store

import (
	"context"
	"maps"
	"time"
)

// Backend is the storage collaborator a Store reads from and writes to.
//
// Implementations must order Find results by ID and PivotRows results by
// insertion (Seq). UpdatePivot must run fn and apply the changes it returns
// atomically with respect to other UpdatePivot calls touching the same rows.
type Backend interface {
	// Insert stores a new record and returns its assigned ID.
	Insert(ctx context.Context, typ string, attrs Attributes) (ID, error)

	// Fetch returns the attributes of a record, or ErrNotFound.
	Fetch(ctx context.Context, typ string, id ID) (Attributes, error)

	// Update replaces the attributes of an existing record, or returns ErrNotFound.
	Update(ctx context.Context, typ string, id ID, attrs Attributes) error

	// Find returns every record of typ matching all conditions.
	Find(ctx context.Context, typ string, conds []Cond) ([]Record, error)

	// PivotRows returns the rows of p's table whose ForeignPivotKey equals owner,
	// with Left set to owner and Right to the RelatedPivotKey value.
	PivotRows(ctx context.Context, p *PivotDescriptor, owner ID) ([]PivotRow, error)

	// UpdatePivot reads owner's rows, passes them to fn and applies the returned
	// changes in one transaction. It returns the applied changes with Seq filled in
	// for inserted rows. fn must not call back into the backend.
	UpdatePivot(ctx context.Context, p *PivotDescriptor, owner ID, fn PivotFunc) ([]PivotChange, error)

	// Close releases backend resources.
	Close() error
}

// PivotFunc computes the changes to apply to an owner's current pivot rows.
type PivotFunc func(current []PivotRow) ([]PivotChange, error)

// PivotRow is one row of a join table, seen from the owner's side.
type PivotRow struct {
	// Seq is the backend's insertion order for the row.
	Seq int64

	// Left is the owner's ID; Right is the related entity's ID.
	Left  ID
	Right ID

	// Columns holds the extra column values.
	Columns map[string]string

	// CreatedAt and UpdatedAt are nil unless the pivot maintains timestamps.
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// Column returns an extra column value, or "".
func (r PivotRow) Column(name string) string {
	return r.Columns[name]
}

// Clone returns a deep copy of the row.
func (r PivotRow) Clone() PivotRow {
	r.Columns = maps.Clone(r.Columns)
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		r.CreatedAt = &t
	}
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		r.UpdatedAt = &t
	}
	return r
}

// Flip returns the row seen from the related side.
func (r PivotRow) Flip() PivotRow {
	r = r.Clone()
	r.Left, r.Right = r.Right, r.Left
	return r
}

// ChangeOp is the kind of write applied to a pivot row.
type ChangeOp int

const (
	PivotInsert ChangeOp = iota + 1
	PivotUpdate
	PivotDelete
)

func (op ChangeOp) String() string {
	switch op {
	case PivotInsert:
		return "insert"
	case PivotUpdate:
		return "update"
	case PivotDelete:
		return "delete"
	}
	return "unknown"
}

// PivotChange is one write produced by the synchronizer.
type PivotChange struct {
	Op  ChangeOp
	Row PivotRow
}
