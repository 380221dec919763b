package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Memory is an in-process Backend. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	nextID   map[string]ID
	records  map[string]map[ID]Attributes
	pivots   map[string][]*memPivotRow
	pivotSeq int64
	closed   bool
}

// memPivotRow stores a join row by column name so both sides of a table share it.
type memPivotRow struct {
	seq  int64
	keys map[string]ID
	row  PivotRow
}

var _ Backend = (*Memory)(nil)

var errClosed = errors.New("relate: backend closed")

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		nextID:  make(map[string]ID),
		records: make(map[string]map[ID]Attributes),
		pivots:  make(map[string][]*memPivotRow),
	}
}

func (m *Memory) Insert(_ context.Context, typ string, attrs Attributes) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errClosed
	}
	m.nextID[typ]++
	id := m.nextID[typ]
	if m.records[typ] == nil {
		m.records[typ] = make(map[ID]Attributes)
	}
	m.records[typ][id] = maps.Clone(attrs)
	return id, nil
}

func (m *Memory) Fetch(_ context.Context, typ string, id ID) (Attributes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attrs, ok := m.records[typ][id]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", typ, id, ErrNotFound)
	}
	return maps.Clone(attrs), nil
}

func (m *Memory) Update(_ context.Context, typ string, id ID, attrs Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[typ][id]; !ok {
		return fmt.Errorf("%s %d: %w", typ, id, ErrNotFound)
	}
	m.records[typ][id] = maps.Clone(attrs)
	return nil
}

func (m *Memory) Find(_ context.Context, typ string, conds []Cond) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table := m.records[typ]
	ids := slices.Sorted(maps.Keys(table))

	var out []Record
	for _, id := range ids {
		attrs := table[id]
		if MatchAll(conds, id, attrs) {
			out = append(out, Record{ID: id, Attrs: maps.Clone(attrs)})
		}
	}
	return out, nil
}

func (m *Memory) PivotRows(_ context.Context, p *PivotDescriptor, owner ID) ([]PivotRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pivotRowsLocked(p, owner), nil
}

func (m *Memory) pivotRowsLocked(p *PivotDescriptor, owner ID) []PivotRow {
	var out []PivotRow
	for _, r := range m.pivots[p.Table] {
		if r.keys[p.ForeignPivotKey] != owner {
			continue
		}
		row := r.row.Clone()
		row.Seq = r.seq
		row.Left = owner
		row.Right = r.keys[p.RelatedPivotKey]
		out = append(out, row)
	}
	return out
}

func (m *Memory) UpdatePivot(_ context.Context, p *PivotDescriptor, owner ID, fn PivotFunc) ([]PivotChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errClosed
	}
	changes, err := fn(m.pivotRowsLocked(p, owner))
	if err != nil {
		return nil, err
	}

	// Validate every change before touching the table so a bad batch leaves no trace.
	rows := m.pivots[p.Table]
	find := func(right ID) int {
		return slices.IndexFunc(rows, func(r *memPivotRow) bool {
			return r.keys[p.ForeignPivotKey] == owner && r.keys[p.RelatedPivotKey] == right
		})
	}
	for _, c := range changes {
		exists := find(c.Row.Right) >= 0
		if (c.Op == PivotInsert) == exists {
			return nil, fmt.Errorf("%s %s (%d, %d): %w", p.Table, c.Op, owner, c.Row.Right, ErrConcurrentModification)
		}
	}

	applied := make([]PivotChange, 0, len(changes))
	for _, c := range changes {
		row := c.Row.Clone()
		row.Left = owner
		switch c.Op {
		case PivotInsert:
			m.pivotSeq++
			row.Seq = m.pivotSeq
			rows = append(rows, &memPivotRow{
				seq:  row.Seq,
				keys: map[string]ID{p.ForeignPivotKey: owner, p.RelatedPivotKey: row.Right},
				row:  row.Clone(),
			})
		case PivotUpdate:
			i := find(row.Right)
			row.Seq = rows[i].seq
			rows[i].row = row.Clone()
		case PivotDelete:
			i := find(row.Right)
			row.Seq = rows[i].seq
			rows = slices.Delete(rows, i, i+1)
		}
		applied = append(applied, PivotChange{Op: c.Op, Row: row})
	}
	m.pivots[p.Table] = rows
	return applied, nil
}

// Close marks the backend closed; later writes fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
