package store

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// Attachment is a related ID plus optional extra column values for its pivot row.
type Attachment struct {
	ID      ID
	Columns map[string]string
}

// IDs turns plain IDs into attachments without column values.
func IDs(ids ...ID) []Attachment {
	out := make([]Attachment, len(ids))
	for i, id := range ids {
		out[i] = Attachment{ID: id}
	}
	return out
}

// SyncResult lists the related IDs a sync touched, in the order it touched them.
type SyncResult struct {
	Attached []ID
	Detached []ID
	Updated  []ID
}

// PivotRelation mutates one owner's side of a BelongsToMany relationship.
type PivotRelation struct {
	store *Store
	owner *Entity
	name  string
	desc  Descriptor
	pivot *PivotDescriptor
}

// Pivot returns the pivot operations of a BelongsToMany relationship on owner.
func (s *Store) Pivot(owner *Entity, name string) (*PivotRelation, error) {
	d, err := s.registry.Descriptor(owner.typ, name)
	if err != nil {
		return nil, err
	}
	if d.Kind != BelongsToMany {
		return nil, fmt.Errorf("%w: %s.%s is %s", ErrNotPivot, owner.typ, name, d.Kind)
	}
	if !owner.exists {
		return nil, fmt.Errorf("%s: %w", owner.typ, ErrNotPersisted)
	}
	return &PivotRelation{store: s, owner: owner, name: name, desc: d, pivot: d.Pivot}, nil
}

// Table returns the join table name.
func (p *PivotRelation) Table() string { return p.pivot.Table }

// Rows returns the owner's current pivot rows in insertion order.
func (p *PivotRelation) Rows(ctx context.Context) ([]PivotRow, error) {
	return p.store.backend.PivotRows(ctx, p.pivot, p.owner.id)
}

// Attach adds a pivot row for every ID not already attached. Already attached
// IDs are skipped without touching their columns.
func (p *PivotRelation) Attach(ctx context.Context, atts ...Attachment) error {
	desired, err := p.dedupe(atts)
	if err != nil {
		return err
	}
	now := p.store.now()
	_, err = p.mutate(ctx, "attach", func(current []PivotRow) ([]PivotChange, error) {
		attached := indexRows(current)
		var changes []PivotChange
		for _, a := range desired {
			if _, ok := attached[a.ID]; ok {
				continue
			}
			changes = append(changes, PivotChange{Op: PivotInsert, Row: p.newRow(a, now)})
		}
		return changes, nil
	})
	return err
}

// Detach removes the pivot rows for ids, or every row of the owner when no
// ids are given. It returns the number of rows removed.
func (p *PivotRelation) Detach(ctx context.Context, ids ...ID) (int, error) {
	all := len(ids) == 0
	wanted := make(map[ID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	applied, err := p.mutate(ctx, "detach", func(current []PivotRow) ([]PivotChange, error) {
		var changes []PivotChange
		for _, r := range current {
			if all || wanted[r.Right] {
				changes = append(changes, PivotChange{Op: PivotDelete, Row: r})
			}
		}
		return changes, nil
	})
	return len(applied), err
}

// Sync makes the attached set exactly the given IDs. Rows kept in place get
// their column values updated; only actual value changes touch updated_at.
func (p *PivotRelation) Sync(ctx context.Context, atts ...Attachment) (SyncResult, error) {
	return p.sync(ctx, "sync", atts, true)
}

// SyncWithoutDetaching attaches and updates like Sync but never detaches.
func (p *PivotRelation) SyncWithoutDetaching(ctx context.Context, atts ...Attachment) (SyncResult, error) {
	return p.sync(ctx, "sync_without_detaching", atts, false)
}

func (p *PivotRelation) sync(ctx context.Context, op string, atts []Attachment, detach bool) (SyncResult, error) {
	desired, err := p.dedupe(atts)
	if err != nil {
		return SyncResult{}, err
	}
	now := p.store.now()
	applied, err := p.mutate(ctx, op, func(current []PivotRow) ([]PivotChange, error) {
		attached := indexRows(current)
		wanted := make(map[ID]bool, len(desired))
		for _, a := range desired {
			wanted[a.ID] = true
		}

		var changes []PivotChange
		if detach {
			for _, r := range current {
				if !wanted[r.Right] {
					changes = append(changes, PivotChange{Op: PivotDelete, Row: r})
				}
			}
		}
		for _, a := range desired {
			r, ok := attached[a.ID]
			if !ok {
				changes = append(changes, PivotChange{Op: PivotInsert, Row: p.newRow(a, now)})
				continue
			}
			if updated, changed := p.applyColumns(r, a.Columns, now); changed {
				changes = append(changes, PivotChange{Op: PivotUpdate, Row: updated})
			}
		}
		return changes, nil
	})
	return summarize(applied), err
}

// Toggle detaches the given IDs that are attached and attaches the rest.
func (p *PivotRelation) Toggle(ctx context.Context, ids ...ID) (SyncResult, error) {
	desired, err := p.dedupe(IDs(ids...))
	if err != nil {
		return SyncResult{}, err
	}
	now := p.store.now()
	applied, err := p.mutate(ctx, "toggle", func(current []PivotRow) ([]PivotChange, error) {
		attached := indexRows(current)
		var changes []PivotChange
		for _, a := range desired {
			if r, ok := attached[a.ID]; ok {
				changes = append(changes, PivotChange{Op: PivotDelete, Row: r})
			} else {
				changes = append(changes, PivotChange{Op: PivotInsert, Row: p.newRow(a, now)})
			}
		}
		return changes, nil
	})
	return summarize(applied), err
}

// UpdateExisting changes the column values of an attached row. It reports
// false when id is not attached or the values are unchanged.
func (p *PivotRelation) UpdateExisting(ctx context.Context, id ID, cols map[string]string) (bool, error) {
	if err := p.checkColumns(cols); err != nil {
		return false, err
	}
	now := p.store.now()
	applied, err := p.mutate(ctx, "update_existing", func(current []PivotRow) ([]PivotChange, error) {
		r, ok := indexRows(current)[id]
		if !ok {
			return nil, nil
		}
		if updated, changed := p.applyColumns(r, cols, now); changed {
			return []PivotChange{{Op: PivotUpdate, Row: updated}}, nil
		}
		return nil, nil
	})
	return len(applied) > 0, err
}

// mutate runs one read-modify-write under the table's key lock, then publishes
// one event per applied change in order. The first listener error is returned.
// Event rows are in canonical orientation, so both sides of a table agree on
// which key Left holds.
func (p *PivotRelation) mutate(ctx context.Context, op string, fn PivotFunc) ([]PivotChange, error) {
	s := p.store
	unlock := s.locks.Lock(p.pivot.Table)
	applied, err := s.backend.UpdatePivot(ctx, p.pivot, p.owner.id, fn)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("%s %s.%s: %w", op, p.owner.typ, p.name, err)
	}

	s.logger.Debug("pivot updated",
		"op", op,
		"pivotTable", p.pivot.Table,
		"owner", p.owner.id,
		"changes", len(applied),
	)

	if s.config.Events == nil {
		return applied, nil
	}
	for _, c := range applied {
		kind := eventKind(c.Op)
		if err := s.config.Events.Publish(ctx, p.pivot.Table, kind, p.pivot.Canonical(c.Row)); err != nil {
			return applied, fmt.Errorf("%s %s.%s: %s listener: %w", op, p.owner.typ, p.name, kind, err)
		}
	}
	return applied, nil
}

// dedupe validates attachments and collapses repeated IDs, keeping the first
// position and the last column values.
func (p *PivotRelation) dedupe(atts []Attachment) ([]Attachment, error) {
	pos := make(map[ID]int, len(atts))
	out := make([]Attachment, 0, len(atts))
	for _, a := range atts {
		if err := p.checkColumns(a.Columns); err != nil {
			return nil, err
		}
		if i, ok := pos[a.ID]; ok {
			if a.Columns != nil {
				out[i].Columns = a.Columns
			}
			continue
		}
		pos[a.ID] = len(out)
		out = append(out, a)
	}
	return out, nil
}

func (p *PivotRelation) checkColumns(cols map[string]string) error {
	for name := range cols {
		known := false
		for _, c := range p.pivot.Columns {
			if c.Name == name {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, p.pivot.Table, name)
		}
	}
	return nil
}

func (p *PivotRelation) newRow(a Attachment, now time.Time) PivotRow {
	row := PivotRow{Left: p.owner.id, Right: a.ID}
	if len(p.pivot.Columns) > 0 {
		row.Columns = make(map[string]string, len(p.pivot.Columns))
		for _, c := range p.pivot.Columns {
			row.Columns[c.Name] = c.Default
		}
		maps.Copy(row.Columns, a.Columns)
	}
	if p.pivot.Timestamps {
		created, updated := now, now
		row.CreatedAt = &created
		row.UpdatedAt = &updated
	}
	return row
}

// applyColumns returns r with cols merged in and whether any value changed.
func (p *PivotRelation) applyColumns(r PivotRow, cols map[string]string, now time.Time) (PivotRow, bool) {
	changed := false
	for k, v := range cols {
		if r.Columns[k] != v {
			changed = true
			break
		}
	}
	if !changed {
		return r, false
	}
	r = r.Clone()
	if r.Columns == nil {
		r.Columns = make(map[string]string, len(cols))
	}
	maps.Copy(r.Columns, cols)
	if p.pivot.Timestamps {
		updated := now
		r.UpdatedAt = &updated
	}
	return r, true
}

func indexRows(rows []PivotRow) map[ID]PivotRow {
	out := make(map[ID]PivotRow, len(rows))
	for _, r := range rows {
		out[r.Right] = r
	}
	return out
}

func summarize(applied []PivotChange) SyncResult {
	var res SyncResult
	for _, c := range applied {
		switch c.Op {
		case PivotInsert:
			res.Attached = append(res.Attached, c.Row.Right)
		case PivotDelete:
			res.Detached = append(res.Detached, c.Row.Right)
		case PivotUpdate:
			res.Updated = append(res.Updated, c.Row.Right)
		}
	}
	return res
}
