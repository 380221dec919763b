// Package sqlite is a store.Backend on SQLite (modernc.org/sqlite, no cgo).
//
// Entities live in one table keyed by (type, id) with their attributes as a
// JSON object. Each join table of the registry is a real table with the
// layout
//
//	id INTEGER PRIMARY KEY AUTOINCREMENT,
//	<foreign> INTEGER NOT NULL,
//	<related> INTEGER NOT NULL,
//	<extra> TEXT NOT NULL DEFAULT '<default>', ...
//	created_at TEXT NULL,
//	updated_at TEXT NULL
//
// created by [Backend.EnsurePivotTables].
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jacentio/relate/store"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Backend provides SQLite-backed persistence for a store.Store.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Backend = (*Backend)(nil)

// Open creates a backend on the database at path (":memory:" for a private
// in-memory database). It sets pragmas and creates the entities table.
func Open(path string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}

	return &Backend{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// EnsurePivotTables creates the join table of every BelongsToMany in the
// registry that does not exist yet, plus an index on its related key.
func (b *Backend) EnsurePivotTables(ctx context.Context, r *store.Registry) error {
	for _, p := range r.PivotTables() {
		stmts := []string{createPivotSQL(&p), createPivotIndexSQL(&p)}
		for _, stmt := range stmts {
			if _, err := b.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create pivot table %s: %w", p.Table, err)
			}
		}
		b.logger.Debug("pivot table ready", "pivotTable", p.Table)
	}
	return nil
}

func createPivotSQL(p *store.PivotDescriptor) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(p.Table))
	sb.WriteString("    id INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	fmt.Fprintf(&sb, "    %s INTEGER NOT NULL,\n", quoteIdent(p.ForeignPivotKey))
	fmt.Fprintf(&sb, "    %s INTEGER NOT NULL,\n", quoteIdent(p.RelatedPivotKey))
	for _, c := range p.Columns {
		fmt.Fprintf(&sb, "    %s TEXT NOT NULL DEFAULT %s,\n", quoteIdent(c.Name), quoteString(c.Default))
	}
	sb.WriteString("    created_at TEXT NULL,\n")
	sb.WriteString("    updated_at TEXT NULL,\n")
	fmt.Fprintf(&sb, "    UNIQUE (%s, %s)\n)", quoteIdent(p.ForeignPivotKey), quoteIdent(p.RelatedPivotKey))
	return sb.String()
}

func createPivotIndexSQL(p *store.PivotDescriptor) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(p.Table+"_"+p.RelatedPivotKey+"_index"), quoteIdent(p.Table), quoteIdent(p.RelatedPivotKey))
}

// --- Entities ---

func (b *Backend) Insert(ctx context.Context, typ string, attrs store.Attributes) (store.ID, error) {
	data, err := encodeAttrs(attrs)
	if err != nil {
		return 0, err
	}
	var id int64
	err = b.db.QueryRowContext(ctx, `
		INSERT INTO entities (type, id, attrs)
		SELECT ?, COALESCE(MAX(id), 0) + 1, ? FROM entities WHERE type = ?
		RETURNING id`,
		typ, data, typ,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", typ, err)
	}
	return store.ID(id), nil
}

func (b *Backend) Fetch(ctx context.Context, typ string, id store.ID) (store.Attributes, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		`SELECT attrs FROM entities WHERE type = ? AND id = ?`, typ, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %d: %w", typ, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeAttrs(data)
}

func (b *Backend) Update(ctx context.Context, typ string, id store.ID, attrs store.Attributes) error {
	data, err := encodeAttrs(attrs)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE entities SET attrs = ? WHERE type = ? AND id = ?`, data, typ, int64(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", typ, id, store.ErrNotFound)
	}
	return nil
}

// Find pushes conditions down as json_extract IN filters and re-checks every
// row with store.MatchAll, which decides cross-kind equality (bool vs integer,
// nil) the same way the memory backend does.
func (b *Backend) Find(ctx context.Context, typ string, conds []store.Cond) ([]store.Record, error) {
	where := []string{"type = ?"}
	args := []any{typ}
	for _, c := range conds {
		if len(c.Values) == 0 {
			return nil, nil
		}
		if !pushable(c.Values) {
			continue
		}
		expr := "id"
		if c.Field != "id" {
			expr = "json_extract(attrs, ?)"
			args = append(args, jsonPath(c.Field))
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", expr, placeholders(len(c.Values))))
		for _, v := range c.Values {
			n, _ := store.Normalize(v)
			args = append(args, n)
		}
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, attrs FROM entities WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		attrs, err := decodeAttrs(data)
		if err != nil {
			return nil, err
		}
		if store.MatchAll(conds, store.ID(id), attrs) {
			out = append(out, store.Record{ID: store.ID(id), Attrs: attrs})
		}
	}
	return out, rows.Err()
}

// pushable reports whether every value compares in SQL the way store.Equal
// compares it in Go.
func pushable(vs []any) bool {
	for _, v := range vs {
		n, err := store.Normalize(v)
		if err != nil {
			return false
		}
		switch n.(type) {
		case int64, float64, string:
		default:
			return false
		}
	}
	return true
}

// --- Pivot tables ---

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Backend) PivotRows(ctx context.Context, p *store.PivotDescriptor, owner store.ID) ([]store.PivotRow, error) {
	return pivotRows(ctx, b.db, p, owner)
}

func pivotRows(ctx context.Context, q querier, p *store.PivotDescriptor, owner store.ID) ([]store.PivotRow, error) {
	cols := []string{"id", quoteIdent(p.RelatedPivotKey)}
	for _, c := range p.Columns {
		cols = append(cols, quoteIdent(c.Name))
	}
	cols = append(cols, "created_at", "updated_at")

	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY id",
			strings.Join(cols, ", "), quoteIdent(p.Table), quoteIdent(p.ForeignPivotKey)),
		int64(owner),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PivotRow
	for rows.Next() {
		r, err := scanPivotRow(rows, p, owner)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPivotRow(rows *sql.Rows, p *store.PivotDescriptor, owner store.ID) (store.PivotRow, error) {
	var (
		seq, right int64
		created    sql.NullString
		updated    sql.NullString
	)
	values := make([]string, len(p.Columns))
	dest := []any{&seq, &right}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &created, &updated)
	if err := rows.Scan(dest...); err != nil {
		return store.PivotRow{}, err
	}

	r := store.PivotRow{Seq: seq, Left: owner, Right: store.ID(right)}
	if len(p.Columns) > 0 {
		r.Columns = make(map[string]string, len(p.Columns))
		for i, c := range p.Columns {
			r.Columns[c.Name] = values[i]
		}
	}
	var err error
	if r.CreatedAt, err = parseNullableTime(created); err != nil {
		return store.PivotRow{}, err
	}
	if r.UpdatedAt, err = parseNullableTime(updated); err != nil {
		return store.PivotRow{}, err
	}
	return r, nil
}

// UpdatePivot runs the read-modify-write in one transaction. A change that
// does not match the rows it expects (a duplicate insert, or an update or
// delete of a missing row) rolls the whole batch back.
func (b *Backend) UpdatePivot(ctx context.Context, p *store.PivotDescriptor, owner store.ID, fn store.PivotFunc) ([]store.PivotChange, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := pivotRows(ctx, tx, p, owner)
	if err != nil {
		return nil, err
	}
	changes, err := fn(current)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	seqs := make(map[store.ID]int64, len(current))
	for _, r := range current {
		seqs[r.Right] = r.Seq
	}

	applied := make([]store.PivotChange, 0, len(changes))
	for _, c := range changes {
		row := c.Row.Clone()
		row.Left = owner
		switch c.Op {
		case store.PivotInsert:
			seq, err := insertPivot(ctx, tx, p, row)
			if err != nil {
				return nil, err
			}
			row.Seq = seq
		case store.PivotUpdate:
			if err := updatePivot(ctx, tx, p, row); err != nil {
				return nil, err
			}
			row.Seq = seqs[row.Right]
		case store.PivotDelete:
			if err := deletePivot(ctx, tx, p, row); err != nil {
				return nil, err
			}
			row.Seq = seqs[row.Right]
		default:
			return nil, fmt.Errorf("unknown pivot change %s", c.Op)
		}
		applied = append(applied, store.PivotChange{Op: c.Op, Row: row})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return applied, nil
}

func insertPivot(ctx context.Context, q querier, p *store.PivotDescriptor, row store.PivotRow) (int64, error) {
	cols := []string{quoteIdent(p.ForeignPivotKey), quoteIdent(p.RelatedPivotKey)}
	args := []any{int64(row.Left), int64(row.Right)}
	for _, c := range p.Columns {
		v, ok := row.Columns[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, quoteIdent(c.Name))
		args = append(args, v)
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, nullTimeString(row.CreatedAt), nullTimeString(row.UpdatedAt))

	res, err := q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(p.Table), strings.Join(cols, ", "), placeholders(len(cols))),
		args...,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("%s insert (%d, %d): %w", p.Table, row.Left, row.Right, store.ErrConcurrentModification)
		}
		return 0, err
	}
	return res.LastInsertId()
}

func updatePivot(ctx context.Context, q querier, p *store.PivotDescriptor, row store.PivotRow) error {
	var sets []string
	var args []any
	for _, c := range p.Columns {
		if v, ok := row.Columns[c.Name]; ok {
			sets = append(sets, quoteIdent(c.Name)+" = ?")
			args = append(args, v)
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nullTimeString(row.UpdatedAt), int64(row.Left), int64(row.Right))

	res, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND %s = ?",
			quoteIdent(p.Table), strings.Join(sets, ", "), quoteIdent(p.ForeignPivotKey), quoteIdent(p.RelatedPivotKey)),
		args...,
	)
	return checkAffected(res, err, p, "update", row)
}

func deletePivot(ctx context.Context, q querier, p *store.PivotDescriptor, row store.PivotRow) error {
	res, err := q.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			quoteIdent(p.Table), quoteIdent(p.ForeignPivotKey), quoteIdent(p.RelatedPivotKey)),
		int64(row.Left), int64(row.Right),
	)
	return checkAffected(res, err, p, "delete", row)
}

func checkAffected(res sql.Result, err error, p *store.PivotDescriptor, op string, row store.PivotRow) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s (%d, %d): %w", p.Table, op, row.Left, row.Right, store.ErrConcurrentModification)
	}
	return nil
}

// --- Helpers ---

func encodeAttrs(attrs store.Attributes) (string, error) {
	if attrs == nil {
		attrs = store.Attributes{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(data), nil
}

// decodeAttrs parses stored JSON, keeping integers as int64.
func decodeAttrs(data string) (store.Attributes, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	attrs := make(store.Attributes, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				attrs[k] = i
				continue
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("decode attribute %q: %w", k, err)
			}
			attrs[k] = f
			continue
		}
		attrs[k] = v
	}
	return attrs, nil
}

func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// formatTime formats a time.Time to RFC3339Nano for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseNullableTime parses an optional time string.
func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullTimeString returns a sql.NullString from a *time.Time.
func nullTimeString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
