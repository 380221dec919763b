package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jacentio/relate/internal/schema"
	"github.com/jacentio/relate/store"
	"github.com/jacentio/relate/store/storetest"
)

func newTestBackend(t *testing.T, r *store.Registry) *Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b, err := Open(dbPath, logger)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if r != nil {
		if err := b.EnsurePivotTables(context.Background(), r); err != nil {
			t.Fatalf("ensure pivot tables: %v", err)
		}
	}
	return b
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, r *store.Registry) store.Backend {
		return newTestBackend(t, r)
	})
}

func TestOpen(t *testing.T) {
	b := newTestBackend(t, nil)

	var journalMode string
	if err := b.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected wal, got %s", journalMode)
	}

	var name string
	err := b.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='entities'").Scan(&name)
	if err != nil {
		t.Errorf("table entities not found: %v", err)
	}
}

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	b, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	id, err := b.Insert(ctx, "tag", store.Attributes{"name": "go"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	attrs, err := b.Fetch(ctx, "tag", id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if attrs["name"] != "go" {
		t.Errorf("expected 'go', got %v", attrs["name"])
	}
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	r, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	b, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.EnsurePivotTables(ctx, r); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	id, _ := b.Insert(ctx, "tag", store.Attributes{"name": "go"})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Schema creation is idempotent and data survives.
	b2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	if err := b2.EnsurePivotTables(ctx, r); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if _, err := b2.Fetch(ctx, "tag", id); err != nil {
		t.Errorf("expected tag to survive reopen: %v", err)
	}
}

func TestPivotTableLayout(t *testing.T) {
	r, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	b := newTestBackend(t, r)

	type column struct {
		name    string
		typ     string
		notNull bool
		dflt    *string
		pk      bool
	}
	pending := "'pending'"
	want := []column{
		{"id", "INTEGER", false, nil, true},
		{"post_id", "INTEGER", true, nil, false},
		{"tag_id", "INTEGER", true, nil, false},
		{"status", "TEXT", true, &pending, false},
		{"created_at", "TEXT", false, nil, false},
		{"updated_at", "TEXT", false, nil, false},
	}

	rows, err := b.db.Query(`PRAGMA table_info("post_tag")`)
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()

	var got []column
	for rows.Next() {
		var (
			cid     int
			c       column
			notNull int
			dflt    *string
			pk      int
		)
		if err := rows.Scan(&cid, &c.name, &c.typ, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan: %v", err)
		}
		c.notNull, c.dflt, c.pk = notNull == 1, dflt, pk > 0
		got = append(got, c)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d columns, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.name != w.name || g.typ != w.typ || g.notNull != w.notNull || g.pk != w.pk {
			t.Errorf("column %d: expected %+v, got %+v", i, w, g)
		}
		if (g.dflt == nil) != (w.dflt == nil) || (g.dflt != nil && *g.dflt != *w.dflt) {
			t.Errorf("column %s: expected default %v, got %v", w.name, w.dflt, g.dflt)
		}
	}

	var ddl string
	if err := b.db.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'post_tag'`).Scan(&ddl); err != nil {
		t.Fatalf("read table sql: %v", err)
	}
	if !strings.Contains(ddl, "AUTOINCREMENT") {
		t.Errorf("expected AUTOINCREMENT id, got %s", ddl)
	}
}

func TestPivotRowsMissingTable(t *testing.T) {
	b := newTestBackend(t, nil)

	_, err := b.PivotRows(context.Background(), schema.PostTag(), 1)
	if err == nil {
		t.Error("expected error before EnsurePivotTables")
	}
}

func TestFindSkipsUnpushableValues(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, nil)

	b.Insert(ctx, "flag", store.Attributes{"on": true})
	b.Insert(ctx, "flag", store.Attributes{"on": int64(1)})

	recs, err := b.Find(ctx, "flag", []store.Cond{store.Eq("on", true)})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != 1 {
		t.Errorf("expected only the bool record, got %+v", recs)
	}
}

func TestDecodeAttrs(t *testing.T) {
	attrs, err := decodeAttrs(`{"i": 3, "f": 1.5, "s": "x", "b": false, "n": null}`)
	if err != nil {
		t.Fatalf("decodeAttrs: %v", err)
	}
	if attrs["i"] != int64(3) {
		t.Errorf("expected int64(3), got %#v", attrs["i"])
	}
	if attrs["f"] != 1.5 {
		t.Errorf("expected 1.5, got %#v", attrs["f"])
	}
	if attrs["s"] != "x" || attrs["b"] != false {
		t.Errorf("unexpected %v", attrs)
	}
	if v, ok := attrs["n"]; !ok || v != nil {
		t.Errorf("expected explicit nil, got (%v, %v)", v, ok)
	}

	if _, err := decodeAttrs(`not json`); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestUpdateMissing(t *testing.T) {
	b := newTestBackend(t, nil)
	err := b.Update(context.Background(), "tag", 9, store.Attributes{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQuoting(t *testing.T) {
	if got := quoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("quoteIdent: got %s", got)
	}
	if got := quoteString("it's"); got != `'it''s'` {
		t.Errorf("quoteString: got %s", got)
	}
	if got := placeholders(3); got != "?, ?, ?" {
		t.Errorf("placeholders: got %q", got)
	}
}
