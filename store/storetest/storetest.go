// Package storetest checks that a store.Backend gives a Store the same
// behavior as the in-memory backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jacentio/relate/internal/schema"
	"github.com/jacentio/relate/store"
)

// OpenFunc returns a fresh, empty backend for the demo schema in r.
// Cleanup is registered on t by the caller.
type OpenFunc func(t *testing.T, r *store.Registry) store.Backend

// Run exercises a backend through a Store built on the demo schema.
func Run(t *testing.T, open OpenFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h *harness)
	}{
		{"EntityRoundTrip", testEntityRoundTrip},
		{"IDsPerType", testIDsPerType},
		{"FetchAndUpdateMissing", testFetchAndUpdateMissing},
		{"Find", testFind},
		{"Relationships", testRelationships},
		{"PivotLifecycle", testPivotLifecycle},
		{"PivotBothSides", testPivotBothSides},
		{"PivotStaleBatch", testPivotStaleBatch},
		{"PivotConcurrentAttach", testPivotConcurrentAttach},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newHarness(t, open))
		})
	}
}

type harness struct {
	ctx     context.Context
	backend store.Backend
	store   *store.Store
	now     time.Time
}

func newHarness(t *testing.T, open OpenFunc) *harness {
	t.Helper()
	r, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	h := &harness{
		ctx:     context.Background(),
		backend: open(t, r),
		now:     time.Date(2021, 10, 29, 7, 18, 40, 123456789, time.UTC),
	}
	cfg := store.DefaultConfig()
	cfg.Clock = func() time.Time { return h.now }
	h.store = store.New(h.backend, r, cfg)
	return h
}

func (h *harness) create(t *testing.T, typ string, attrs store.Attributes) *store.Entity {
	t.Helper()
	e, err := h.store.Create(h.ctx, typ, attrs)
	if err != nil {
		t.Fatalf("create %s: %v", typ, err)
	}
	return e
}

func (h *harness) pivot(t *testing.T, owner *store.Entity, name string) *store.PivotRelation {
	t.Helper()
	rel, err := h.store.Pivot(owner, name)
	if err != nil {
		t.Fatalf("pivot %s: %v", name, err)
	}
	return rel
}

func ids(entities []*store.Entity) []store.ID {
	out := make([]store.ID, len(entities))
	for i, e := range entities {
		out[i] = e.ID()
	}
	return out
}

func rights(rows []store.PivotRow) []store.ID {
	out := make([]store.ID, len(rows))
	for i, r := range rows {
		out[i] = r.Right
	}
	return out
}

func equalIDs(a, b []store.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testEntityRoundTrip(t *testing.T, h *harness) {
	u := h.create(t, schema.User, store.Attributes{
		"name":       "Alice",
		"email":      "alice@example.com",
		"password":   nil,
		"project_id": 42,
	})

	got, err := h.store.Get(h.ctx, schema.User, u.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.String("name") != "Alice" || got.String("email") != "alice@example.com" {
		t.Errorf("unexpected attributes %v", got.Attributes())
	}
	if v, ok := got.Get("password"); !ok || v != nil {
		t.Errorf("expected explicit nil password, got (%v, %v)", v, ok)
	}
	v, _ := got.Get("project_id")
	if v != int64(42) {
		t.Errorf("expected int64(42), got %#v", v)
	}

	got.Set("name", "Alicia")
	got.Unset("password")
	if err := h.store.Save(h.ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := h.store.Get(h.ctx, schema.User, u.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.String("name") != "Alicia" {
		t.Errorf("expected 'Alicia', got %q", again.String("name"))
	}
	if _, ok := again.Get("password"); ok {
		t.Error("expected password to be removed")
	}
}

func testIDsPerType(t *testing.T, h *harness) {
	u1 := h.create(t, schema.User, store.Attributes{"name": "a"})
	u2 := h.create(t, schema.User, store.Attributes{"name": "b"})
	p1 := h.create(t, schema.Post, store.Attributes{"title": "p"})

	if u1.ID() == u2.ID() {
		t.Errorf("expected distinct IDs, got %d twice", u1.ID())
	}
	if u2.ID() <= u1.ID() {
		t.Errorf("expected increasing IDs, got %d then %d", u1.ID(), u2.ID())
	}
	if p1.ID() == 0 {
		t.Error("expected non-zero post ID")
	}
}

func testFetchAndUpdateMissing(t *testing.T, h *harness) {
	if _, err := h.backend.Fetch(h.ctx, schema.Tag, 404); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Fetch, got %v", err)
	}
	if err := h.backend.Update(h.ctx, schema.Tag, 404, store.Attributes{"name": "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Update, got %v", err)
	}
}

func testFind(t *testing.T, h *harness) {
	p1 := h.create(t, schema.Post, store.Attributes{"user_id": 1, "title": "a"})
	p2 := h.create(t, schema.Post, store.Attributes{"user_id": 2, "title": "b"})
	p3 := h.create(t, schema.Post, store.Attributes{"user_id": 2, "title": "c"})
	p4 := h.create(t, schema.Post, store.Attributes{"title": "d"})
	p5 := h.create(t, schema.Post, store.Attributes{"user_id": nil, "title": "1"})

	tests := []struct {
		name     string
		conds    []store.Cond
		expected []store.ID
	}{
		{"all", nil, []store.ID{p1.ID(), p2.ID(), p3.ID(), p4.ID(), p5.ID()}},
		{"eq", []store.Cond{store.Eq("user_id", 2)}, []store.ID{p2.ID(), p3.ID()}},
		{"eq float", []store.Cond{store.Eq("user_id", 2.0)}, []store.ID{p2.ID(), p3.ID()}},
		{"in", []store.Cond{store.In("user_id", 1, 2)}, []store.ID{p1.ID(), p2.ID(), p3.ID()}},
		{"and", []store.Cond{store.Eq("user_id", 2), store.Eq("title", "c")}, []store.ID{p3.ID()}},
		{"id", []store.Cond{store.InIDs("id", []store.ID{p4.ID(), p1.ID()})}, []store.ID{p1.ID(), p4.ID()}},
		{"nil", []store.Cond{store.Eq("user_id", nil)}, []store.ID{p5.ID()}},
		{"string is not int", []store.Cond{store.Eq("title", 1)}, nil},
		{"empty in", []store.Cond{store.In("user_id")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.store.All(h.ctx, schema.Post, tt.conds...)
			if err != nil {
				t.Fatalf("All: %v", err)
			}
			if !equalIDs(ids(got), tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, ids(got))
			}
		})
	}
}

func testRelationships(t *testing.T, h *harness) {
	p := h.create(t, schema.Project, store.Attributes{"title": "P"})
	u1 := h.create(t, schema.User, store.Attributes{"name": "U1", "project_id": p.ID()})
	u2 := h.create(t, schema.User, store.Attributes{"name": "U2", "project_id": p.ID()})
	t3 := h.create(t, schema.Task, store.Attributes{"user_id": u2.ID(), "title": "T3"})
	t1 := h.create(t, schema.Task, store.Attributes{"user_id": u1.ID(), "title": "T1"})
	t4 := h.create(t, schema.Task, store.Attributes{"user_id": u2.ID(), "title": "T4"})
	t2 := h.create(t, schema.Task, store.Attributes{"user_id": u1.ID(), "title": "T2"})

	tasks, err := h.store.Many(h.ctx, p, "tasks")
	if err != nil {
		t.Fatalf("Many: %v", err)
	}
	if want := []store.ID{t1.ID(), t2.ID(), t3.ID(), t4.ID()}; !equalIDs(ids(tasks), want) {
		t.Errorf("expected through order %v, got %v", want, ids(tasks))
	}

	orphan := h.create(t, schema.Post, store.Attributes{"title": "orphan"})
	author, err := h.store.One(h.ctx, orphan, "user")
	if err != nil {
		t.Fatalf("One: %v", err)
	}
	if author.Exists() || author.String("name") != "Guest User" {
		t.Errorf("expected guest user, got %v", author.Attributes())
	}

	users, err := h.store.Many(h.ctx, p, "users")
	if err != nil {
		t.Fatalf("Many: %v", err)
	}
	if want := []store.ID{u1.ID(), u2.ID()}; !equalIDs(ids(users), want) {
		t.Errorf("expected %v, got %v", want, ids(users))
	}
}

func testPivotLifecycle(t *testing.T, h *harness) {
	post := h.create(t, schema.Post, store.Attributes{"title": "Hello"})
	var tags []store.ID
	for _, name := range []string{"a", "b", "c"} {
		tags = append(tags, h.create(t, schema.Tag, store.Attributes{"name": name}).ID())
	}
	rel := h.pivot(t, post, "tags")

	if err := rel.Attach(h.ctx, store.IDs(tags[2], tags[0])...); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := rel.Attach(h.ctx, store.IDs(tags[2])...); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	rows, err := rel.Rows(h.ctx)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if want := []store.ID{tags[2], tags[0]}; !equalIDs(rights(rows), want) {
		t.Fatalf("expected rows %v in attach order, got %v", want, rights(rows))
	}
	if rows[0].Seq >= rows[1].Seq {
		t.Errorf("expected increasing Seq, got %d then %d", rows[0].Seq, rows[1].Seq)
	}
	if rows[0].Column("status") != "pending" {
		t.Errorf("expected default status, got %q", rows[0].Column("status"))
	}
	if rows[0].CreatedAt == nil || !rows[0].CreatedAt.Equal(h.now) {
		t.Errorf("expected created_at %v, got %v", h.now, rows[0].CreatedAt)
	}

	created := h.now
	h.now = h.now.Add(time.Hour)
	res, err := rel.Sync(h.ctx,
		store.Attachment{ID: tags[0], Columns: map[string]string{"status": "approved"}},
		store.Attachment{ID: tags[1]},
	)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !equalIDs(res.Detached, []store.ID{tags[2]}) || !equalIDs(res.Attached, []store.ID{tags[1]}) || !equalIDs(res.Updated, []store.ID{tags[0]}) {
		t.Errorf("unexpected sync result %+v", res)
	}

	resolved, err := h.store.Many(h.ctx, post, "tags")
	if err != nil {
		t.Fatalf("Many: %v", err)
	}
	if want := []store.ID{tags[0], tags[1]}; !equalIDs(ids(resolved), want) {
		t.Fatalf("expected %v, got %v", want, ids(resolved))
	}
	pv := resolved[0].Pivot()
	if pv.Column("status") != "approved" {
		t.Errorf("expected 'approved', got %q", pv.Column("status"))
	}
	if !pv.CreatedAt.Equal(created) || !pv.UpdatedAt.Equal(h.now) {
		t.Errorf("expected created %v updated %v, got %v / %v", created, h.now, pv.CreatedAt, pv.UpdatedAt)
	}

	res, err = rel.Sync(h.ctx,
		store.Attachment{ID: tags[0], Columns: map[string]string{"status": "approved"}},
		store.Attachment{ID: tags[1]},
	)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Attached)+len(res.Detached)+len(res.Updated) != 0 {
		t.Errorf("expected repeated sync to be a no-op, got %+v", res)
	}

	n, err := rel.Detach(h.ctx)
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows detached, got %d", n)
	}
	if rows, _ := rel.Rows(h.ctx); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func testPivotBothSides(t *testing.T, h *harness) {
	p1 := h.create(t, schema.Post, store.Attributes{"title": "p1"})
	p2 := h.create(t, schema.Post, store.Attributes{"title": "p2"})
	tag := h.create(t, schema.Tag, store.Attributes{"name": "go"})

	h.pivot(t, p2, "tags").Attach(h.ctx, store.Attachment{ID: tag.ID(), Columns: map[string]string{"status": "second"}})
	h.pivot(t, p1, "tags").Attach(h.ctx, store.Attachment{ID: tag.ID(), Columns: map[string]string{"status": "first"}})

	posts, err := h.store.Many(h.ctx, tag, "posts")
	if err != nil {
		t.Fatalf("Many: %v", err)
	}
	if want := []store.ID{p2.ID(), p1.ID()}; !equalIDs(ids(posts), want) {
		t.Fatalf("expected %v, got %v", want, ids(posts))
	}
	if posts[0].Pivot().Column("status") != "second" || posts[1].Pivot().Column("status") != "first" {
		t.Errorf("expected per-row status, got %q and %q", posts[0].Pivot().Column("status"), posts[1].Pivot().Column("status"))
	}

	// Detaching from the tag side removes the post's row as well.
	if _, err := h.pivot(t, tag, "posts").Detach(h.ctx, p1.ID()); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if tags, _ := h.store.Many(h.ctx, p1, "tags"); len(tags) != 0 {
		t.Errorf("expected p1 to have no tags, got %v", ids(tags))
	}

	u := h.create(t, schema.User, store.Attributes{"name": "U"})
	pr := h.create(t, schema.Project, store.Attributes{"title": "P"})
	h.pivot(t, u, "pivot_projects").Attach(h.ctx, store.IDs(pr.ID())...)
	members, err := h.store.Many(h.ctx, pr, "pivot_users")
	if err != nil {
		t.Fatalf("Many: %v", err)
	}
	if len(members) != 1 || members[0].ID() != u.ID() {
		t.Errorf("expected [%d], got %v", u.ID(), ids(members))
	}
	if members[0].Pivot().CreatedAt != nil {
		t.Error("expected no timestamps on project_user")
	}
}

func testPivotStaleBatch(t *testing.T, h *harness) {
	p := schema.PostTag()
	insert := func(right store.ID) store.PivotChange {
		return store.PivotChange{Op: store.PivotInsert, Row: store.PivotRow{Right: right, Columns: map[string]string{"status": "pending"}}}
	}

	_, err := h.backend.UpdatePivot(h.ctx, p, 1, func([]store.PivotRow) ([]store.PivotChange, error) {
		return []store.PivotChange{insert(10)}, nil
	})
	if err != nil {
		t.Fatalf("UpdatePivot: %v", err)
	}

	_, err = h.backend.UpdatePivot(h.ctx, p, 1, func([]store.PivotRow) ([]store.PivotChange, error) {
		return []store.PivotChange{insert(11), insert(10)}, nil
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	_, err = h.backend.UpdatePivot(h.ctx, p, 1, func([]store.PivotRow) ([]store.PivotChange, error) {
		return []store.PivotChange{{Op: store.PivotDelete, Row: store.PivotRow{Right: 12}}}, nil
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification for missing row, got %v", err)
	}

	rows, err := h.backend.PivotRows(h.ctx, p, 1)
	if err != nil {
		t.Fatalf("PivotRows: %v", err)
	}
	if want := []store.ID{10}; !equalIDs(rights(rows), want) {
		t.Errorf("expected failed batches to leave %v, got %v", want, rights(rows))
	}
}

func testPivotConcurrentAttach(t *testing.T, h *harness) {
	post := h.create(t, schema.Post, store.Attributes{"title": "Hello"})
	tag := h.create(t, schema.Tag, store.Attributes{"name": "go"})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := h.store.Pivot(post, "tags")
			if err != nil {
				t.Errorf("Pivot: %v", err)
				return
			}
			if err := rel.Attach(h.ctx, store.IDs(tag.ID())...); err != nil {
				t.Errorf("Attach: %v", err)
			}
		}()
	}
	wg.Wait()

	rows, err := h.pivot(t, post, "tags").Rows(h.ctx)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected exactly 1 row, got %d", len(rows))
	}
}
