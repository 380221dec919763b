package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jacentio/relate/store"
)

// --- Test Schema ---

// newBlogRegistry declares users, projects, tasks, posts, tags and addresses
// with every relationship kind.
func newBlogRegistry(t *testing.T) *store.Registry {
	t.Helper()
	r := store.NewRegistry()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("registry setup: %v", err)
		}
	}

	must(r.DefineType("user", "name", "email", "password", "project_id"))
	must(r.DefineType("address", "user_id", "country", "city", "zip_code"))
	must(r.DefineType("post", "user_id", "title"))
	must(r.DefineType("tag", "name"))
	must(r.DefineType("project", "title"))
	must(r.DefineType("task", "user_id", "title"))

	postTag := &store.PivotDescriptor{
		Table:      "post_tag",
		Columns:    []store.PivotColumn{{Name: "status", Default: "pending"}},
		Timestamps: true,
	}

	must(r.Register("user", "address", store.Descriptor{Kind: store.HasOne, Target: "address"}))
	must(r.Register("user", "addresses", store.Descriptor{Kind: store.HasMany, Target: "address"}))
	must(r.Register("user", "posts", store.Descriptor{Kind: store.HasMany, Target: "post"}))
	must(r.Register("user", "project", store.Descriptor{Kind: store.BelongsTo, Target: "project"}))
	must(r.Register("user", "tasks", store.Descriptor{Kind: store.HasMany, Target: "task"}))
	must(r.Register("user", "pivot_projects", store.Descriptor{
		Kind:   store.BelongsToMany,
		Target: "project",
		Pivot:  &store.PivotDescriptor{},
	}))

	must(r.Register("post", "user", store.Descriptor{
		Kind:    store.BelongsTo,
		Target:  "user",
		Default: store.Attributes{"name": "Guest User"},
	}))
	must(r.Register("post", "tags", store.Descriptor{Kind: store.BelongsToMany, Target: "tag", Pivot: postTag}))
	must(r.Register("tag", "posts", store.Descriptor{Kind: store.BelongsToMany, Target: "post", Pivot: postTag.Inverse()}))

	must(r.Register("project", "users", store.Descriptor{Kind: store.HasMany, Target: "user"}))
	must(r.Register("project", "pivot_users", store.Descriptor{
		Kind:   store.BelongsToMany,
		Target: "user",
		Pivot:  &store.PivotDescriptor{},
	}))
	must(r.Register("project", "tasks", store.Descriptor{Kind: store.HasManyThrough, Target: "task", Through: "user"}))
	must(r.Register("project", "task", store.Descriptor{Kind: store.HasOneThrough, Target: "task", Through: "user"}))

	must(r.Register("task", "user", store.Descriptor{Kind: store.BelongsTo, Target: "user"}))
	must(r.Register("address", "user", store.Descriptor{Kind: store.BelongsTo, Target: "user"}))

	return r
}

// newTestStore builds a memory-backed Store on the blog schema.
func newTestStore(t *testing.T, cfg store.Config) *store.Store {
	t.Helper()
	s := store.New(store.NewMemory(), newBlogRegistry(t), cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func create(t *testing.T, s *store.Store, typ string, attrs store.Attributes) *store.Entity {
	t.Helper()
	e, err := s.Create(context.Background(), typ, attrs)
	if err != nil {
		t.Fatalf("create %s: %v", typ, err)
	}
	return e
}

func ids(entities []*store.Entity) []store.ID {
	out := make([]store.ID, len(entities))
	for i, e := range entities {
		out[i] = e.ID()
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

// --- Fake Clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2021, 10, 29, 7, 18, 40, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Recording Publisher ---

type recordedEvent struct {
	table string
	kind  store.EventKind
	row   store.PivotRow
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
	fail   map[store.EventKind]error
}

func (r *recorder) Publish(_ context.Context, table string, kind store.EventKind, row store.PivotRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{table: table, kind: kind, row: row})
	if err := r.fail[kind]; err != nil {
		return err
	}
	return nil
}

func (r *recorder) count(kind store.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var errRejected = errors.New("status change rejected")
