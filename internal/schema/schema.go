// Package schema declares the demo domain: users with addresses, posts and
// tasks, projects that users belong to, and tags attached to posts through the
// post_tag pivot.
package schema

import "github.com/jacentio/relate/store"

// Entity types.
const (
	User    = "user"
	Address = "address"
	Post    = "post"
	Tag     = "tag"
	Project = "project"
	Task    = "task"
)

// PostTag is the post_tag join table: a status column defaulting to
// "pending" plus timestamps.
func PostTag() *store.PivotDescriptor {
	return &store.PivotDescriptor{
		Table:           "post_tag",
		ForeignPivotKey: "post_id",
		RelatedPivotKey: "tag_id",
		Columns:         []store.PivotColumn{{Name: "status", Default: "pending"}},
		Timestamps:      true,
	}
}

// GuestUser is what a post without a stored author resolves to.
var GuestUser = store.Attributes{"name": "Guest User"}

type relationship struct {
	owner, name string
	desc        store.Descriptor
}

// Register defines the demo types and relationships on r.
func Register(r *store.Registry) error {
	types := []struct {
		name   string
		fields []string
	}{
		{User, []string{"name", "email", "password", "project_id"}},
		{Address, []string{"user_id", "country", "city", "zip_code"}},
		{Post, []string{"user_id", "title"}},
		{Tag, []string{"name"}},
		{Project, []string{"title"}},
		{Task, []string{"user_id", "title"}},
	}
	for _, t := range types {
		if err := r.DefineType(t.name, t.fields...); err != nil {
			return err
		}
	}

	for _, rel := range relationships() {
		if err := r.Register(rel.owner, rel.name, rel.desc); err != nil {
			return err
		}
	}
	return nil
}

func relationships() []relationship {
	postTag := PostTag()
	return []relationship{
		{User, "address", store.Descriptor{Kind: store.HasOne, Target: Address}},
		{User, "addresses", store.Descriptor{Kind: store.HasMany, Target: Address}},
		{User, "posts", store.Descriptor{Kind: store.HasMany, Target: Post}},
		{User, "project", store.Descriptor{Kind: store.BelongsTo, Target: Project}},
		{User, "tasks", store.Descriptor{Kind: store.HasMany, Target: Task}},
		{User, "pivot_projects", store.Descriptor{Kind: store.BelongsToMany, Target: Project, Pivot: &store.PivotDescriptor{}}},

		{Address, "user", store.Descriptor{Kind: store.BelongsTo, Target: User}},

		{Post, "user", store.Descriptor{Kind: store.BelongsTo, Target: User, Default: GuestUser}},
		{Post, "tags", store.Descriptor{Kind: store.BelongsToMany, Target: Tag, Pivot: postTag}},
		{Tag, "posts", store.Descriptor{Kind: store.BelongsToMany, Target: Post, Pivot: postTag.Inverse()}},

		{Project, "users", store.Descriptor{Kind: store.HasMany, Target: User}},
		{Project, "pivot_users", store.Descriptor{Kind: store.BelongsToMany, Target: User, Pivot: &store.PivotDescriptor{}}},
		{Project, "tasks", store.Descriptor{Kind: store.HasManyThrough, Target: Task, Through: User}},
		{Project, "task", store.Descriptor{Kind: store.HasOneThrough, Target: Task, Through: User}},

		{Task, "user", store.Descriptor{Kind: store.BelongsTo, Target: User}},
	}
}

// NewRegistry returns a registry with the demo domain registered.
func NewRegistry() (*store.Registry, error) {
	r := store.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
