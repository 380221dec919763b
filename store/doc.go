// Package store provides a relationship-aware data access layer over a
// pluggable storage backend.
//
// Entity types and the relationships between them are declared once in a
// [Registry] and frozen when a [Store] is built on it. The Store then offers
// entity CRUD, named relationship resolution and pivot synchronization for
// many-to-many relationships.
//
// # Relationship Kinds
//
//   - [BelongsTo] - owner holds the target's key; may fall back to a default ("guest") entity
//   - [HasOne], [HasMany] - target holds the owner's key
//   - [BelongsToMany] - join table with extra text columns and optional timestamps
//   - [HasOneThrough], [HasManyThrough] - two hops through an intermediate type
//
// # Registration
//
//	r := store.NewRegistry()
//	r.DefineType("post", "user_id", "title")
//	r.DefineType("tag", "name")
//	r.DefineType("user", "name", "email", "project_id")
//	r.Register("post", "user", store.Descriptor{
//	    Kind:    store.BelongsTo,
//	    Target:  "user",
//	    Default: store.Attributes{"name": "Guest User"},
//	})
//	r.Register("post", "tags", store.Descriptor{
//	    Kind:   store.BelongsToMany,
//	    Target: "tag",
//	    Pivot: &store.PivotDescriptor{
//	        Columns:    []store.PivotColumn{{Name: "status"}},
//	        Timestamps: true,
//	    },
//	})
//
// Through relationships are validated at registration: a path whose hop has
// no matching foreign key fails with [ErrInvalidThroughPath] before any query.
//
// # Pivot Synchronization
//
//	tags, _ := s.Pivot(post, "tags")
//	tags.Attach(ctx, store.Attachment{ID: 5, Columns: map[string]string{"status": "approved"}})
//	tags.Detach(ctx, 2)
//	res, _ := tags.Sync(ctx, store.IDs(4, 5)...)
//
// Attach and Detach are idempotent. Every created or deleted row is
// published to [Config.Events] after the write commits; listener errors are
// returned to the caller.
//
// # Backends
//
// [Memory] keeps everything in process. The store/sqlite and store/dynamo
// packages provide SQLite and DynamoDB backends.
//
// # Errors
//
//   - [ErrNotFound] - entity doesn't exist
//   - [ErrUnknownRelationship] - name not registered for the owner type
//   - [ErrInvalidThroughPath] - through path rejected at registration
//   - [ErrNotPersisted] - relationship resolved from an unsaved owner
//   - [ErrConcurrentModification] - pivot write lost a race
package store
