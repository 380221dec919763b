package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jacentio/relate/internal/schema"
	"github.com/jacentio/relate/store"
)

// summary is what report found, keyed by entity title or name.
type summary struct {
	Addresses   map[string][]string // user -> cities
	TagPosts    map[string][]string // tag -> post titles
	PostAuthors map[string]string   // post -> author name
	PostTags    map[string][]string // post -> "tag:status"
	Prolific    []string            // users with at least two posts
	Idle        []string            // users without posts
	Members     int                 // project members through the pivot
	Tasks       []string            // project tasks through its users
	FirstTask   string
}

func seed(ctx context.Context, s *store.Store) error {
	project, err := s.Create(ctx, schema.Project, store.Attributes{"title": "Relate"})
	if err != nil {
		return err
	}

	users := make(map[string]*store.Entity)
	for _, u := range []struct {
		name    string
		project bool
	}{
		{"Alice", true},
		{"Bob", true},
		{"Carol", false},
	} {
		attrs := store.Attributes{"name": u.name, "email": fmt.Sprintf("%s@example.com", u.name)}
		if u.project {
			attrs["project_id"] = project.ID()
		}
		e, err := s.Create(ctx, schema.User, attrs)
		if err != nil {
			return err
		}
		users[u.name] = e
	}

	addresses := []struct {
		user                string
		country, city, zip string
	}{
		{"Alice", "Pakistan", "Karachi", "74200"},
		{"Alice", "India", "Kolkata", "1111"},
		{"Bob", "USA", "New York", "02134"},
	}
	for _, a := range addresses {
		_, err := s.CreateRelated(ctx, users[a.user], "addresses", store.Attributes{
			"country":  a.country,
			"city":     a.city,
			"zip_code": a.zip,
		})
		if err != nil {
			return err
		}
	}

	posts := make(map[string]*store.Entity)
	for _, p := range []struct{ user, title string }{
		{"Alice", "this Post is associated to 1st User"},
		{"Alice", "Eager loading"},
		{"Bob", "this Post is associated to 2nd User"},
	} {
		e, err := s.CreateRelated(ctx, users[p.user], "posts", store.Attributes{"title": p.title})
		if err != nil {
			return err
		}
		posts[p.title] = e
	}
	orphan, err := s.Create(ctx, schema.Post, store.Attributes{"title": "Anonymous"})
	if err != nil {
		return err
	}

	var tags []store.ID
	for _, name := range []string{"laravel", "php", "react", "java", "python", "android"} {
		e, err := s.Create(ctx, schema.Tag, store.Attributes{"name": name})
		if err != nil {
			return err
		}
		tags = append(tags, e.ID())
	}

	for _, t := range []struct{ user, title string }{
		{"Bob", "Write docs"},
		{"Alice", "Review schema"},
		{"Bob", "Ship release"},
		{"Alice", "Fix sync"},
	} {
		if _, err := s.CreateRelated(ctx, users[t.user], "tasks", store.Attributes{"title": t.title}); err != nil {
			return err
		}
	}

	first, err := s.Pivot(posts["this Post is associated to 1st User"], "tags")
	if err != nil {
		return err
	}
	if err := first.Attach(ctx, store.Attachment{ID: tags[0], Columns: map[string]string{"status": "approved"}}); err != nil {
		return err
	}
	if err := first.Attach(ctx, store.IDs(tags[1], tags[3])...); err != nil {
		return err
	}
	if _, err := first.Sync(ctx,
		store.Attachment{ID: tags[3], Columns: map[string]string{"status": "approved"}},
		store.Attachment{ID: tags[4]},
	); err != nil {
		return err
	}

	second, err := s.Pivot(posts["this Post is associated to 2nd User"], "tags")
	if err != nil {
		return err
	}
	if err := second.Attach(ctx, store.IDs(tags[1], tags[2], tags[4])...); err != nil {
		return err
	}
	if _, err := second.Detach(ctx, tags[2]); err != nil {
		return err
	}

	anonymous, err := s.Pivot(orphan, "tags")
	if err != nil {
		return err
	}
	if err := anonymous.Attach(ctx, store.IDs(tags[5])...); err != nil {
		return err
	}

	members, err := s.Pivot(project, "pivot_users")
	if err != nil {
		return err
	}
	return members.Attach(ctx, store.IDs(users["Alice"].ID(), users["Bob"].ID(), users["Carol"].ID())...)
}

func report(ctx context.Context, s *store.Store, logger *slog.Logger) (*summary, error) {
	out := &summary{
		Addresses:   make(map[string][]string),
		TagPosts:    make(map[string][]string),
		PostAuthors: make(map[string]string),
		PostTags:    make(map[string][]string),
	}

	users, err := s.All(ctx, schema.User)
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx, users, "addresses"); err != nil {
		return nil, err
	}
	for _, u := range users {
		addresses, _ := u.Loaded("addresses")
		for _, a := range addresses {
			out.Addresses[u.String("name")] = append(out.Addresses[u.String("name")], a.String("city"))
		}
		logger.Info("user", "name", u.String("name"), "addresses", len(addresses))

		n, err := s.Count(ctx, u, "posts")
		if err != nil {
			return nil, err
		}
		switch {
		case n >= 2:
			out.Prolific = append(out.Prolific, u.String("name"))
		case n == 0:
			out.Idle = append(out.Idle, u.String("name"))
		}
	}

	tags, err := s.All(ctx, schema.Tag)
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx, tags, "posts"); err != nil {
		return nil, err
	}
	for _, t := range tags {
		posts, _ := t.Loaded("posts")
		for _, p := range posts {
			out.TagPosts[t.String("name")] = append(out.TagPosts[t.String("name")], p.String("title"))
		}
		logger.Info("tag", "name", t.String("name"), "posts", len(posts))
	}

	posts, err := s.All(ctx, schema.Post)
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx, posts, "user", "tags"); err != nil {
		return nil, err
	}
	for _, p := range posts {
		title := p.String("title")
		if author, _ := p.Loaded("user"); len(author) == 1 {
			out.PostAuthors[title] = author[0].String("name")
		}
		tagged, _ := p.Loaded("tags")
		for _, t := range tagged {
			out.PostTags[title] = append(out.PostTags[title], t.String("name")+":"+t.Pivot().Column("status"))
		}
		logger.Info("post",
			"title", title,
			"author", out.PostAuthors[title],
			"tags", out.PostTags[title])
	}

	project, err := s.First(ctx, schema.Project)
	if err != nil {
		return nil, err
	}
	if out.Members, err = s.Count(ctx, project, "pivot_users"); err != nil {
		return nil, err
	}
	tasks, err := s.Many(ctx, project, "tasks")
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, t.String("title"))
	}
	first, err := s.One(ctx, project, "task")
	if err != nil {
		return nil, err
	}
	if first != nil {
		out.FirstTask = first.String("title")
	}
	logger.Info("project",
		"title", project.String("title"),
		"members", out.Members,
		"tasks", out.Tasks,
		"firstTask", out.FirstTask)

	return out, nil
}
