// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package repo_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/sqlitedb/repo"
)

// track is the integer-keyed test entity. Artist is a pointer so the
// tests can exercise NULL matching.
type track struct {
	ID        int64
	Title     string
	Artist    *string
	Plays     int64
	CreatedAt string
	UpdatedAt string
}

// tag is the string-keyed test entity.
type tag struct {
	Name  string
	Color string
}

func openTestPool(t *testing.T) *sqlitedb.Pool {
	t.Helper()
	pool, err := sqlitedb.Open(sqlitedb.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		OnConnect: func(conn *sqlitedb.Conn) error {
			return conn.ExecScript(`
				CREATE TABLE IF NOT EXISTS tracks (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					title TEXT NOT NULL,
					artist TEXT,
					plays INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE TABLE IF NOT EXISTS tags (
					name TEXT PRIMARY KEY,
					color TEXT NOT NULL DEFAULT ''
				);
			`)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func trackRepo(t *testing.T, pool *sqlitedb.Pool) *repo.Repository[track, int64] {
	t.Helper()
	repository, err := repo.New(pool, repo.Config[track, int64]{
		Table: "tracks",
		ToRow: func(entity track) (sqlitedb.Row, error) {
			row := sqlitedb.Row{
				"title": entity.Title,
				"plays": entity.Plays,
			}
			if entity.Artist != nil {
				row["artist"] = *entity.Artist
			}
			if entity.ID != 0 {
				row["id"] = entity.ID
			}
			return row, nil
		},
		FromRow: func(row sqlitedb.Row) (track, error) {
			entity := track{
				ID:    row["id"].(int64),
				Title: row["title"].(string),
				Plays: row["plays"].(int64),
			}
			if artist, ok := row["artist"].(string); ok {
				entity.Artist = &artist
			}
			if created, ok := row["created_at"].(string); ok {
				entity.CreatedAt = created
			}
			if updated, ok := row["updated_at"].(string); ok {
				entity.UpdatedAt = updated
			}
			return entity, nil
		},
	})
	if err != nil {
		t.Fatalf("repo.New: %v", err)
	}
	return repository
}

func tagRepo(t *testing.T, pool *sqlitedb.Pool) *repo.Repository[tag, string] {
	t.Helper()
	repository, err := repo.New(pool, repo.Config[tag, string]{
		Table:    "tags",
		IDColumn: "name",
		ToRow: func(entity tag) (sqlitedb.Row, error) {
			return sqlitedb.Row{"name": entity.Name, "color": entity.Color}, nil
		},
		FromRow: func(row sqlitedb.Row) (tag, error) {
			return tag{
				Name:  row["name"].(string),
				Color: row["color"].(string),
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("repo.New: %v", err)
	}
	return repository
}

func strPtr(s string) *string { return &s }

func TestCRUDLifecycle(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)
	ctx := context.Background()

	created, err := tracks.Create(ctx, track{Title: "Northern Lights", Artist: strPtr("Aurora")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == 0 {
		t.Error("Create did not assign an id")
	}
	if created.CreatedAt == "" || created.UpdatedAt == "" {
		t.Error("Create read-back missing store-filled timestamps")
	}

	fetched, found, err := tracks.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !found {
		t.Fatal("FindByID did not find the created row")
	}
	if fetched.Title != "Northern Lights" {
		t.Errorf("Title = %q", fetched.Title)
	}

	updated, err := tracks.Update(ctx, created.ID, sqlitedb.Row{"plays": 7})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Plays != 7 {
		t.Errorf("Plays = %d, want 7", updated.Plays)
	}
	if updated.Title != "Northern Lights" {
		t.Errorf("Update clobbered Title: %q", updated.Title)
	}

	if err := tracks.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, found, err = tracks.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindByID after delete: %v", err)
	}
	if found {
		t.Error("row still present after Delete")
	}

	err = tracks.Delete(ctx, created.ID)
	if !sqlitedb.IsNotFound(err) {
		t.Errorf("second Delete = %v, want NotFoundError", err)
	}
	var notFound *sqlitedb.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("second Delete error type = %T", err)
	}
	if notFound.Entity != "tracks" {
		t.Errorf("NotFoundError.Entity = %q", notFound.Entity)
	}
}

func TestUpdateMissingRow(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)

	_, err := tracks.Update(context.Background(), 9999, sqlitedb.Row{"plays": 1})
	if !sqlitedb.IsNotFound(err) {
		t.Errorf("Update on absent key = %v, want NotFoundError", err)
	}
}

func TestUpdateTouchesUpdatedAt(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)
	ctx := context.Background()

	created, err := tracks.Create(ctx, track{Title: "Tidelines"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Backdate updated_at so the CURRENT_TIMESTAMP touch is visible
	// even within the timestamp's one-second resolution.
	err = pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
		_, err := conn.Execute(
			"UPDATE tracks SET updated_at = '2000-01-01 00:00:00' WHERE id = ?", created.ID)
		return err
	})
	if err != nil {
		t.Fatalf("backdating: %v", err)
	}

	updated, err := tracks.Update(ctx, created.ID, sqlitedb.Row{"plays": 1})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.UpdatedAt == "2000-01-01 00:00:00" {
		t.Error("Update did not touch updated_at")
	}
}

func TestFindAllCriteria(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)
	ctx := context.Background()

	seed := []track{
		{Title: "one", Artist: strPtr("a"), Plays: 10},
		{Title: "two", Artist: strPtr("b"), Plays: 20},
		{Title: "three", Artist: strPtr("c"), Plays: 30},
		{Title: "four", Plays: 40},
	}
	for _, entity := range seed {
		if _, err := tracks.Create(ctx, entity); err != nil {
			t.Fatalf("Create %q: %v", entity.Title, err)
		}
	}

	t.Run("in clause", func(t *testing.T) {
		matched, err := tracks.FindAll(ctx, repo.Criteria{
			Where: map[string]any{"artist": []string{"a", "c"}},
		})
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		if len(matched) != 2 {
			t.Fatalf("matched %d rows, want 2", len(matched))
		}
	})

	t.Run("is null", func(t *testing.T) {
		matched, err := tracks.FindAll(ctx, repo.Criteria{
			Where: map[string]any{"artist": nil},
		})
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		if len(matched) != 1 || matched[0].Title != "four" {
			t.Fatalf("matched = %v, want the artist-less row", matched)
		}
	})

	t.Run("order and limit", func(t *testing.T) {
		matched, err := tracks.FindAll(ctx, repo.Criteria{
			OrderBy: "plays DESC",
			Limit:   2,
		})
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		if len(matched) != 2 || matched[0].Plays != 40 || matched[1].Plays != 30 {
			t.Fatalf("matched = %v, want top two by plays", matched)
		}
	})

	t.Run("offset without limit", func(t *testing.T) {
		matched, err := tracks.FindAll(ctx, repo.Criteria{
			OrderBy: "plays",
			Offset:  1,
		})
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		if len(matched) != 3 || matched[0].Plays != 20 {
			t.Fatalf("matched = %v, want all but the lowest", matched)
		}
	})

	t.Run("empty criteria returns everything", func(t *testing.T) {
		matched, err := tracks.FindAll(ctx, repo.Criteria{})
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		if len(matched) != len(seed) {
			t.Fatalf("matched %d rows, want %d", len(matched), len(seed))
		}
	})
}

func TestFindOne(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)
	ctx := context.Background()

	for _, title := range []string{"low", "high"} {
		plays := int64(1)
		if title == "high" {
			plays = 100
		}
		if _, err := tracks.Create(ctx, track{Title: title, Plays: plays}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	best, found, err := tracks.FindOne(ctx, repo.Criteria{OrderBy: "plays DESC"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if !found || best.Title != "high" {
		t.Errorf("FindOne = %+v found=%v, want the high-plays row", best, found)
	}

	_, found, err = tracks.FindOne(ctx, repo.Criteria{
		Where: map[string]any{"title": "missing"},
	})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if found {
		t.Error("FindOne matched a nonexistent row")
	}
}

func TestCountAndExists(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)
	ctx := context.Background()

	var lastID int64
	for range 3 {
		created, err := tracks.Create(ctx, track{Title: "x"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		lastID = created.ID
	}

	// Limit and order must not leak into the count query.
	count, err := tracks.Count(ctx, repo.Criteria{OrderBy: "plays DESC", Limit: 1})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("Count = %d, want 3", count)
	}

	exists, err := tracks.Exists(ctx, lastID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("Exists = false for a present row")
	}
	exists, err = tracks.Exists(ctx, lastID+1000)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("Exists = true for an absent row")
	}
}

func TestStringKeyedRepository(t *testing.T) {
	pool := openTestPool(t)
	tags := tagRepo(t, pool)
	ctx := context.Background()

	created, err := tags.Create(ctx, tag{Name: "favorite", Color: "gold"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Name != "favorite" || created.Color != "gold" {
		t.Errorf("Create = %+v", created)
	}

	fetched, found, err := tags.FindByID(ctx, "favorite")
	if err != nil || !found {
		t.Fatalf("FindByID: found=%v err=%v", found, err)
	}
	if fetched.Color != "gold" {
		t.Errorf("Color = %q", fetched.Color)
	}

	if err := tags.Delete(ctx, "favorite"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := tags.Delete(ctx, "favorite"); !sqlitedb.IsNotFound(err) {
		t.Errorf("second Delete = %v, want NotFoundError", err)
	}
}

func TestBoundRepositoryJoinsTransaction(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)
	ctx := context.Background()

	failure := errors.New("abort")
	err := pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
		bound := tracks.Bound(conn)
		return conn.RunInTransaction(func() error {
			if _, err := bound.Create(ctx, track{Title: "doomed"}); err != nil {
				return err
			}
			return failure
		})
	})
	if !errors.Is(err, failure) {
		t.Fatalf("RunInTransaction = %v, want the body failure", err)
	}

	count, err := tracks.Count(ctx, repo.Criteria{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("Count = %d after rollback, want 0", count)
	}
}

func TestIdentifierValidation(t *testing.T) {
	pool := openTestPool(t)
	tracks := trackRepo(t, pool)
	ctx := context.Background()

	t.Run("bad table", func(t *testing.T) {
		_, err := repo.New(pool, repo.Config[track, int64]{
			Table:   "tracks; DROP TABLE tracks",
			ToRow:   func(track) (sqlitedb.Row, error) { return nil, nil },
			FromRow: func(sqlitedb.Row) (track, error) { return track{}, nil },
		})
		if !sqlitedb.IsConfiguration(err) {
			t.Errorf("New = %v, want ConfigurationError", err)
		}
	})

	t.Run("bad criteria column", func(t *testing.T) {
		_, err := tracks.FindAll(ctx, repo.Criteria{
			Where: map[string]any{"title = 'x' OR 1=1 --": "y"},
		})
		if !sqlitedb.IsConfiguration(err) {
			t.Errorf("FindAll = %v, want ConfigurationError", err)
		}
	})

	t.Run("bad order by", func(t *testing.T) {
		_, err := tracks.FindAll(ctx, repo.Criteria{
			OrderBy: "plays; DELETE FROM tracks",
		})
		if !sqlitedb.IsConfiguration(err) {
			t.Errorf("FindAll = %v, want ConfigurationError", err)
		}
	})

	t.Run("bad update column", func(t *testing.T) {
		_, err := tracks.Update(ctx, 1, sqlitedb.Row{"plays = plays + 1 --": 0})
		if !sqlitedb.IsConfiguration(err) {
			t.Errorf("Update = %v, want ConfigurationError", err)
		}
	})
}
