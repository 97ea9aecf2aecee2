// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package appdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/sqlitedb/batch"
	"github.com/windlass-media/windlass/lib/sqlitedb/repo"
)

// Status is a queue item's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusFetching  Status = "fetching"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusFetching, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// QueueItem is one download queue entry. ID is the store-generated
// row key; PublicID is the stable identifier handed to the rest of
// the application and never reused.
type QueueItem struct {
	ID        int64
	PublicID  string
	Title     string
	Magnet    string
	Status    Status
	Priority  int64
	SizeBytes int64
	Progress  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueStore is the typed store over the queue_items table, the
// integer-keyed instantiation of the generic repository.
type QueueStore struct {
	repo *repo.Repository[QueueItem, int64]
	pool *sqlitedb.Pool
}

// NewQueueStore builds the store over pool.
func NewQueueStore(pool *sqlitedb.Pool, logger *slog.Logger) (*QueueStore, error) {
	repository, err := repo.New(pool, repo.Config[QueueItem, int64]{
		Table:  "queue_items",
		Logger: logger,
		ToRow: func(item QueueItem) (sqlitedb.Row, error) {
			row := sqlitedb.Row{
				"public_id":  item.PublicID,
				"title":      item.Title,
				"magnet":     item.Magnet,
				"status":     string(item.Status),
				"priority":   item.Priority,
				"size_bytes": item.SizeBytes,
				"progress":   item.Progress,
			}
			// Zero ID means the store assigns the rowid.
			if item.ID != 0 {
				row["id"] = item.ID
			}
			return row, nil
		},
		FromRow: func(row sqlitedb.Row) (QueueItem, error) {
			createdAt, err := sqlitedb.ParseTime(row["created_at"])
			if err != nil {
				return QueueItem{}, err
			}
			updatedAt, err := sqlitedb.ParseTime(row["updated_at"])
			if err != nil {
				return QueueItem{}, err
			}
			return QueueItem{
				ID:        row["id"].(int64),
				PublicID:  row["public_id"].(string),
				Title:     row["title"].(string),
				Magnet:    row["magnet"].(string),
				Status:    Status(row["status"].(string)),
				Priority:  row["priority"].(int64),
				SizeBytes: row["size_bytes"].(int64),
				Progress:  asFloat(row["progress"]),
				CreatedAt: createdAt,
				UpdatedAt: updatedAt,
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &QueueStore{repo: repository, pool: pool}, nil
}

// Enqueue adds a new item in StatusQueued with a fresh public
// identifier and returns its persisted form.
func (s *QueueStore) Enqueue(ctx context.Context, title, magnet string, priority int64) (QueueItem, error) {
	return s.repo.Create(ctx, QueueItem{
		PublicID: uuid.NewString(),
		Title:    title,
		Magnet:   magnet,
		Status:   StatusQueued,
		Priority: priority,
	})
}

// ByID fetches an item by row key.
func (s *QueueStore) ByID(ctx context.Context, id int64) (QueueItem, bool, error) {
	return s.repo.FindByID(ctx, id)
}

// ByPublicID fetches an item by its stable public identifier.
func (s *QueueStore) ByPublicID(ctx context.Context, publicID string) (QueueItem, bool, error) {
	return s.repo.FindOne(ctx, repo.Criteria{
		Where: map[string]any{"public_id": publicID},
	})
}

// ByStatus returns every item in any of the given statuses, highest
// priority first.
func (s *QueueStore) ByStatus(ctx context.Context, statuses ...Status) ([]QueueItem, error) {
	if len(statuses) == 0 {
		return s.repo.FindAll(ctx, repo.Criteria{OrderBy: "priority DESC"})
	}
	values := make([]string, len(statuses))
	for i, status := range statuses {
		if !status.Valid() {
			return nil, &sqlitedb.ConfigurationError{Reason: fmt.Sprintf("unknown queue status %q", status)}
		}
		values[i] = string(status)
	}
	return s.repo.FindAll(ctx, repo.Criteria{
		Where:   map[string]any{"status": values},
		OrderBy: "priority DESC",
	})
}

// NextQueued returns the highest-priority queued item, or false when
// the queue is empty.
func (s *QueueStore) NextQueued(ctx context.Context) (QueueItem, bool, error) {
	return s.repo.FindOne(ctx, repo.Criteria{
		Where:   map[string]any{"status": string(StatusQueued)},
		OrderBy: "priority DESC",
	})
}

// SetStatus moves an item to a new status.
func (s *QueueStore) SetStatus(ctx context.Context, id int64, status Status) (QueueItem, error) {
	if !status.Valid() {
		return QueueItem{}, &sqlitedb.ConfigurationError{Reason: fmt.Sprintf("unknown queue status %q", status)}
	}
	return s.repo.Update(ctx, id, sqlitedb.Row{"status": string(status)})
}

// SetProgress records download progress (0 to 1) and the discovered
// payload size.
func (s *QueueStore) SetProgress(ctx context.Context, id int64, progress float64, sizeBytes int64) (QueueItem, error) {
	if progress < 0 || progress > 1 {
		return QueueItem{}, &sqlitedb.ConfigurationError{Reason: fmt.Sprintf("progress %v out of range [0, 1]", progress)}
	}
	return s.repo.Update(ctx, id, sqlitedb.Row{
		"progress":   progress,
		"size_bytes": sizeBytes,
	})
}

// Remove deletes an item. A missing item is a NotFoundError.
func (s *QueueStore) Remove(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

// Count returns the number of items in the given statuses, or all
// items with none given.
func (s *QueueStore) Count(ctx context.Context, statuses ...Status) (int64, error) {
	criteria := repo.Criteria{}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}
		criteria.Where = map[string]any{"status": values}
	}
	return s.repo.Count(ctx, criteria)
}

// PruneCompleted bulk-deletes every completed item, chunked so the
// delete never holds one giant transaction. Returns rows removed.
func (s *QueueStore) PruneCompleted(ctx context.Context) (int, error) {
	completed, err := s.repo.FindAll(ctx, repo.Criteria{
		Where: map[string]any{"status": string(StatusCompleted)},
	})
	if err != nil {
		return 0, err
	}
	if len(completed) == 0 {
		return 0, nil
	}
	ids := make([]any, len(completed))
	for i, item := range completed {
		ids[i] = item.ID
	}

	var removed int
	err = s.pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
		var err error
		removed, err = batch.Delete(ctx, conn, "queue_items", "id", ids, batch.Options{})
		return err
	})
	return removed, err
}

// asFloat widens the two numeric storage classes a REAL column can
// yield; SQLite returns an integer when a stored real has no
// fractional part.
func asFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}
