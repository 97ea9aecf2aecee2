// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package appdb

import (
	"context"
	"log/slog"
	"time"

	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/sqlitedb/repo"
)

// ConfigEntry is one application setting. The key is the primary key;
// there is no generated identifier.
type ConfigEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// ConfigStore is the typed store over the config table. It is the
// string-keyed instantiation of the generic repository.
type ConfigStore struct {
	repo *repo.Repository[ConfigEntry, string]
}

// NewConfigStore builds the store over pool.
func NewConfigStore(pool *sqlitedb.Pool, logger *slog.Logger) (*ConfigStore, error) {
	repository, err := repo.New(pool, repo.Config[ConfigEntry, string]{
		Table:    "config",
		IDColumn: "key",
		Logger:   logger,
		ToRow: func(entry ConfigEntry) (sqlitedb.Row, error) {
			return sqlitedb.Row{
				"key":   entry.Key,
				"value": entry.Value,
			}, nil
		},
		FromRow: func(row sqlitedb.Row) (ConfigEntry, error) {
			updatedAt, err := sqlitedb.ParseTime(row["updated_at"])
			if err != nil {
				return ConfigEntry{}, err
			}
			entry := ConfigEntry{
				Key:       row["key"].(string),
				UpdatedAt: updatedAt,
			}
			if value, ok := row["value"].(string); ok {
				entry.Value = value
			}
			return entry, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &ConfigStore{repo: repository}, nil
}

// Get fetches the entry for key; the boolean is false when unset.
func (s *ConfigStore) Get(ctx context.Context, key string) (ConfigEntry, bool, error) {
	return s.repo.FindByID(ctx, key)
}

// Set writes key to value, creating the entry if it does not exist
// and updating it (with an updated_at touch) if it does.
func (s *ConfigStore) Set(ctx context.Context, key, value string) (ConfigEntry, error) {
	entry, err := s.repo.Update(ctx, key, sqlitedb.Row{"value": value})
	if sqlitedb.IsNotFound(err) {
		return s.repo.Create(ctx, ConfigEntry{Key: key, Value: value})
	}
	return entry, err
}

// Delete removes the entry for key. Missing keys are a NotFoundError.
func (s *ConfigStore) Delete(ctx context.Context, key string) error {
	return s.repo.Delete(ctx, key)
}

// All returns every entry in key order.
func (s *ConfigStore) All(ctx context.Context) ([]ConfigEntry, error) {
	return s.repo.FindAll(ctx, repo.Criteria{OrderBy: "key"})
}
