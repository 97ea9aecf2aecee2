// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package appdb is the Windlass application database: the canonical
// schema migrations and the typed stores over it.
//
// The rest of the application touches persisted state only through
// this package's stores (and the operator tool). Stores are thin
// views over the generic repository; they own the entity mappings and
// the query shapes, and never hand SQL text to their callers.
package appdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/sqlitedb/migrate"
)

// DB bundles the pool, the migration manager, and the typed stores.
type DB struct {
	Pool    *sqlitedb.Pool
	Manager *migrate.Manager
	Config  *ConfigStore
	Queue   *QueueStore

	logger *slog.Logger
}

// Open opens the pool and builds the stores. It does not apply
// migrations; call Migrate explicitly (the operator tool does, and
// tests decide for themselves).
func Open(cfg sqlitedb.Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitedb.Open(cfg)
	if err != nil {
		return nil, err
	}

	manager := migrate.NewManager(logger)
	if err := manager.AddAll(Migrations()); err != nil {
		pool.Close()
		return nil, err
	}

	configStore, err := NewConfigStore(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	queueStore, err := NewQueueStore(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &DB{
		Pool:    pool,
		Manager: manager,
		Config:  configStore,
		Queue:   queueStore,
		logger:  logger,
	}, nil
}

// Migrate applies all pending migrations and returns how many ran.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	var applied int
	err := db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
		var err error
		applied, err = db.Manager.Migrate(ctx, conn)
		return err
	})
	if err != nil {
		return applied, fmt.Errorf("appdb: migrating: %w", err)
	}
	return applied, nil
}

// Close shuts the pool down.
func (db *DB) Close() error {
	return db.Pool.Close()
}
