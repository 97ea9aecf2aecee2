// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package appdb

import (
	"github.com/windlass-media/windlass/lib/sqlitedb/migrate"
)

// Migrations returns the canonical Windlass schema as an ordered
// migration set. Domain tables are created and evolved exclusively
// through this list; nothing else in the application issues DDL.
func Migrations() []migrate.Migration {
	return []migrate.Migration{
		migrate.SQL(1, "create_config", `
			CREATE TABLE config (
				key        TEXT PRIMARY KEY,
				value      TEXT,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`, `
			DROP TABLE config;
		`),

		migrate.SQL(2, "create_queue_items", `
			CREATE TABLE queue_items (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				public_id  TEXT NOT NULL UNIQUE,
				title      TEXT NOT NULL,
				magnet     TEXT NOT NULL DEFAULT '',
				status     TEXT NOT NULL DEFAULT 'queued',
				priority   INTEGER NOT NULL DEFAULT 0,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				progress   REAL NOT NULL DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`, `
			DROP TABLE queue_items;
		`),

		migrate.SQL(3, "add_queue_status_index", `
			CREATE INDEX idx_queue_items_status_priority
				ON queue_items (status, priority DESC);
		`, `
			DROP INDEX idx_queue_items_status_priority;
		`),
	}
}
