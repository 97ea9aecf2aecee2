// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package migrate applies versioned schema migrations in order and
// records them in a migrations table.
//
// Migrations register in memory before Migrate or Rollback runs and
// persist only as (version, name, applied_at) records once applied.
// The applied set is always a prefix of the sorted registered
// versions: migrations are never skipped, never applied out of order,
// and a failure halts the run at the last successfully applied
// version. Each migration pairs its schema change with the recording
// of its version inside one transaction, so the registry can never
// claim a change that rolled back.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/windlass-media/windlass/lib/sqlitedb"
)

// registryTable holds the applied-version records. Created lazily on
// first use; DATETIME DEFAULT CURRENT_TIMESTAMP matches the shape the
// rest of the schema uses for timestamps.
const registryTable = `
CREATE TABLE IF NOT EXISTS migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Migration is one versioned, reversible schema step. Versions are
// assigned by the author, unique, and define the application order.
type Migration struct {
	Version int64
	Name    string
	Up      func(ctx context.Context, conn *sqlitedb.Conn) error
	Down    func(ctx context.Context, conn *sqlitedb.Conn) error
}

// SQL builds a migration whose up and down steps are plain SQL
// scripts. Most schema migrations need nothing more.
func SQL(version int64, name, up, down string) Migration {
	return Migration{
		Version: version,
		Name:    name,
		Up: func(ctx context.Context, conn *sqlitedb.Conn) error {
			return conn.ExecScript(up)
		},
		Down: func(ctx context.Context, conn *sqlitedb.Conn) error {
			return conn.ExecScript(down)
		},
	}
}

// Applied is one record from the migrations table.
type Applied struct {
	Version   int64
	Name      string
	AppliedAt string
}

// Status is a diagnostic snapshot of migration state. Not used for
// control flow; Migrate recomputes everything under its own
// transaction discipline.
type Status struct {
	// Current is the highest applied version, 0 when none.
	Current int64

	// Pending counts registered migrations above Current.
	Pending int

	// Total counts registered migrations.
	Total int
}

// Manager holds the registered migration set, sorted ascending by
// version. Managers consume a held connection, never a pool, so they
// run against whatever connection the caller already has.
type Manager struct {
	logger     *slog.Logger
	migrations []Migration
}

// NewManager creates an empty migration manager. A nil logger
// discards.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{logger: logger}
}

// Add registers a migration, keeping the set sorted by version. A
// duplicate version is a ConfigurationError: silently picking one of
// two same-versioned migrations would leave the schema depending on
// registration order.
func (m *Manager) Add(migration Migration) error {
	if migration.Version <= 0 {
		return &sqlitedb.ConfigurationError{
			Reason: fmt.Sprintf("migration version %d must be positive", migration.Version),
		}
	}
	if migration.Name == "" {
		return &sqlitedb.ConfigurationError{
			Reason: fmt.Sprintf("migration %d has no name", migration.Version),
		}
	}
	if migration.Up == nil || migration.Down == nil {
		return &sqlitedb.ConfigurationError{
			Reason: fmt.Sprintf("migration %d (%s) needs both Up and Down", migration.Version, migration.Name),
		}
	}
	for _, existing := range m.migrations {
		if existing.Version == migration.Version {
			return &sqlitedb.ConfigurationError{
				Reason: fmt.Sprintf("duplicate migration version %d (%s and %s)",
					migration.Version, existing.Name, migration.Name),
			}
		}
	}
	m.migrations = append(m.migrations, migration)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

// AddAll registers migrations in bulk, stopping at the first invalid
// one.
func (m *Manager) AddAll(migrations []Migration) error {
	for _, migration := range migrations {
		if err := m.Add(migration); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies every registered migration above the current
// version, strictly ascending, each inside its own transaction paired
// with its version record. The first failure rolls that migration
// back and halts the run: the database rests at the last successfully
// applied version and later migrations are untouched. Returns the
// number of migrations applied.
func (m *Manager) Migrate(ctx context.Context, conn *sqlitedb.Conn) (int, error) {
	if err := m.ensureRegistry(conn); err != nil {
		return 0, err
	}
	current, err := m.currentVersion(conn)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := ctx.Err(); err != nil {
			return applied, fmt.Errorf("migrate: interrupted before version %d: %w", migration.Version, err)
		}
		err := conn.RunInTransaction(func() error {
			if err := migration.Up(ctx, conn); err != nil {
				return err
			}
			_, err := conn.Execute(
				"INSERT INTO migrations (version, name) VALUES (?, ?)",
				migration.Version, migration.Name,
			)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migrate: version %d (%s): %w", migration.Version, migration.Name, err)
		}
		m.logger.Info("applied migration",
			"version", migration.Version,
			"name", migration.Name,
		)
		applied++
	}
	return applied, nil
}

// Rollback undoes the single highest applied migration: its Down step
// and the removal of its version record run in one transaction. With
// nothing applied it is a no-op returning 0. A highest applied
// version missing from the registered set is a NotFoundError — the
// schema history and the code have diverged, and guessing would make
// it worse.
func (m *Manager) Rollback(ctx context.Context, conn *sqlitedb.Conn) (int64, error) {
	if err := m.ensureRegistry(conn); err != nil {
		return 0, err
	}
	row, ok, err := conn.FetchOne(
		"SELECT version, name FROM migrations ORDER BY version DESC LIMIT 1",
	)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	version := row["version"].(int64)

	var target *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == version {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil {
		return 0, &sqlitedb.NotFoundError{Entity: "migration", Key: version}
	}

	err = conn.RunInTransaction(func() error {
		if err := target.Down(ctx, conn); err != nil {
			return err
		}
		_, err := conn.Execute("DELETE FROM migrations WHERE version = ?", version)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("migrate: rolling back version %d (%s): %w", version, target.Name, err)
	}
	m.logger.Info("rolled back migration",
		"version", version,
		"name", target.Name,
	)
	return version, nil
}

// Status reports the current version and how many registered
// migrations remain unapplied.
func (m *Manager) Status(ctx context.Context, conn *sqlitedb.Conn) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, fmt.Errorf("migrate: status interrupted: %w", err)
	}
	if err := m.ensureRegistry(conn); err != nil {
		return Status{}, err
	}
	current, err := m.currentVersion(conn)
	if err != nil {
		return Status{}, err
	}
	status := Status{Current: current, Total: len(m.migrations)}
	for _, migration := range m.migrations {
		if migration.Version > current {
			status.Pending++
		}
	}
	return status, nil
}

// History returns the applied-migration records in version order.
func (m *Manager) History(ctx context.Context, conn *sqlitedb.Conn) ([]Applied, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("migrate: history interrupted: %w", err)
	}
	if err := m.ensureRegistry(conn); err != nil {
		return nil, err
	}
	rows, err := conn.FetchAll(
		"SELECT version, name, applied_at FROM migrations ORDER BY version",
	)
	if err != nil {
		return nil, err
	}
	history := make([]Applied, 0, len(rows))
	for _, row := range rows {
		record := Applied{
			Version: row["version"].(int64),
			Name:    row["name"].(string),
		}
		if appliedAt, ok := row["applied_at"].(string); ok {
			record.AppliedAt = appliedAt
		}
		history = append(history, record)
	}
	return history, nil
}

// Registered returns the registered migration set in version order.
func (m *Manager) Registered() []Migration {
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	return out
}

func (m *Manager) ensureRegistry(conn *sqlitedb.Conn) error {
	return conn.ExecScript(registryTable)
}

func (m *Manager) currentVersion(conn *sqlitedb.Conn) (int64, error) {
	row, ok, err := conn.FetchOne("SELECT COALESCE(MAX(version), 0) AS version FROM migrations")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return row["version"].(int64), nil
}
