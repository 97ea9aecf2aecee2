// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package repo provides a generic CRUD repository over one table.
//
// A Repository is parameterized by the entity type E and its key type
// K, and configured with two pure mapping functions (entity to row,
// row to entity), a table name, and a primary-key column. Integer and
// string keys instantiate the same code; there is no per-entity CRUD
// duplication. Query shapes come in as Criteria and compile to SQL
// with every value bound, so callers outside the storage core never
// construct SQL text.
package repo

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/windlass-media/windlass/lib/sqlitedb"
)

// Config describes one repository: its table, its primary key, and
// the two mapping functions every entity passes through on its way to
// or from a row.
type Config[E any, K comparable] struct {
	// Table is the table this repository reads and writes.
	Table string

	// IDColumn is the primary-key column. Empty selects "id".
	IDColumn string

	// ToRow maps an entity to the row that persists it. For entities
	// with a generated integer key, the mapping omits the key column
	// (or sets it to nil) when the entity has none yet; a supplied
	// key value is used as-is, which is how string-keyed entities
	// insert.
	ToRow func(entity E) (sqlitedb.Row, error)

	// FromRow maps a fetched row back to an entity.
	FromRow func(row sqlitedb.Row) (E, error)

	// Logger receives read-back failure reports. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Repository implements generic CRUD for one entity type over one
// table. Unbound repositories route each call through the pool;
// Bound pins a view to a held connection so repository calls compose
// inside an open transaction.
type Repository[E any, K comparable] struct {
	pool     *sqlitedb.Pool
	conn     *sqlitedb.Conn
	table    string
	idColumn string
	toRow    func(E) (sqlitedb.Row, error)
	fromRow  func(sqlitedb.Row) (E, error)
	logger   *slog.Logger
}

// New creates a repository over pool. The table and ID column are
// validated once here so query construction never re-checks them.
func New[E any, K comparable](pool *sqlitedb.Pool, cfg Config[E, K]) (*Repository[E, K], error) {
	if pool == nil {
		return nil, &sqlitedb.ConfigurationError{Reason: "repository requires a pool"}
	}
	if cfg.ToRow == nil || cfg.FromRow == nil {
		return nil, &sqlitedb.ConfigurationError{Reason: "repository requires ToRow and FromRow mappings"}
	}
	if err := sqlitedb.CheckIdentifier("table", cfg.Table); err != nil {
		return nil, err
	}
	idColumn := cfg.IDColumn
	if idColumn == "" {
		idColumn = "id"
	}
	if err := sqlitedb.CheckIdentifier("column", idColumn); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Repository[E, K]{
		pool:     pool,
		table:    cfg.Table,
		idColumn: idColumn,
		toRow:    cfg.ToRow,
		fromRow:  cfg.FromRow,
		logger:   logger,
	}, nil
}

// Bound returns a view of the repository pinned to conn. Calls on the
// view run on that connection instead of acquiring one, so they join
// whatever transaction the caller has open. The view shares the
// repository's configuration and is only valid while conn is held.
func (r *Repository[E, K]) Bound(conn *sqlitedb.Conn) *Repository[E, K] {
	bound := *r
	bound.conn = conn
	return &bound
}

// withConn runs fn on the bound connection, or on a pooled one when
// the repository is unbound.
func (r *Repository[E, K]) withConn(ctx context.Context, fn func(conn *sqlitedb.Conn) error) error {
	if r.conn != nil {
		return fn(r.conn)
	}
	return r.pool.WithConnection(ctx, fn)
}

// FindByID fetches the entity with the given key. The boolean is
// false when no such row exists; absence is not an error.
func (r *Repository[E, K]) FindByID(ctx context.Context, id K) (E, bool, error) {
	var entity E
	var found bool
	err := r.withConn(ctx, func(conn *sqlitedb.Conn) error {
		row, ok, err := r.fetchByID(conn, id)
		if err != nil || !ok {
			return err
		}
		entity, err = r.fromRow(row)
		if err != nil {
			return fmt.Errorf("repo: %s: mapping row: %w", r.table, err)
		}
		found = true
		return nil
	})
	return entity, found, err
}

// FindAll fetches every entity matching criteria, in table order
// unless criteria orders otherwise.
func (r *Repository[E, K]) FindAll(ctx context.Context, criteria Criteria) ([]E, error) {
	builder, err := criteria.selectBuilder("*", r.table)
	if err != nil {
		return nil, err
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("repo: %s: building query: %w", r.table, err)
	}

	var entities []E
	err = r.withConn(ctx, func(conn *sqlitedb.Conn) error {
		rows, err := conn.FetchAll(query, args...)
		if err != nil {
			return err
		}
		entities = make([]E, 0, len(rows))
		for _, row := range rows {
			entity, err := r.fromRow(row)
			if err != nil {
				return fmt.Errorf("repo: %s: mapping row: %w", r.table, err)
			}
			entities = append(entities, entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// FindOne fetches the first entity matching criteria. Equivalent to
// FindAll with Limit 1; the boolean is false when nothing matched.
func (r *Repository[E, K]) FindOne(ctx context.Context, criteria Criteria) (E, bool, error) {
	criteria.Limit = 1
	var zero E
	entities, err := r.FindAll(ctx, criteria)
	if err != nil {
		return zero, false, err
	}
	if len(entities) == 0 {
		return zero, false, nil
	}
	return entities[0], true, nil
}

// Create persists entity and returns its canonical stored form, read
// back by key after the insert. The read-back picks up everything the
// store filled in (generated keys, timestamp defaults). A read-back
// that finds nothing is a PersistenceError: the insert claimed to
// succeed, so an absent row means the driver and the key disagree.
func (r *Repository[E, K]) Create(ctx context.Context, entity E) (E, error) {
	var zero E
	row, err := r.toRow(entity)
	if err != nil {
		return zero, fmt.Errorf("repo: %s: mapping entity: %w", r.table, err)
	}
	if len(row) == 0 {
		return zero, &sqlitedb.ConfigurationError{Reason: "entity mapped to an empty row"}
	}

	// A key supplied by the mapping (string keys, pre-assigned
	// integers) is authoritative; without one the store generates a
	// rowid and the read-back uses that.
	suppliedID, hasID := row[r.idColumn]
	if hasID && suppliedID == nil {
		delete(row, r.idColumn)
		hasID = false
	}

	query, args, err := sq.Insert(r.table).SetMap(row).ToSql()
	if err != nil {
		return zero, fmt.Errorf("repo: %s: building insert: %w", r.table, err)
	}

	var created E
	err = r.withConn(ctx, func(conn *sqlitedb.Conn) error {
		result, err := conn.Execute(query, args...)
		if err != nil {
			return err
		}
		readKey := suppliedID
		if !hasID {
			readKey = result.LastInsertID
		}
		stored, ok, err := r.fetchByKey(conn, readKey)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Error("insert read-back found no row",
				"table", r.table,
				"key", readKey,
			)
			return &sqlitedb.PersistenceError{Table: r.table, Key: readKey}
		}
		created, err = r.fromRow(stored)
		if err != nil {
			return fmt.Errorf("repo: %s: mapping row: %w", r.table, err)
		}
		return nil
	})
	if err != nil {
		return zero, err
	}
	return created, nil
}

// Update sets the supplied columns on the row with the given key,
// touches updated_at server-side, and returns the entity read back
// after the write. A key matching no row is a NotFoundError.
func (r *Repository[E, K]) Update(ctx context.Context, id K, changes sqlitedb.Row) (E, error) {
	var zero E
	for column := range changes {
		if err := sqlitedb.CheckIdentifier("column", column); err != nil {
			return zero, err
		}
	}

	builder := sq.Update(r.table).
		SetMap(changes).
		Set("updated_at", sq.Expr("CURRENT_TIMESTAMP")).
		Where(sq.Eq{r.idColumn: id})
	query, args, err := builder.ToSql()
	if err != nil {
		return zero, fmt.Errorf("repo: %s: building update: %w", r.table, err)
	}

	var updated E
	err = r.withConn(ctx, func(conn *sqlitedb.Conn) error {
		result, err := conn.Execute(query, args...)
		if err != nil {
			return err
		}
		if result.RowsChanged == 0 {
			return &sqlitedb.NotFoundError{Entity: r.table, Key: id}
		}
		stored, ok, err := r.fetchByID(conn, id)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Error("update read-back found no row",
				"table", r.table,
				"key", id,
			)
			return &sqlitedb.PersistenceError{Table: r.table, Key: id}
		}
		updated, err = r.fromRow(stored)
		if err != nil {
			return fmt.Errorf("repo: %s: mapping row: %w", r.table, err)
		}
		return nil
	})
	if err != nil {
		return zero, err
	}
	return updated, nil
}

// Delete removes the row with the given key. A key matching no row is
// a NotFoundError.
func (r *Repository[E, K]) Delete(ctx context.Context, id K) error {
	query, args, err := sq.Delete(r.table).Where(sq.Eq{r.idColumn: id}).ToSql()
	if err != nil {
		return fmt.Errorf("repo: %s: building delete: %w", r.table, err)
	}
	return r.withConn(ctx, func(conn *sqlitedb.Conn) error {
		result, err := conn.Execute(query, args...)
		if err != nil {
			return err
		}
		if result.RowsChanged == 0 {
			return &sqlitedb.NotFoundError{Entity: r.table, Key: id}
		}
		return nil
	})
}

// Count returns the number of rows matching criteria. Order, limit,
// and offset are ignored; only the filter applies.
func (r *Repository[E, K]) Count(ctx context.Context, criteria Criteria) (int64, error) {
	criteria.OrderBy = ""
	criteria.Limit = 0
	criteria.Offset = 0
	builder, err := criteria.selectBuilder("COUNT(*) AS n", r.table)
	if err != nil {
		return 0, err
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("repo: %s: building count: %w", r.table, err)
	}

	var count int64
	err = r.withConn(ctx, func(conn *sqlitedb.Conn) error {
		row, ok, err := conn.FetchOne(query, args...)
		if err != nil {
			return err
		}
		if ok {
			count = row["n"].(int64)
		}
		return nil
	})
	return count, err
}

// Exists reports whether a row with the given key exists.
func (r *Repository[E, K]) Exists(ctx context.Context, id K) (bool, error) {
	var exists bool
	err := r.withConn(ctx, func(conn *sqlitedb.Conn) error {
		_, ok, err := conn.FetchOne(
			fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", r.table, r.idColumn),
			id,
		)
		exists = ok
		return err
	})
	return exists, err
}

// Table returns the table this repository operates on.
func (r *Repository[E, K]) Table() string { return r.table }

func (r *Repository[E, K]) fetchByID(conn *sqlitedb.Conn, id K) (sqlitedb.Row, bool, error) {
	return r.fetchByKey(conn, id)
}

// fetchByKey reads one row by primary key. The key is any rather than
// K because the insert read-back may use a generated rowid.
func (r *Repository[E, K]) fetchByKey(conn *sqlitedb.Conn, key any) (sqlitedb.Row, bool, error) {
	return conn.FetchOne(
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", r.table, r.idColumn),
		key,
	)
}
