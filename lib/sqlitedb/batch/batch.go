// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package batch provides chunked bulk operations over a held
// connection.
//
// Every operation takes a *sqlitedb.Conn, never a pool, so bulk work
// runs on whatever connection the caller already holds — including
// one with an open transaction when the caller wants whole-batch
// atomicity (set NoTransaction and wrap the call in RunInTransaction).
//
// By default each chunk runs in its own transaction: a failure rolls
// back the current chunk only, and rows committed by earlier chunks
// stand. This partial-progress semantic is deliberate; it bounds
// transaction size and lock duration for large batches, and callers
// must tolerate it.
package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/windlass-media/windlass/lib/sqlitedb"
)

// DefaultChunkSize bounds how many records share one transaction when
// Options does not say otherwise.
const DefaultChunkSize = 100

// Options controls chunking and transaction wrapping.
type Options struct {
	// ChunkSize is the number of records per chunk. Zero or negative
	// selects DefaultChunkSize.
	ChunkSize int

	// NoTransaction disables the per-chunk transaction. Chunking
	// still applies, but statements commit individually — or join the
	// caller's open transaction, which is how a caller gets
	// whole-batch atomicity.
	NoTransaction bool
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// Statement is one raw statement with its bound arguments, for Run.
type Statement struct {
	SQL  string
	Args []any
}

// Insert writes records to table in chunks, mapping each record to a
// row with mapper. It returns the number of records committed, which
// on failure counts the chunks that completed before the failing one.
func Insert[T any](ctx context.Context, conn *sqlitedb.Conn, table string, records []T, mapper func(T) (sqlitedb.Row, error), opts Options) (int, error) {
	if err := sqlitedb.CheckIdentifier("table", table); err != nil {
		return 0, err
	}
	if mapper == nil {
		return 0, &sqlitedb.ConfigurationError{Reason: "batch insert requires a mapper"}
	}
	return runChunks(ctx, conn, records, opts, func(record T) error {
		row, err := mapper(record)
		if err != nil {
			return fmt.Errorf("batch: mapping record: %w", err)
		}
		query, args, err := sq.Insert(table).SetMap(row).ToSql()
		if err != nil {
			return fmt.Errorf("batch: building insert: %w", err)
		}
		_, err = conn.Execute(query, args...)
		return err
	})
}

// Update writes per-record updates to table in chunks. mapper returns
// the record's key and the columns to set. It returns the number of
// records committed; a record whose key matches no row counts as
// processed, not as an error (bulk updates tolerate missing targets).
func Update[T any](ctx context.Context, conn *sqlitedb.Conn, table, idColumn string, records []T, mapper func(T) (id any, changes sqlitedb.Row, err error), opts Options) (int, error) {
	if err := sqlitedb.CheckIdentifier("table", table); err != nil {
		return 0, err
	}
	if err := sqlitedb.CheckIdentifier("column", idColumn); err != nil {
		return 0, err
	}
	if mapper == nil {
		return 0, &sqlitedb.ConfigurationError{Reason: "batch update requires a mapper"}
	}
	return runChunks(ctx, conn, records, opts, func(record T) error {
		id, changes, err := mapper(record)
		if err != nil {
			return fmt.Errorf("batch: mapping record: %w", err)
		}
		if len(changes) == 0 {
			return &sqlitedb.ConfigurationError{Reason: "batch update record mapped to no columns"}
		}
		query, args, err := sq.Update(table).SetMap(changes).Where(sq.Eq{idColumn: id}).ToSql()
		if err != nil {
			return fmt.Errorf("batch: building update: %w", err)
		}
		_, err = conn.Execute(query, args...)
		return err
	})
}

// Delete removes the rows whose idColumn matches ids, chunked into
// IN (...) deletes. It returns the number of rows actually removed by
// committed chunks, which can be less than len(ids) when some ids
// match nothing.
func Delete(ctx context.Context, conn *sqlitedb.Conn, table, idColumn string, ids []any, opts Options) (int, error) {
	if err := sqlitedb.CheckIdentifier("table", table); err != nil {
		return 0, err
	}
	if err := sqlitedb.CheckIdentifier("column", idColumn); err != nil {
		return 0, err
	}

	size := opts.chunkSize()
	removed := 0
	for start := 0; start < len(ids); start += size {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("batch: delete interrupted: %w", err)
		}
		chunk := ids[start:min(start+size, len(ids))]
		query, args, err := sq.Delete(table).Where(sq.Eq{idColumn: chunk}).ToSql()
		if err != nil {
			return removed, fmt.Errorf("batch: building delete: %w", err)
		}
		var chunkRemoved int
		run := func() error {
			result, err := conn.Execute(query, args...)
			if err != nil {
				return err
			}
			chunkRemoved = result.RowsChanged
			return nil
		}
		if err := runChunk(conn, run, opts); err != nil {
			return removed, fmt.Errorf("batch: delete chunk at %d: %w", start, err)
		}
		removed += chunkRemoved
	}
	return removed, nil
}

// Upsert writes records to table in chunks with conflict resolution:
// a row whose conflictColumns collide with an existing row updates
// every other column from the incoming row instead of failing.
// conflictColumns must correspond to a unique constraint on table.
func Upsert[T any](ctx context.Context, conn *sqlitedb.Conn, table string, records []T, mapper func(T) (sqlitedb.Row, error), conflictColumns []string, opts Options) (int, error) {
	if err := sqlitedb.CheckIdentifier("table", table); err != nil {
		return 0, err
	}
	if mapper == nil {
		return 0, &sqlitedb.ConfigurationError{Reason: "batch upsert requires a mapper"}
	}
	if len(conflictColumns) == 0 {
		return 0, &sqlitedb.ConfigurationError{Reason: "batch upsert requires conflict columns"}
	}
	for _, column := range conflictColumns {
		if err := sqlitedb.CheckIdentifier("conflict column", column); err != nil {
			return 0, err
		}
	}

	conflictSet := make(map[string]bool, len(conflictColumns))
	for _, column := range conflictColumns {
		conflictSet[column] = true
	}

	return runChunks(ctx, conn, records, opts, func(record T) error {
		row, err := mapper(record)
		if err != nil {
			return fmt.Errorf("batch: mapping record: %w", err)
		}
		for column := range row {
			if err := sqlitedb.CheckIdentifier("column", column); err != nil {
				return err
			}
		}
		query, args, err := sq.Insert(table).
			SetMap(row).
			Suffix(conflictClause(row, conflictColumns, conflictSet)).
			ToSql()
		if err != nil {
			return fmt.Errorf("batch: building upsert: %w", err)
		}
		_, err = conn.Execute(query, args...)
		return err
	})
}

// conflictClause builds the ON CONFLICT suffix for one row: every
// non-conflict column updates from the incoming row (EXCLUDED), in
// sorted order so the SQL is deterministic. A row carrying only
// conflict columns degrades to DO NOTHING.
func conflictClause(row sqlitedb.Row, conflictColumns []string, conflictSet map[string]bool) string {
	var updates []string
	for column := range row {
		if !conflictSet[column] {
			updates = append(updates, column+" = EXCLUDED."+column)
		}
	}
	target := "ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ")"
	if len(updates) == 0 {
		return target + " DO NOTHING"
	}
	sort.Strings(updates)
	return target + " DO UPDATE SET " + strings.Join(updates, ", ")
}

// Run executes an ordered sequence of raw statements, chunked into
// transactions. Intended for migration-adjacent maintenance where the
// statements are authored in-repo, not derived from caller input. It
// returns the number of statements committed.
func Run(ctx context.Context, conn *sqlitedb.Conn, statements []Statement, opts Options) (int, error) {
	return runChunks(ctx, conn, statements, opts, func(statement Statement) error {
		_, err := conn.Execute(statement.SQL, statement.Args...)
		return err
	})
}

// runChunks drives the shared chunking loop: split records by chunk
// size, apply each record in order, wrap each chunk in a transaction
// unless disabled, stop at the first failing chunk. Returns the
// number of records in committed chunks.
func runChunks[T any](ctx context.Context, conn *sqlitedb.Conn, records []T, opts Options, apply func(T) error) (int, error) {
	size := opts.chunkSize()
	done := 0
	for start := 0; start < len(records); start += size {
		if err := ctx.Err(); err != nil {
			return done, fmt.Errorf("batch: interrupted: %w", err)
		}
		chunk := records[start:min(start+size, len(records))]
		run := func() error {
			for _, record := range chunk {
				if err := apply(record); err != nil {
					return err
				}
			}
			return nil
		}
		if err := runChunk(conn, run, opts); err != nil {
			return done, fmt.Errorf("batch: chunk at %d: %w", start, err)
		}
		done += len(chunk)
	}
	return done, nil
}

func runChunk(conn *sqlitedb.Conn, run func() error, opts Options) error {
	if opts.NoTransaction {
		return run()
	}
	return conn.RunInTransaction(run)
}
