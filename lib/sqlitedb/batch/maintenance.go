// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/windlass-media/windlass/lib/sqlitedb"
)

// TableStats is a diagnostic snapshot of one table and the database
// file that holds it.
type TableStats struct {
	// RowCount is the table's current row count.
	RowCount int64

	// SizeBytes is the database file footprint, page_count times
	// page_size. SQLite does not track per-table page usage without
	// the dbstat extension, so this is the whole file.
	SizeBytes int64
}

// Copy performs a set-based copy of rows from source to target in a
// single INSERT ... SELECT statement. columns maps source column to
// target column; nil copies all columns positionally. where filters
// source rows (a raw clause with ? placeholders bound from args) and
// may be empty. Returns rows copied.
//
// Copy is deliberately not chunked and not transactional: it is one
// statement, atomic by itself. Callers composing it with other work
// wrap the lot in RunInTransaction.
func Copy(ctx context.Context, conn *sqlitedb.Conn, source, target string, columns map[string]string, where string, args ...any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("batch: copy interrupted: %w", err)
	}
	if err := sqlitedb.CheckIdentifier("table", source); err != nil {
		return 0, err
	}
	if err := sqlitedb.CheckIdentifier("table", target); err != nil {
		return 0, err
	}

	var query string
	if len(columns) == 0 {
		query = fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", target, source)
	} else {
		sourceColumns, targetColumns, err := columnLists(columns)
		if err != nil {
			return 0, err
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			target, targetColumns, sourceColumns, source)
	}
	if where != "" {
		query += " WHERE " + where
	}

	result, err := conn.Execute(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsChanged, nil
}

// Analyze refreshes the query planner's statistics for table, or for
// the whole database when table is empty.
func Analyze(ctx context.Context, conn *sqlitedb.Conn, table string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch: analyze interrupted: %w", err)
	}
	if table == "" {
		_, err := conn.Execute("ANALYZE")
		return err
	}
	if err := sqlitedb.CheckIdentifier("table", table); err != nil {
		return err
	}
	_, err := conn.Execute("ANALYZE " + table)
	return err
}

// Vacuum rebuilds the database file, reclaiming free pages. SQLite
// refuses VACUUM inside a transaction, so an open transaction on conn
// is an InvalidStateError here rather than a store error later.
func Vacuum(ctx context.Context, conn *sqlitedb.Conn) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch: vacuum interrupted: %w", err)
	}
	if conn.InTransaction() {
		return &sqlitedb.InvalidStateError{Op: "vacuum", Reason: "cannot run inside a transaction"}
	}
	_, err := conn.Execute("VACUUM")
	return err
}

// Stats returns row count and storage footprint for table.
func Stats(ctx context.Context, conn *sqlitedb.Conn, table string) (TableStats, error) {
	if err := ctx.Err(); err != nil {
		return TableStats{}, fmt.Errorf("batch: stats interrupted: %w", err)
	}
	if err := sqlitedb.CheckIdentifier("table", table); err != nil {
		return TableStats{}, err
	}

	var stats TableStats
	row, ok, err := conn.FetchOne(fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", table))
	if err != nil {
		return TableStats{}, err
	}
	if ok {
		stats.RowCount = row["n"].(int64)
	}

	row, ok, err = conn.FetchOne(
		"SELECT page_count * page_size AS bytes FROM pragma_page_count(), pragma_page_size()",
	)
	if err != nil {
		return TableStats{}, err
	}
	if ok {
		stats.SizeBytes = row["bytes"].(int64)
	}
	return stats, nil
}

// columnLists renders the source and target column lists for a mapped
// copy in sorted source order, validating every identifier.
func columnLists(columns map[string]string) (sourceList, targetList string, err error) {
	sources := make([]string, 0, len(columns))
	for source := range columns {
		sources = append(sources, source)
	}
	// Sorted so the generated SQL is deterministic.
	sort.Strings(sources)

	targets := make([]string, 0, len(columns))
	for _, source := range sources {
		target := columns[source]
		if err := sqlitedb.CheckIdentifier("column", source); err != nil {
			return "", "", err
		}
		if err := sqlitedb.CheckIdentifier("column", target); err != nil {
			return "", "", err
		}
		targets = append(targets, target)
	}
	return strings.Join(sources, ", "), strings.Join(targets, ", "), nil
}
