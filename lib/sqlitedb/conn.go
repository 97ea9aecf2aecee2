// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitedb

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Row is one result row: column name → driver-native value. Values are
// int64, float64, string, []byte, or nil, matching SQLite's storage
// classes.
type Row map[string]any

// Result reports the outcome of a mutating statement.
type Result struct {
	// LastInsertID is the rowid of the most recent successful INSERT
	// on this connection. Meaningful only after an INSERT into a
	// rowid table.
	LastInsertID int64

	// RowsChanged is the number of rows modified, inserted, or
	// deleted by the statement.
	RowsChanged int
}

// TimeLayout is the text form bound for time.Time arguments. It is the
// same shape CURRENT_TIMESTAMP writes, so stored timestamps compare
// and round-trip uniformly regardless of which side produced them.
const TimeLayout = "2006-01-02 15:04:05"

// Conn is a single logical connection to the database: statement
// execution, row fetching, and flat transaction control.
//
// A Conn is not safe for concurrent use. It belongs to exactly one
// holder between Acquire and Release; sharing a checked-out Conn
// across goroutines is a caller bug the pool cannot detect.
type Conn struct {
	raw     *sqlite.Conn
	logger  *slog.Logger
	metrics *Metrics

	// txDepth tracks transaction nesting intent. Flat semantics only:
	// the depth is 0 or 1, and Begin at depth 1 is rejected rather
	// than silently coalesced so partial-rollback bugs surface early.
	txDepth int
}

func newConn(raw *sqlite.Conn, logger *slog.Logger, metrics *Metrics) *Conn {
	return &Conn{raw: raw, logger: logger, metrics: metrics}
}

// Execute runs one statement that returns no rows (INSERT, UPDATE,
// DELETE, DDL). Values in args bind as parameters, never interpolate.
// A statement the store rejects returns a StatementError wrapping the
// driver error.
func (c *Conn) Execute(query string, args ...any) (Result, error) {
	defer c.observe("execute")()
	err := sqlitex.Execute(c.raw, query, &sqlitex.ExecOptions{
		Args: normalizeArgs(args),
	})
	if err != nil {
		return Result{}, &StatementError{Query: query, Err: err}
	}
	return Result{
		LastInsertID: c.raw.LastInsertRowID(),
		RowsChanged:  c.raw.Changes(),
	}, nil
}

// errScanDone stops row iteration once FetchOne has captured its row.
// Filtered out of the error path before returning.
var errScanDone = errors.New("sqlitedb: scan done")

// FetchOne runs a query and returns its first row. The boolean is
// false when the query matched nothing; an absent row is not an error.
func (c *Conn) FetchOne(query string, args ...any) (Row, bool, error) {
	defer c.observe("fetch_one")()
	var row Row
	err := sqlitex.Execute(c.raw, query, &sqlitex.ExecOptions{
		Args: normalizeArgs(args),
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row = scanRow(stmt)
			return errScanDone
		},
	})
	if err != nil && !errors.Is(err, errScanDone) {
		return nil, false, &StatementError{Query: query, Err: err}
	}
	return row, row != nil, nil
}

// FetchAll runs a query and returns every row in result order. The
// result is finite and not restartable; re-issue the query to re-read.
func (c *Conn) FetchAll(query string, args ...any) ([]Row, error) {
	defer c.observe("fetch_all")()
	var rows []Row
	err := sqlitex.Execute(c.raw, query, &sqlitex.ExecOptions{
		Args: normalizeArgs(args),
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, scanRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, &StatementError{Query: query, Err: err}
	}
	return rows, nil
}

// ExecScript runs a multi-statement script (schema DDL, migration
// bodies authored as plain SQL). No parameter binding.
func (c *Conn) ExecScript(script string) error {
	defer c.observe("exec_script")()
	if err := sqlitex.ExecuteScript(c.raw, script, nil); err != nil {
		return &StatementError{Query: script, Err: err}
	}
	return nil
}

// Begin opens a transaction with immediate write intent. SQLite
// serializes writers; taking the write lock up front fails fast
// instead of deadlocking at the first write inside the transaction.
//
// Nested transactions are not supported: Begin while a transaction is
// open returns InvalidStateError.
func (c *Conn) Begin() error {
	if c.txDepth > 0 {
		return &InvalidStateError{Op: "begin", Reason: "transaction already open"}
	}
	if err := sqlitex.ExecuteTransient(c.raw, "BEGIN IMMEDIATE", nil); err != nil {
		return &StatementError{Query: "BEGIN IMMEDIATE", Err: err}
	}
	c.txDepth++
	return nil
}

// Commit commits the open transaction. Without one it returns
// InvalidStateError. On a commit failure the transaction is left open
// so the caller can Rollback.
func (c *Conn) Commit() error {
	if c.txDepth == 0 {
		return &InvalidStateError{Op: "commit", Reason: "no open transaction"}
	}
	if err := sqlitex.ExecuteTransient(c.raw, "COMMIT", nil); err != nil {
		return &StatementError{Query: "COMMIT", Err: err}
	}
	c.txDepth--
	return nil
}

// Rollback aborts the open transaction. Without one it returns
// InvalidStateError. The depth resets even when ROLLBACK itself
// errors: the connection holds no usable transaction either way.
func (c *Conn) Rollback() error {
	if c.txDepth == 0 {
		return &InvalidStateError{Op: "rollback", Reason: "no open transaction"}
	}
	c.txDepth--
	if err := sqlitex.ExecuteTransient(c.raw, "ROLLBACK", nil); err != nil {
		return &StatementError{Query: "ROLLBACK", Err: err}
	}
	return nil
}

// RunInTransaction begins a transaction, runs fn, commits when fn
// returns nil, and rolls back when it does not. The body's error
// propagates unchanged; a rollback failure after a failed body is
// logged, not returned, so the original cause is what callers see.
//
// This is the only sanctioned cross-statement atomicity boundary.
func (c *Conn) RunInTransaction(fn func() error) error {
	if err := c.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rollbackErr := c.Rollback(); rollbackErr != nil {
			c.logger.Error("rollback after failed transaction body",
				"error", rollbackErr,
				"cause", err,
			)
		}
		return err
	}
	return c.Commit()
}

// InTransaction reports whether a transaction is open on this
// connection.
func (c *Conn) InTransaction() bool { return c.txDepth > 0 }

// close releases the underlying database handle. The pool calls this
// at eviction and shutdown; a Conn is never closed while checked out.
func (c *Conn) close() error {
	return c.raw.Close()
}

// observe returns a completion callback recording statement duration
// under op. No-op without metrics.
func (c *Conn) observe(op string) func() {
	if c.metrics == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(c.metrics.statementSeconds.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}

// scanRow copies the current statement row into a Row keyed by column
// name, with values mapped to their SQLite storage class.
func scanRow(stmt *sqlite.Stmt) Row {
	row := make(Row, stmt.ColumnCount())
	for i := 0; i < stmt.ColumnCount(); i++ {
		name := stmt.ColumnName(i)
		switch stmt.ColumnType(i) {
		case sqlite.TypeInteger:
			row[name] = stmt.ColumnInt64(i)
		case sqlite.TypeFloat:
			row[name] = stmt.ColumnFloat(i)
		case sqlite.TypeText:
			row[name] = stmt.ColumnText(i)
		case sqlite.TypeBlob:
			buf := make([]byte, stmt.ColumnLen(i))
			stmt.ColumnBytes(i, buf)
			row[name] = buf
		default:
			row[name] = nil
		}
	}
	return row
}

// normalizeArgs converts argument types the driver cannot bind.
// time.Time becomes UTC text in TimeLayout. The input slice is copied
// before the first rewrite so variadic forwarding stays safe.
func normalizeArgs(args []any) []any {
	out := args
	copied := false
	for i, arg := range args {
		t, ok := arg.(time.Time)
		if !ok {
			continue
		}
		if !copied {
			out = append([]any(nil), args...)
			copied = true
		}
		out[i] = t.UTC().Format(TimeLayout)
	}
	return out
}
