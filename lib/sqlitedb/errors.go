// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitedb

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors anchor the taxonomy. The typed errors below carry
// call-site detail and match their sentinel through errors.Is, so
// callers can branch on the class without parsing messages:
//
//	if errors.Is(err, sqlitedb.ErrNotFound) { ... }
//	if sqlitedb.IsPoolTimeout(err) { ... }
var (
	// ErrPoolTimeout: an Acquire waited longer than the pool's acquire
	// timeout. The waiter has been removed from the queue and will not
	// receive a connection later. Retryable.
	ErrPoolTimeout = errors.New("sqlitedb: acquire timed out")

	// ErrPoolClosed: the operation ran against a pool after Close.
	// Fatal to the caller's operation, not retryable.
	ErrPoolClosed = errors.New("sqlitedb: pool is closed")

	// ErrInvalidState: API misuse — double release, release of a
	// connection the pool does not own, nested Begin, Commit or
	// Rollback outside a transaction. Programmer error.
	ErrInvalidState = errors.New("sqlitedb: invalid state")

	// ErrNotFound: an update, delete, or migration-rollback target was
	// absent.
	ErrNotFound = errors.New("sqlitedb: not found")

	// ErrPersistence: a post-write read-back found no row. Indicates a
	// driver or id-generation inconsistency deeper than one failed
	// statement; call sites log it loudly.
	ErrPersistence = errors.New("sqlitedb: persistence failure")

	// ErrConfiguration: invalid setup — duplicate migration version,
	// malformed criteria, bad identifier.
	ErrConfiguration = errors.New("sqlitedb: invalid configuration")
)

// PoolTimeoutError reports an Acquire that gave up after Wait without
// receiving a connection.
type PoolTimeoutError struct {
	Wait time.Duration
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("sqlitedb: acquire timed out after %s", e.Wait)
}

func (e *PoolTimeoutError) Is(target error) bool { return target == ErrPoolTimeout }

// InvalidStateError reports misuse of a Conn or Pool. Op names the
// operation ("begin", "release"), Reason the violated precondition.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("sqlitedb: %s: %s", e.Op, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// StatementError reports a statement the store rejected: malformed
// SQL, a constraint violation, a locked database. The driver error is
// reachable through Unwrap for errors.Is/As inspection.
type StatementError struct {
	Query string
	Err   error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("sqlitedb: statement failed: %v (query: %s)", e.Err, shortQuery(e.Query))
}

func (e *StatementError) Unwrap() error { return e.Err }

// NotFoundError reports an absent update, delete, or rollback target.
// Entity is the table or object kind ("queue_items", "migration"),
// Key the identifier that matched nothing.
type NotFoundError struct {
	Entity string
	Key    any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sqlitedb: %s %v not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PersistenceError reports a write whose read-back found no row.
type PersistenceError struct {
	Table string
	Key   any
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sqlitedb: %s: read-back of %v after write returned no row", e.Table, e.Key)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// ConfigurationError reports invalid setup detected before any
// statement ran.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "sqlitedb: configuration: " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// IsPoolTimeout reports whether err is a pool acquire timeout.
func IsPoolTimeout(err error) bool { return errors.Is(err, ErrPoolTimeout) }

// IsPoolClosed reports whether err resulted from operating on a
// closed pool.
func IsPoolClosed(err error) bool { return errors.Is(err, ErrPoolClosed) }

// IsInvalidState reports whether err is an API misuse error.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsStatement reports whether err carries a rejected statement.
func IsStatement(err error) bool {
	var statementErr *StatementError
	return errors.As(err, &statementErr)
}

// IsNotFound reports whether err is an absent-target error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPersistence reports whether err is a failed post-write read-back.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// shortQuery collapses whitespace and trims a statement for error
// messages. Batch statements can run to kilobytes; the head is enough
// to identify the culprit.
func shortQuery(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > 120 {
		return query[:117] + "..."
	}
	return query
}
