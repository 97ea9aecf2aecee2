// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitedb is the embedded database access core: a bounded
// connection pool, a transactional connection abstraction, and the
// error taxonomy shared by the layers above it (repositories, batch
// operations, migrations).
//
// Callers hold the pool and reach the database through it:
//
//	pool, err := sqlitedb.Open(sqlitedb.Config{Path: "/var/lib/windlass/windlass.db"})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
//	    return conn.RunInTransaction(func() error {
//	        _, err := conn.Execute(`UPDATE config SET value = ? WHERE key = ?`, "1", "schema_ready")
//	        return err
//	    })
//	})
//
// The pool bounds concurrent access to the single-writer engine:
// idle connections are reused FIFO, new ones open up to
// MaxConnections, and past that callers queue and are served strictly
// in arrival order. Transactions are flat — Begin inside an open
// transaction is an InvalidStateError, not a savepoint.
//
// Repositories (sqlitedb/repo), batch operations (sqlitedb/batch),
// migrations (sqlitedb/migrate), and snapshots (sqlitedb/snapshot)
// build on the Conn surface and are the sanctioned ways for the rest
// of the application to touch persisted state.
package sqlitedb
