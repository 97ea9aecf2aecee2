// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitedb_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/windlass-media/windlass/lib/clock"
	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/testutil"
)

func TestOpenAppliesPragmas(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{})

	err := pool.WithConnection(context.Background(), func(conn *sqlitedb.Conn) error {
		row, found, err := conn.FetchOne("PRAGMA journal_mode")
		if err != nil || !found {
			return fmt.Errorf("journal_mode: found=%v err=%v", found, err)
		}
		if row["journal_mode"] != "wal" {
			t.Errorf("journal_mode = %v, want wal", row["journal_mode"])
		}

		row, found, err = conn.FetchOne("PRAGMA foreign_keys")
		if err != nil || !found {
			return fmt.Errorf("foreign_keys: found=%v err=%v", found, err)
		}
		if row["foreign_keys"] != int64(1) {
			t.Errorf("foreign_keys = %v, want 1", row["foreign_keys"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithConnection: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	_, err := sqlitedb.Open(sqlitedb.Config{})
	if err == nil {
		t.Fatal("expected error for empty Path")
	}
	if !sqlitedb.IsConfiguration(err) {
		t.Errorf("error = %v, want ConfigurationError", err)
	}
}

func TestOnConnect(t *testing.T) {
	var called bool
	pool := openTestPool(t, sqlitedb.Config{OnConnect: func(conn *sqlitedb.Conn) error {
		called = true
		return conn.ExecScript(`
			CREATE TABLE IF NOT EXISTS notes (
				id INTEGER PRIMARY KEY,
				body TEXT NOT NULL
			);
		`)
	}})

	if !called {
		t.Error("OnConnect was not called for the eager connection")
	}

	err := pool.WithConnection(context.Background(), func(conn *sqlitedb.Conn) error {
		_, err := conn.Execute(`INSERT INTO notes (body) VALUES (?)`, "hello")
		return err
	})
	if err != nil {
		t.Fatalf("insert into OnConnect-created table: %v", err)
	}
}

func TestPoolBoundsConnections(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 2, AcquireTimeout: time.Minute})
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	second, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire second: %v", err)
	}
	if stats := pool.Stats(); stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}

	// A third acquire must block, not open a third connection.
	got := make(chan *sqlitedb.Conn, 1)
	go func() {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
			close(got)
			return
		}
		got <- conn
	}()

	waitFor(t, "third acquire to queue", func() bool { return pool.Stats().Pending == 1 })
	select {
	case <-got:
		t.Fatal("third Acquire completed while the pool was exhausted")
	case <-time.After(100 * time.Millisecond):
	}
	if stats := pool.Stats(); stats.Total != 2 {
		t.Errorf("Total while queued = %d, want 2", stats.Total)
	}

	if err := pool.Release(first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	third := testutil.RequireReceive(t, got, 5*time.Second, "third acquire after release")
	if stats := pool.Stats(); stats.Total != 2 {
		t.Errorf("Total after handoff = %d, want 2", stats.Total)
	}

	if err := pool.Release(second); err != nil {
		t.Fatalf("Release second: %v", err)
	}
	if err := pool.Release(third); err != nil {
		t.Fatalf("Release third: %v", err)
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 1, AcquireTimeout: time.Minute})
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Queue waiters one at a time so their arrival order is known.
	const waiterCount = 4
	served := make(chan int, waiterCount)
	for i := 0; i < waiterCount; i++ {
		index := i
		go func() {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				t.Errorf("waiter %d: %v", index, err)
				served <- -1
				return
			}
			served <- index
			if err := pool.Release(conn); err != nil {
				t.Errorf("waiter %d release: %v", index, err)
			}
		}()
		waitFor(t, "waiter to queue", func() bool { return pool.Stats().Pending == index+1 })
	}

	if err := pool.Release(held); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for want := 0; want < waiterCount; want++ {
		got := testutil.RequireReceive(t, served, 5*time.Second, "waiter %d", want)
		if got != want {
			t.Fatalf("service order: got waiter %d, want %d", got, want)
		}
	}
}

func TestAcquireTimeout(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pool := openTestPool(t, sqlitedb.Config{
		MaxConnections: 1,
		AcquireTimeout: 2 * time.Second,
		IdleTimeout:    -1,
		Clock:          fakeClock,
	})
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		errCh <- err
	}()

	// The queued acquire registers its deadline timer; firing it is
	// the only way this test's second acquire can end.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(2 * time.Second)

	err = testutil.RequireReceive(t, errCh, 5*time.Second, "acquire timeout")
	if !sqlitedb.IsPoolTimeout(err) {
		t.Fatalf("error = %v, want PoolTimeoutError", err)
	}

	// The timed-out waiter left the queue: releasing now must not
	// hand it anything, and a fresh acquire gets the connection.
	if pending := pool.Stats().Pending; pending != 0 {
		t.Errorf("Pending after timeout = %d, want 0", pending)
	}
	if err := pool.Release(held); err != nil {
		t.Fatalf("Release: %v", err)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after timeout: %v", err)
	}
	if err := pool.Release(conn); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireContextCancellation(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 1, AcquireTimeout: time.Minute})

	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		errCh <- err
	}()

	waitFor(t, "acquire to queue", func() bool { return pool.Stats().Pending == 1 })
	cancel()

	err = testutil.RequireReceive(t, errCh, 5*time.Second, "cancelled acquire")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if pending := pool.Stats().Pending; pending != 0 {
		t.Errorf("Pending after cancellation = %d, want 0", pending)
	}

	if err := pool.Release(held); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReleaseValidation(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 1})
	other := openTestPool(t, sqlitedb.Config{MaxConnections: 1})
	ctx := context.Background()

	if err := pool.Release(nil); !sqlitedb.IsInvalidState(err) {
		t.Errorf("Release(nil) = %v, want InvalidStateError", err)
	}

	foreign, err := other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire from other pool: %v", err)
	}
	if err := pool.Release(foreign); !sqlitedb.IsInvalidState(err) {
		t.Errorf("Release of foreign connection = %v, want InvalidStateError", err)
	}
	if err := other.Release(foreign); err != nil {
		t.Fatalf("Release to owner: %v", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := pool.Release(conn); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := pool.Release(conn); !sqlitedb.IsInvalidState(err) {
		t.Errorf("double Release = %v, want InvalidStateError", err)
	}
}

func TestConcurrentReleaseSingleWinner(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 1})
	ctx := context.Background()

	// The rollback of an abandoned transaction runs outside the pool
	// lock, which is where a racing second release used to slip
	// through. Repeat to give the schedule chances to interleave.
	for i := 0; i < 25; i++ {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := conn.Begin(); err != nil {
			t.Fatalf("Begin: %v", err)
		}

		const releasers = 4
		start := make(chan struct{})
		results := make(chan error, releasers)
		for range releasers {
			go func() {
				<-start
				results <- pool.Release(conn)
			}()
		}
		close(start)

		succeeded := 0
		for range releasers {
			err := testutil.RequireReceive(t, results, 5*time.Second, "release result")
			if err == nil {
				succeeded++
			} else if !sqlitedb.IsInvalidState(err) {
				t.Fatalf("losing Release = %v, want InvalidStateError", err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("%d releases succeeded, want exactly 1", succeeded)
		}
		if stats := pool.Stats(); stats.Total != 1 || stats.Available != 1 {
			t.Fatalf("stats after concurrent release = %+v, want Total 1 Available 1", stats)
		}
	}
}

func TestCloseFailsWaitersAndRejectsAcquires(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 1, AcquireTimeout: time.Minute})
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		waiterErr <- err
	}()
	waitFor(t, "acquire to queue", func() bool { return pool.Stats().Pending == 1 })

	// Close blocks on the held connection; run it concurrently.
	closeErr := make(chan error, 1)
	go func() {
		closeErr <- pool.Close()
	}()

	err = testutil.RequireReceive(t, waiterErr, 5*time.Second, "queued waiter failed by close")
	if !sqlitedb.IsPoolClosed(err) {
		t.Fatalf("queued waiter error = %v, want ErrPoolClosed", err)
	}

	if _, err := pool.Acquire(ctx); !sqlitedb.IsPoolClosed(err) {
		t.Fatalf("Acquire after close = %v, want ErrPoolClosed", err)
	}

	if err := pool.Release(held); err != nil {
		t.Fatalf("Release after close: %v", err)
	}
	if err := testutil.RequireReceive(t, closeErr, 5*time.Second, "close finished"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Idempotent: a second close returns immediately.
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestIdleEviction(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pool := openTestPool(t, sqlitedb.Config{
		MaxConnections: 2,
		IdleTimeout:    time.Minute,
		Clock:          fakeClock,
	})
	ctx := context.Background()

	// One connection checked out, one idle.
	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire held: %v", err)
	}
	extra, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire extra: %v", err)
	}
	if err := pool.Release(extra); err != nil {
		t.Fatalf("Release extra: %v", err)
	}
	if stats := pool.Stats(); stats.Total != 2 || stats.Available != 1 {
		t.Fatalf("stats before eviction = %+v, want Total 2 Available 1", stats)
	}

	// Advance well past the idle timeout; the sweep destroys the idle
	// connection and leaves the checked-out one alone.
	fakeClock.Advance(91 * time.Second)
	waitFor(t, "idle connection eviction", func() bool {
		stats := pool.Stats()
		return stats.Total == 1 && stats.Available == 0
	})

	// The held connection survived and still works.
	if _, err := held.Execute(`CREATE TABLE IF NOT EXISTS t (x INTEGER)`); err != nil {
		t.Errorf("held connection broken after sweep: %v", err)
	}
	if err := pool.Release(held); err != nil {
		t.Fatalf("Release held: %v", err)
	}
}

func TestWithConnectionReleasesOnError(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 1})

	wantErr := errors.New("body failed")
	err := pool.WithConnection(context.Background(), func(conn *sqlitedb.Conn) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithConnection = %v, want body error", err)
	}
	if stats := pool.Stats(); stats.Available != 1 {
		t.Errorf("Available after failed body = %d, want 1", stats.Available)
	}
}

func TestReleaseRollsBackAbandonedTransaction(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 1, OnConnect: func(conn *sqlitedb.Conn) error {
		return conn.ExecScript(`CREATE TABLE IF NOT EXISTS rows_ (id INTEGER PRIMARY KEY, v TEXT);`)
	}})
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := conn.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := conn.Execute(`INSERT INTO rows_ (v) VALUES ('abandoned')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Release(conn); err != nil {
		t.Fatalf("Release with open transaction: %v", err)
	}

	again, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() {
		if err := pool.Release(again); err != nil {
			t.Errorf("Release: %v", err)
		}
	}()
	if again.InTransaction() {
		t.Error("reacquired connection has an open transaction")
	}
	rows, err := again.FetchAll(`SELECT * FROM rows_`)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("abandoned transaction row survived: %v", rows)
	}
}

func TestConcurrentReads(t *testing.T) {
	pool := openTestPool(t, sqlitedb.Config{MaxConnections: 4, OnConnect: func(conn *sqlitedb.Conn) error {
		return conn.ExecScript(`CREATE TABLE IF NOT EXISTS numbers (value INTEGER NOT NULL);`)
	}})
	ctx := context.Background()

	err := pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
		return conn.ExecScript(`INSERT INTO numbers (value) VALUES (1), (2), (3), (4), (5);`)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	const goroutineCount = 8
	var waitGroup sync.WaitGroup
	errorCh := make(chan error, goroutineCount)

	for range goroutineCount {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			err := pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				rows, err := conn.FetchAll(`SELECT value FROM numbers`)
				if err != nil {
					return err
				}
				var sum int64
				for _, row := range rows {
					sum += row["value"].(int64)
				}
				if sum != 15 {
					return fmt.Errorf("sum = %d, want 15", sum)
				}
				return nil
			})
			if err != nil {
				errorCh <- err
			}
		}()
	}

	waitGroup.Wait()
	close(errorCh)
	for err := range errorCh {
		t.Error(err)
	}
}

// waitFor polls condition until it holds or five seconds pass.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// openTestPool creates a pool backed by a temporary database file.
// The pool is closed automatically when the test completes.
func openTestPool(t *testing.T, cfg sqlitedb.Config) *sqlitedb.Pool {
	t.Helper()

	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "test.db")
	}
	pool, err := sqlitedb.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
