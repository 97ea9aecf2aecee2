// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitedb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/windlass-media/windlass/lib/clock"
)

// Defaults are conservative for a single-writer embedded engine: a
// small pool and a multi-second acquire deadline.
const (
	DefaultMaxConnections = 5
	DefaultAcquireTimeout = 5 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// Config holds the parameters for opening a connection pool. Path is
// required; all other fields have defaults.
type Config struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist; the file is created if it does not. Use
	// ":memory:" only with MaxConnections 1, since each in-memory
	// connection is an independent database.
	Path string

	// MaxConnections bounds the number of simultaneously open
	// connections. Zero or negative selects DefaultMaxConnections.
	// SQLite serializes writes regardless of pool size; extra
	// connections only help concurrent reads.
	MaxConnections int

	// AcquireTimeout is how long Acquire waits for a connection
	// before failing with PoolTimeoutError. Zero or negative selects
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// IdleTimeout is how long an unused connection survives before
	// the background sweep destroys it. Zero selects
	// DefaultIdleTimeout; negative disables eviction.
	IdleTimeout time.Duration

	// Logger receives operational messages (pool open/close,
	// eviction, abandoned transactions). If nil, a no-op logger is
	// used.
	Logger *slog.Logger

	// Clock drives the acquire deadline and the idle sweep. If nil,
	// the real clock is used. Tests inject clock.Fake to make timeout
	// and eviction behavior deterministic.
	Clock clock.Clock

	// Metrics, when non-nil, records pool and statement telemetry.
	// A Metrics instance binds to a single pool.
	Metrics *Metrics

	// OnConnect is called once per new physical connection after the
	// standard pragmas are applied. Use it for connection-scoped
	// setup: custom functions, additional pragmas. An error discards
	// the connection and surfaces from the Acquire that triggered it.
	OnConnect func(conn *Conn) error
}

// Pool is a bounded set of connections over one database file.
// Acquisition reuses idle connections FIFO, opens new ones up to
// MaxConnections, and after that queues callers; queued callers are
// satisfied strictly in arrival order, so a steady stream of new
// acquirers cannot starve an old one.
//
// Pool is safe for concurrent use. The connections it hands out are
// not; each belongs to one holder until released.
type Pool struct {
	path           string
	maxConnections int
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
	clk            clock.Clock
	metrics        *Metrics
	onConnect      func(*Conn) error

	// mu serializes every mutation of the entry set, the idle list,
	// and the waiter queue. Idle eviction runs under the same lock,
	// so a sweep can never destroy a connection an acquire is about
	// to take.
	mu          sync.Mutex
	entries     map[*Conn]*entry
	idle        []*entry
	waiters     waitQueue
	creating    int
	closed      bool
	drainClosed bool

	// drained closes once the pool is closed and the last outstanding
	// connection has come back.
	drained   chan struct{}
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// entry pairs a connection with its pool bookkeeping. The pool owns
// every entry; holders only borrow the Conn between acquire and
// release.
type entry struct {
	conn     *Conn
	lastUsed time.Time
	inUse    bool
}

// grant is what a queued waiter receives: a connection handed over by
// a release, an error (pool closed), or neither — meaning capacity
// was freed and the waiter should retry the acquire fast path.
type grant struct {
	entry *entry
	err   error
}

// waiter is one queued acquire. The ready channel is buffered so the
// granting side never blocks; coordination against timeout and
// cancellation happens under the pool mutex via queue membership.
type waiter struct {
	ready chan grant
}

// waitQueue is a FIFO of pending acquires. Release dequeues from the
// front; timeout and cancellation remove from the middle.
type waitQueue struct {
	items []*waiter
}

func (q *waitQueue) push(w *waiter) { q.items = append(q.items, w) }

// pushFront re-enqueues a waiter at the head. Used when a queued
// waiter was woken with freed capacity but lost the retry race; it
// keeps its arrival-order position instead of going to the back.
func (q *waitQueue) pushFront(w *waiter) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = w
}

func (q *waitQueue) popFront() *waiter {
	if len(q.items) == 0 {
		return nil
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return w
}

func (q *waitQueue) remove(w *waiter) bool {
	for i, candidate := range q.items {
		if candidate == w {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *waitQueue) len() int { return len(q.items) }

// Open creates a connection pool. One connection is opened eagerly to
// validate the path, pragmas, and OnConnect hook; the rest open on
// demand. The caller must Close the pool when done.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, &ConfigurationError{Reason: "Path is required"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}

	p := &Pool{
		path:           cfg.Path,
		maxConnections: maxConnections,
		acquireTimeout: acquireTimeout,
		idleTimeout:    idleTimeout,
		logger:         logger,
		clk:            clk,
		metrics:        cfg.Metrics,
		onConnect:      cfg.OnConnect,
		entries:        make(map[*Conn]*entry),
		drained:        make(chan struct{}),
	}

	conn, err := p.open()
	if err != nil {
		return nil, err
	}
	p.entries[conn] = &entry{conn: conn, lastUsed: clk.Now()}
	p.idle = append(p.idle, p.entries[conn])

	if idleTimeout > 0 {
		p.sweepStop = make(chan struct{})
		p.sweepDone = make(chan struct{})
		go p.sweep()
	}
	if p.metrics != nil {
		p.metrics.bindPool(p)
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"max_connections", maxConnections,
		"acquire_timeout", acquireTimeout,
		"idle_timeout", idleTimeout,
	)
	return p, nil
}

// Acquire borrows a connection: an idle one if available, a newly
// opened one while under MaxConnections, otherwise the caller queues
// until a release hands one over. Fails with PoolTimeoutError after
// the acquire timeout, with ctx.Err() on cancellation, and with
// ErrPoolClosed once the pool is closed. The caller MUST Release the
// connection, typically via defer — or use WithConnection, which
// guarantees it.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	defer p.observeAcquire()()

	// One deadline spans the whole acquire, including any retry
	// rounds after a failed connection open elsewhere in the pool.
	var timeoutCh <-chan time.Time
	requeued := false

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("sqlitedb: acquire: %w", ErrPoolClosed)
		}

		if len(p.idle) > 0 {
			e := p.idle[0]
			p.idle[0] = nil
			p.idle = p.idle[1:]
			e.inUse = true
			p.mu.Unlock()
			return e.conn, nil
		}

		if len(p.entries)+p.creating < p.maxConnections {
			return p.acquireNew()
		}

		w := &waiter{ready: make(chan grant, 1)}
		if requeued {
			// This caller already held the head of the queue and was
			// woken with freed capacity that someone else took first.
			// Going to the back would let later arrivals overtake it.
			p.waiters.pushFront(w)
		} else {
			p.waiters.push(w)
		}
		p.mu.Unlock()

		if timeoutCh == nil {
			timeoutCh = p.clk.After(p.acquireTimeout)
		}
		e, err := p.awaitGrant(ctx, w, timeoutCh)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e.conn, nil
		}
		// Capacity freed without a connection to hand over; retry.
		requeued = true
	}
}

// acquireNew opens a connection for a pool below capacity. Called
// with p.mu held; returns with it released.
func (p *Pool) acquireNew() (*Conn, error) {
	p.creating++
	p.mu.Unlock()

	conn, err := p.open()

	p.mu.Lock()
	p.creating--
	if err != nil {
		// The reserved slot is free again. Wake the head waiter so it
		// can retry the create path instead of waiting out its full
		// timeout for a release that may never come.
		if w := p.waiters.popFront(); w != nil {
			w.ready <- grant{}
		}
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.checkDrainedLocked()
		p.mu.Unlock()
		if closeErr := conn.close(); closeErr != nil {
			p.logger.Error("closing connection opened during shutdown", "error", closeErr)
		}
		return nil, fmt.Errorf("sqlitedb: acquire: %w", ErrPoolClosed)
	}
	p.entries[conn] = &entry{conn: conn, lastUsed: p.clk.Now(), inUse: true}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.connectionsCreated.Inc()
	}
	return conn, nil
}

// awaitGrant blocks a queued waiter until a grant, the acquire
// deadline, or ctx cancellation. A nil entry with nil error means
// capacity was freed and the caller should retry.
func (p *Pool) awaitGrant(ctx context.Context, w *waiter, timeoutCh <-chan time.Time) (*entry, error) {
	select {
	case g := <-w.ready:
		return p.resolveGrant(g)
	case <-timeoutCh:
		if g, raced := p.reclaimGrant(w); raced {
			return p.resolveGrant(g)
		}
		if p.metrics != nil {
			p.metrics.acquireTimeouts.Inc()
		}
		return nil, &PoolTimeoutError{Wait: p.acquireTimeout}
	case <-ctx.Done():
		if g, raced := p.reclaimGrant(w); raced {
			return p.resolveGrant(g)
		}
		return nil, fmt.Errorf("sqlitedb: acquire: %w", ctx.Err())
	}
}

// reclaimGrant resolves the race between a deadline and a concurrent
// grant. When w is still queued it is removed — the waiter lost, and
// no grant can reach it afterward. When w has already been dequeued a
// grant is in flight on the buffered channel; it is drained and used,
// since it arrived before the waiter gave up.
func (p *Pool) reclaimGrant(w *waiter) (grant, bool) {
	p.mu.Lock()
	removed := p.waiters.remove(w)
	p.mu.Unlock()
	if removed {
		return grant{}, false
	}
	return <-w.ready, true
}

func (p *Pool) resolveGrant(g grant) (*entry, error) {
	if g.err != nil {
		return nil, fmt.Errorf("sqlitedb: acquire: %w", g.err)
	}
	return g.entry, nil
}

// Release returns a borrowed connection. Releasing a connection the
// pool does not own, or releasing twice, fails with
// InvalidStateError. A connection released with an open transaction
// is rolled back before anyone else can see it.
func (p *Pool) Release(conn *Conn) error {
	if conn == nil {
		return &InvalidStateError{Op: "release", Reason: "nil connection"}
	}

	p.mu.Lock()
	e, owned := p.entries[conn]
	if !owned {
		p.mu.Unlock()
		return &InvalidStateError{Op: "release", Reason: "connection not owned by this pool"}
	}
	if !e.inUse {
		p.mu.Unlock()
		return &InvalidStateError{Op: "release", Reason: "connection already released"}
	}
	// Claim the release before dropping the lock for the rollback
	// below: a concurrent Release of the same connection must fail the
	// inUse check above, not race past it. The entry is in neither the
	// idle list nor a waiter's hands until the second critical section
	// re-publishes it, so no acquirer can see it in this window.
	e.inUse = false
	p.mu.Unlock()

	// The holder abandoned a transaction. Roll it back so the next
	// holder starts clean; if even that fails the connection is not
	// trustworthy and gets discarded.
	discard := false
	if conn.InTransaction() {
		p.logger.Warn("connection released with open transaction, rolling back")
		if err := conn.Rollback(); err != nil {
			p.logger.Error("rollback of abandoned transaction failed, discarding connection",
				"error", err,
			)
			discard = true
		}
	}

	p.mu.Lock()
	switch {
	case discard:
		delete(p.entries, conn)
		// Capacity freed: let the head waiter retry the create path.
		if w := p.waiters.popFront(); w != nil {
			w.ready <- grant{}
		}
		p.checkDrainedLocked()
		p.mu.Unlock()
		p.destroy(conn)
		return nil

	case p.closed:
		delete(p.entries, conn)
		p.checkDrainedLocked()
		p.mu.Unlock()
		p.destroy(conn)
		return nil

	default:
		if w := p.waiters.popFront(); w != nil {
			// Hand over directly, bypassing the idle list. The entry
			// goes straight back in use; only the holder changes.
			e.inUse = true
			e.lastUsed = p.clk.Now()
			w.ready <- grant{entry: e}
			p.mu.Unlock()
			return nil
		}
		e.lastUsed = p.clk.Now()
		p.idle = append(p.idle, e)
		p.mu.Unlock()
		return nil
	}
}

// WithConnection acquires a connection, runs fn, and releases on
// every exit path including panics. This is the primary entry point;
// most callers never touch Acquire and Release directly.
func (p *Pool) WithConnection(ctx context.Context, fn func(conn *Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := p.Release(conn); releaseErr != nil {
			p.logger.Error("connection release failed", "error", releaseErr)
		}
	}()
	return fn(conn)
}

// Close shuts the pool down: queued waiters fail with ErrPoolClosed,
// subsequent Acquires are rejected, idle connections are destroyed
// immediately, and Close blocks until every checked-out connection
// has been released and destroyed. Idempotent; concurrent and repeat
// calls return nil without waiting for the first to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for w := p.waiters.popFront(); w != nil; w = p.waiters.popFront() {
		w.ready <- grant{err: ErrPoolClosed}
	}
	victims := p.idle
	p.idle = nil
	for _, e := range victims {
		delete(p.entries, e.conn)
	}
	outstanding := len(p.entries) + p.creating
	p.checkDrainedLocked()
	p.mu.Unlock()

	if p.sweepStop != nil {
		close(p.sweepStop)
		<-p.sweepDone
	}
	for _, e := range victims {
		p.destroy(e.conn)
	}
	if outstanding > 0 {
		p.logger.Info("pool close waiting on checked-out connections",
			"outstanding", outstanding,
		)
	}
	<-p.drained

	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy. It is not
// transactionally consistent with concurrent acquires; use it for
// diagnostics and metrics, not control flow.
type Stats struct {
	// Total counts open connections, checked out or idle, plus any
	// currently being opened.
	Total int

	// Available counts idle connections ready for immediate reuse.
	Available int

	// Pending counts queued acquires waiting for a connection.
	Pending int
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:     len(p.entries) + p.creating,
		Available: len(p.idle),
		Pending:   p.waiters.len(),
	}
}

// open creates and prepares one physical connection.
func (p *Pool) open() (*Conn, error) {
	raw, err := sqlite.OpenConn(p.path)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: opening %s: %w", p.path, err)
	}
	if err := prepareConnection(raw); err != nil {
		raw.Close()
		return nil, err
	}
	conn := newConn(raw, p.logger, p.metrics)
	if p.onConnect != nil {
		if err := p.onConnect(conn); err != nil {
			raw.Close()
			return nil, fmt.Errorf("sqlitedb: OnConnect: %w", err)
		}
	}
	return conn, nil
}

// destroy closes a connection removed from the pool.
func (p *Pool) destroy(conn *Conn) {
	if err := conn.close(); err != nil {
		p.logger.Error("closing connection", "path", p.path, "error", err)
	}
}

// checkDrainedLocked signals Close once the last connection is gone.
// Must be called with p.mu held.
func (p *Pool) checkDrainedLocked() {
	if p.closed && len(p.entries) == 0 && p.creating == 0 && !p.drainClosed {
		p.drainClosed = true
		close(p.drained)
	}
}

// sweep periodically evicts idle connections older than IdleTimeout.
// Runs until Close.
func (p *Pool) sweep() {
	defer close(p.sweepDone)

	interval := p.idleTimeout / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := p.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle destroys idle connections unused for longer than
// IdleTimeout. Selection runs under the pool mutex, so an entry
// racing with a concurrent Acquire is either taken (in use, skipped)
// or evicted (gone before the acquire can see it) — never both.
func (p *Pool) evictIdle() {
	now := p.clk.Now()

	var victims []*entry
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	kept := p.idle[:0]
	for _, e := range p.idle {
		if now.Sub(e.lastUsed) > p.idleTimeout {
			victims = append(victims, e)
			delete(p.entries, e.conn)
		} else {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	for _, e := range victims {
		p.destroy(e.conn)
	}
	if len(victims) > 0 {
		if p.metrics != nil {
			p.metrics.connectionsEvicted.Add(float64(len(victims)))
		}
		p.logger.Debug("evicted idle connections", "count", len(victims))
	}
}

// observeAcquire returns a completion callback recording acquire
// duration. No-op without metrics.
func (p *Pool) observeAcquire() func() {
	if p.metrics == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(p.metrics.acquireSeconds)
	return func() { timer.ObserveDuration() }
}

// prepareConnection applies the standard pragmas. WAL keeps readers
// unblocked by the single writer; foreign keys are enforced because
// the application schema relies on them.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA mmap_size=268435456",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitedb: %s: %w", pragma, err)
		}
	}
	return nil
}
