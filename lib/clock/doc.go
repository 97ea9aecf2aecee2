// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so the pool's
// acquire deadlines and idle sweeps can be tested without real waiting.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, or time.NewTicker directly. Real() gives standard
// library behavior; Fake() gives a deterministic clock that advances
// only when Advance is called:
//
//	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	pool, _ := sqlitedb.Open(sqlitedb.Config{Path: path, Clock: clk})
//	// ... start an acquire that must queue ...
//	clk.WaitForTimers(1)               // the acquire registered its deadline
//	clk.Advance(sqlitedb.DefaultAcquireTimeout) // fire it deterministically
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing the clock, which is what makes timeout
// and eviction tests reliable.
package clock
