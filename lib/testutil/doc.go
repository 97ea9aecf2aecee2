// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Windlass packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. The
// concurrency tests over the connection pool lean on these to assert
// waiter hand-off order without racing the scheduler.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Windlass-internal dependencies.
package testutil
