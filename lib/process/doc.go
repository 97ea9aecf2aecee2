// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Windlass
// binaries. It centralizes the one legitimate raw I/O pattern that
// exists before the structured logger: fatal error reporting to
// stderr from main() when run() fails. All other output in binaries
// goes through the structured logger or the command's own writer.
package process
