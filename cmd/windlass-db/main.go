// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// windlass-db is the operator tool for the Windlass database: schema
// migrations, snapshots, seeding, and maintenance. It is the only
// supported way to mutate the schema of a deployed database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/windlass-media/windlass/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root().Execute(ctx, os.Args[1:])
}
