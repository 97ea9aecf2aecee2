// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/windlass-media/windlass/cmd/windlass-db/cli"
	"github.com/windlass-media/windlass/lib/appdb"
	"github.com/windlass-media/windlass/lib/sqlitedb"
)

func seedCommand() *cli.Command {
	flags := &globalFlags{}
	var filePath string
	return &cli.Command{
		Name:    "seed",
		Summary: "Upsert reference data from a seed file",
		Description: `Load a JSONC seed file and upsert its rows. Seeds are keyed on
declared conflict columns, so re-running the same file updates rows
in place instead of duplicating them. The schema must already be
migrated.`,
		Usage: "windlass-db seed --file <seeds.jsonc> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("seed", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&filePath, "file", "", "JSONC seed file")
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			if filePath == "" {
				return fmt.Errorf("seed: --file is required")
			}
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			seeds, err := appdb.LoadSeedFile(filePath)
			if err != nil {
				return err
			}

			logger := cli.NewCommandLogger().With("command", "seed")
			db, _, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			var applied int
			err = db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				var err error
				applied, err = appdb.ApplySeeds(ctx, conn, seeds)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("applied %d row(s) from %s\n", applied, filePath)
			return nil
		},
	}
}
