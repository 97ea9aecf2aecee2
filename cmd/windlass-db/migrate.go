// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/windlass-media/windlass/cmd/windlass-db/cli"
	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/sqlitedb/migrate"
)

func migrateCommand() *cli.Command {
	flags := &globalFlags{}
	return &cli.Command{
		Name:    "migrate",
		Summary: "Apply pending migrations",
		Description: `Apply every registered migration above the database's current
version, in ascending version order. Each migration runs in its own
transaction; a failure halts the run and leaves earlier migrations
applied.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "migrate")
			db, _, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.Migrate(ctx)
			if err != nil {
				return err
			}
			if applied == 0 {
				fmt.Println("database is up to date")
				return nil
			}
			fmt.Printf("applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func rollbackCommand() *cli.Command {
	flags := &globalFlags{}
	var steps int
	return &cli.Command{
		Name:    "rollback",
		Summary: "Roll back applied migrations",
		Description: `Roll back the most recently applied migration(s). Each step reverts
exactly one migration in its own transaction. Rolling back an empty
database is a no-op.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.IntVar(&steps, "steps", 1, "number of migrations to revert")
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			if steps < 1 {
				return fmt.Errorf("rollback: --steps must be at least 1, got %d", steps)
			}
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "rollback")
			db, _, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				for step := 0; step < steps; step++ {
					version, err := db.Manager.Rollback(ctx, conn)
					if err != nil {
						return err
					}
					if version == 0 {
						fmt.Println("nothing to roll back")
						return nil
					}
					fmt.Printf("rolled back migration %d\n", version)
				}
				return nil
			})
		},
	}
}

func statusCommand() *cli.Command {
	flags := &globalFlags{}
	return &cli.Command{
		Name:    "status",
		Summary: "Show migration state",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "status")
			db, cfg, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				status, err := db.Manager.Status(ctx, conn)
				if err != nil {
					return err
				}
				history, err := db.Manager.History(ctx, conn)
				if err != nil {
					return err
				}

				fmt.Printf("database: %s\n", cfg.Database.Path)
				fmt.Printf("current version: %d (%d applied, %d pending)\n\n",
					status.Current, status.Total-status.Pending, status.Pending)

				applied := make(map[int64]migrate.Applied, len(history))
				for _, record := range history {
					applied[record.Version] = record
				}

				tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tSTATE\tAPPLIED AT")
				for _, migration := range db.Manager.Registered() {
					if record, ok := applied[migration.Version]; ok {
						fmt.Fprintf(tw, "%d\t%s\tapplied\t%s\n",
							migration.Version, migration.Name, record.AppliedAt)
					} else {
						fmt.Fprintf(tw, "%d\t%s\tpending\t-\n",
							migration.Version, migration.Name)
					}
				}
				return tw.Flush()
			})
		},
	}
}
