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
	"github.com/windlass-media/windlass/lib/sqlitedb/batch"
)

func statsCommand() *cli.Command {
	flags := &globalFlags{}
	return &cli.Command{
		Name:    "stats",
		Summary: "Show pool and table statistics",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "stats")
			db, cfg, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				poolStats := db.Pool.Stats()
				fmt.Printf("database: %s\n", cfg.Database.Path)
				fmt.Printf("pool: %d open, %d idle, %d waiting\n\n",
					poolStats.Total, poolStats.Available, poolStats.Pending)

				rows, err := conn.FetchAll(
					`SELECT name FROM sqlite_master
					 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
					 ORDER BY name`)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "TABLE\tROWS")
				for _, row := range rows {
					table := row["name"].(string)
					stats, err := batch.Stats(ctx, conn, table)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%d\n", table, stats.RowCount)
				}
				if err := tw.Flush(); err != nil {
					return err
				}

				// Size is a whole-file figure, not per table.
				row, ok, err := conn.FetchOne(
					"SELECT page_count * page_size AS bytes FROM pragma_page_count(), pragma_page_size()",
				)
				if err != nil {
					return err
				}
				if ok {
					fmt.Printf("\ndatabase size: %d bytes\n", row["bytes"].(int64))
				}
				return nil
			})
		},
	}
}

func analyzeCommand() *cli.Command {
	flags := &globalFlags{}
	return &cli.Command{
		Name:    "analyze",
		Summary: "Refresh query-planner statistics",
		Usage:   "windlass-db analyze [table] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("analyze", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			table := ""
			if len(args) > 0 {
				table = args[0]
			}
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "analyze")
			db, _, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			err = db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				return batch.Analyze(ctx, conn, table)
			})
			if err != nil {
				return err
			}
			if table != "" {
				fmt.Printf("analyzed %s\n", table)
			} else {
				fmt.Println("analyzed all tables")
			}
			return nil
		},
	}
}

func vacuumCommand() *cli.Command {
	flags := &globalFlags{}
	return &cli.Command{
		Name:    "vacuum",
		Summary: "Rebuild the database file to reclaim space",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("vacuum", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "vacuum")
			db, _, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			err = db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				return batch.Vacuum(ctx, conn)
			})
			if err != nil {
				return err
			}
			fmt.Println("vacuum complete")
			return nil
		},
	}
}
