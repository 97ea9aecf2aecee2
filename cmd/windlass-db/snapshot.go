// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/windlass-media/windlass/cmd/windlass-db/cli"
	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/sqlitedb/snapshot"
)

func backupCommand() *cli.Command {
	flags := &globalFlags{}
	var outPath string
	var compressionName string
	return &cli.Command{
		Name:    "backup",
		Summary: "Write a compressed snapshot",
		Description: `Take a consistent online snapshot of the database and write it as a
single checksummed file. The database stays readable while the
snapshot runs.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("backup", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&outPath, "out", "",
				"output file (defaults to a timestamped name in the snapshot directory)")
			flagSet.StringVar(&compressionName, "compression", "",
				"payload compression: zstd, lz4, or none (defaults to the configured value)")
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "backup")
			db, cfg, err := flags.openDB(logger)
			if err != nil {
				return err
			}
			defer db.Close()

			name := compressionName
			if name == "" {
				name = cfg.Snapshot.Compression
			}
			var opts snapshot.Options
			if name != "" {
				opts.Compression, err = snapshot.ParseCompression(name)
				if err != nil {
					return err
				}
			}

			if outPath == "" {
				stamp := time.Now().UTC().Format("20060102T150405Z")
				outPath = filepath.Join(cfg.Snapshot.Directory,
					fmt.Sprintf("windlass-%s.snap", stamp))
			}

			out, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("backup: creating %s: %w", outPath, err)
			}

			var header *snapshot.Header
			err = db.Pool.WithConnection(ctx, func(conn *sqlitedb.Conn) error {
				var err error
				header, err = snapshot.Create(ctx, conn, out, opts)
				return err
			})
			if err != nil {
				out.Close()
				os.Remove(outPath)
				return err
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("backup: closing %s: %w", outPath, err)
			}

			fmt.Printf("wrote %s (%d pages, %d bytes uncompressed, %s)\n",
				outPath, header.PageCount, header.UncompressedSize, header.Compression)
			return nil
		},
	}
}

func restoreCommand() *cli.Command {
	flags := &globalFlags{}
	var fromPath string
	var force bool
	return &cli.Command{
		Name:    "restore",
		Summary: "Restore the database from a snapshot",
		Description: `Verify a snapshot file end to end and atomically replace the
database file with its contents. Run this with the application
stopped; live connections will not observe the replacement.`,
		Usage: "windlass-db restore --from <file> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("restore", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&fromPath, "from", "", "snapshot file to restore")
			flagSet.BoolVar(&force, "force", false, "overwrite an existing database file")
			return flagSet
		},
		Run: func(ctx context.Context, _ []string) error {
			if fromPath == "" {
				return fmt.Errorf("restore: --from is required")
			}
			ctx, cancel := flags.withTimeout(ctx)
			defer cancel()

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}

			target := cfg.Database.Path
			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("restore: %s exists; pass --force to overwrite", target)
			}

			src, err := os.Open(fromPath)
			if err != nil {
				return fmt.Errorf("restore: opening %s: %w", fromPath, err)
			}
			defer src.Close()

			header, err := snapshot.Restore(ctx, src, target)
			if err != nil {
				return err
			}
			fmt.Printf("restored %s from snapshot taken %s (%d bytes)\n",
				target, header.CreatedAt.Format(time.RFC3339), header.UncompressedSize)
			return nil
		},
	}
}
