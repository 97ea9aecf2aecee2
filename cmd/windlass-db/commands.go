// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/windlass-media/windlass/cmd/windlass-db/cli"
	"github.com/windlass-media/windlass/lib/appdb"
	"github.com/windlass-media/windlass/lib/config"
	"github.com/windlass-media/windlass/lib/sqlitedb"
)

// version is stamped by the release process; "dev" for local builds.
var version = "dev"

// root builds the complete windlass-db command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "windlass-db",
		Description: `windlass-db: Windlass database operations.

Apply schema migrations, take and restore snapshots, seed reference
data, and run storage maintenance against a Windlass database.`,
		Subcommands: []*cli.Command{
			migrateCommand(),
			rollbackCommand(),
			statusCommand(),
			statsCommand(),
			analyzeCommand(),
			vacuumCommand(),
			backupCommand(),
			restoreCommand(),
			seedCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string) error {
					fmt.Printf("windlass-db %s\n", version)
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Apply all pending migrations",
				Command:     "windlass-db migrate",
			},
			{
				Description: "Show migration state",
				Command:     "windlass-db status",
			},
			{
				Description: "Back up to the configured snapshot directory",
				Command:     "windlass-db backup",
			},
			{
				Description: "Restore a snapshot over a fresh database path",
				Command:     "windlass-db restore --from windlass-20260826.snap --force",
			},
			{
				Description: "Seed reference data from a JSONC file",
				Command:     "windlass-db seed --file seeds/defaults.jsonc",
			},
		},
	}
}

// globalFlags are the flags shared by every database-touching command.
// Each command registers them on its own flag set; there is no
// persistent-flag machinery.
type globalFlags struct {
	configPath string
	dbPath     string
	timeoutMs  int
}

func (g *globalFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "",
		"config file (defaults to $WINDLASS_CONFIG, then built-in defaults)")
	flagSet.StringVar(&g.dbPath, "db", "",
		"database file (overrides the configured path)")
	flagSet.IntVar(&g.timeoutMs, "timeout", 0,
		"overall operation timeout in milliseconds (0 means none)")
}

// loadConfig resolves configuration: explicit --config, then
// $WINDLASS_CONFIG, then built-in defaults. --db overrides the
// database path after loading.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case g.configPath != "":
		cfg, err = config.LoadFile(g.configPath)
	default:
		cfg, err = config.Load()
		if err != nil && g.dbPath != "" {
			// An explicit --db makes the config file optional.
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Database.Path = g.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withTimeout applies the --timeout flag to ctx.
func (g *globalFlags) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(g.timeoutMs)*time.Millisecond)
}

// openDB loads configuration and opens the application database.
// Callers must Close the returned DB.
func (g *globalFlags) openDB(logger *slog.Logger) (*appdb.DB, *config.Config, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, nil, err
	}
	db, err := appdb.Open(sqlitedb.Config{
		Path:           cfg.Database.Path,
		MaxConnections: cfg.Database.MaxConnections,
		AcquireTimeout: cfg.Database.AcquireTimeout(),
		IdleTimeout:    cfg.Database.IdleTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}
