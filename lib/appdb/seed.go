// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package appdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/windlass-media/windlass/lib/sqlitedb"
	"github.com/windlass-media/windlass/lib/sqlitedb/batch"
)

// Seed is one table's worth of seed rows. Rows upsert on
// ConflictColumns, so re-applying a seed file updates existing rows
// instead of duplicating them.
type Seed struct {
	// Table receives the rows.
	Table string `json:"table"`

	// ConflictColumns name the unique constraint that detects an
	// existing row.
	ConflictColumns []string `json:"conflict_columns"`

	// Rows are the column/value mappings to upsert.
	Rows []map[string]any `json:"rows"`
}

// ParseSeeds parses seed data. The format is JSONC — JSON with
// comments and trailing commas — so seed files can document
// themselves.
func ParseSeeds(data []byte) ([]Seed, error) {
	var seeds []Seed
	if err := json.Unmarshal(jsonc.ToJSON(data), &seeds); err != nil {
		return nil, fmt.Errorf("appdb: parsing seeds: %w", err)
	}
	for i, seed := range seeds {
		if seed.Table == "" {
			return nil, &sqlitedb.ConfigurationError{Reason: fmt.Sprintf("seed %d has no table", i)}
		}
		if len(seed.ConflictColumns) == 0 {
			return nil, &sqlitedb.ConfigurationError{
				Reason: fmt.Sprintf("seed for %s has no conflict columns", seed.Table),
			}
		}
	}
	return seeds, nil
}

// LoadSeedFile reads and parses a JSONC seed file.
func LoadSeedFile(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("appdb: reading seed file: %w", err)
	}
	return ParseSeeds(data)
}

// ApplySeeds upserts every seed's rows through the batch layer on the
// held connection. Returns the number of rows applied. Idempotent:
// re-applying updates matched rows in place.
func ApplySeeds(ctx context.Context, conn *sqlitedb.Conn, seeds []Seed) (int, error) {
	applied := 0
	for _, seed := range seeds {
		n, err := batch.Upsert(ctx, conn, seed.Table, seed.Rows,
			func(row map[string]any) (sqlitedb.Row, error) {
				return sqlitedb.Row(row), nil
			},
			seed.ConflictColumns, batch.Options{})
		applied += n
		if err != nil {
			return applied, fmt.Errorf("appdb: seeding %s: %w", seed.Table, err)
		}
	}
	return applied, nil
}
