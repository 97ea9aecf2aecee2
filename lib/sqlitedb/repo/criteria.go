// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/windlass-media/windlass/lib/sqlitedb"
)

// Criteria describes a structured query over one table. Repositories
// compile it to SQL; callers never write SQL text themselves.
//
// Where maps column name to a match value. A scalar compiles to
// equality, nil to IS NULL, and a slice to IN (...). An empty map
// omits the WHERE clause entirely. Values always travel as bound
// parameters.
type Criteria struct {
	// Where filters rows. Keys must be plain column identifiers.
	Where map[string]any

	// OrderBy is a column name with an optional ASC or DESC suffix,
	// e.g. "priority DESC". Empty leaves the result in table order.
	OrderBy string

	// Limit caps the result size. Zero means no limit.
	Limit int

	// Offset skips leading rows. Zero means no offset. Offset without
	// Limit compiles to LIMIT -1 OFFSET n, which SQLite requires.
	Offset int
}

// selectBuilder compiles criteria onto a SELECT of columns from table.
func (c Criteria) selectBuilder(columns, table string) (sq.SelectBuilder, error) {
	builder := sq.Select(columns).From(table)

	for column := range c.Where {
		if err := sqlitedb.CheckIdentifier("column", column); err != nil {
			return builder, err
		}
	}
	if len(c.Where) > 0 {
		// sq.Eq sorts its keys, so the generated SQL is deterministic
		// for a given criteria shape. nil compiles to IS NULL, slices
		// to IN (...).
		builder = builder.Where(sq.Eq(c.Where))
	}

	if c.OrderBy != "" {
		orderBy, err := parseOrderBy(c.OrderBy)
		if err != nil {
			return builder, err
		}
		builder = builder.OrderBy(orderBy)
	}

	switch {
	case c.Limit > 0:
		builder = builder.Limit(uint64(c.Limit))
		if c.Offset > 0 {
			builder = builder.Offset(uint64(c.Offset))
		}
	case c.Offset > 0:
		// SQLite accepts OFFSET only after a LIMIT; -1 means unlimited.
		builder = builder.Suffix("LIMIT -1 OFFSET ?", c.Offset)
	}

	return builder, nil
}

// parseOrderBy validates a "column [ASC|DESC]" clause and returns it
// in canonical form. Anything else is a ConfigurationError: ORDER BY
// terms cannot be bound as parameters, so they are allowlisted instead.
func parseOrderBy(clause string) (string, error) {
	fields := strings.Fields(clause)
	switch len(fields) {
	case 1:
		if err := sqlitedb.CheckIdentifier("order by column", fields[0]); err != nil {
			return "", err
		}
		return fields[0], nil
	case 2:
		if err := sqlitedb.CheckIdentifier("order by column", fields[0]); err != nil {
			return "", err
		}
		direction := strings.ToUpper(fields[1])
		if direction != "ASC" && direction != "DESC" {
			return "", &sqlitedb.ConfigurationError{
				Reason: fmt.Sprintf("order by direction %q must be ASC or DESC", fields[1]),
			}
		}
		return fields[0] + " " + direction, nil
	default:
		return "", &sqlitedb.ConfigurationError{
			Reason: fmt.Sprintf("malformed order by clause %q", clause),
		}
	}
}
