// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitedb

import (
	"fmt"
	"regexp"
	"time"
)

// identifierPattern matches SQL identifiers the query builders accept:
// table names, column names, and dotted table.column references.
// Anything else is rejected before reaching the store, so caller input
// can never smuggle SQL through an identifier position (values always
// travel as bound parameters and need no such check).
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// ValidIdentifier reports whether name is a safe SQL identifier.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// CheckIdentifier returns a ConfigurationError when name is not a safe
// SQL identifier. kind names the identifier's role ("table", "column")
// for the error message.
func CheckIdentifier(kind, name string) error {
	if !ValidIdentifier(name) {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid %s identifier %q", kind, name)}
	}
	return nil
}

// ParseTime converts a timestamp value read from a Row into time.Time.
// The store writes timestamps as UTC text in TimeLayout (the shape
// CURRENT_TIMESTAMP produces); integer values are accepted as Unix
// seconds for columns populated outside the core.
func ParseTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case string:
		t, err := time.ParseInLocation(TimeLayout, v, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("sqlitedb: parsing timestamp %q: %w", v, err)
		}
		return t, nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("sqlitedb: timestamp has unexpected type %T", value)
	}
}
