// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package store

import (
	"regexp"

	"github.com/samber/oops"
)

// identPattern matches safe SQL identifiers. Legacy table and column names
// come from configuration and are interpolated into query text, so they are
// validated once at startup and rejected otherwise.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LegacySchema maps the configurable legacy game-server accounts table onto
// the column roles this subsystem reads and writes. It is resolved once at
// startup and handed to the typed query layer; query text is never built from
// raw configuration strings at call time.
type LegacySchema struct {
	Table       string
	IDCol       string
	NameCol     string
	PasswordCol string
	SaltCol     string
	EmailCol    string
	CreationCol string

	// WithSalt reports whether the legacy server stores a per-account salt
	// that participates in password hashing.
	WithSalt bool
}

// DefaultLegacySchema returns the schema used by a stock TFS database.
func DefaultLegacySchema() LegacySchema {
	return LegacySchema{
		Table:       "accounts",
		IDCol:       "id",
		NameCol:     "name",
		PasswordCol: "password",
		SaltCol:     "salt",
		EmailCol:    "email",
		CreationCol: "creation",
	}
}

// Validate checks every identifier against the safe-identifier pattern.
func (s LegacySchema) Validate() error {
	idents := map[string]string{
		"table":        s.Table,
		"id_column":    s.IDCol,
		"name_column":  s.NameCol,
		"pass_column":  s.PasswordCol,
		"email_column": s.EmailCol,
	}
	if s.CreationCol != "" {
		idents["creation_column"] = s.CreationCol
	}
	if s.WithSalt {
		idents["salt_column"] = s.SaltCol
	}
	for field, ident := range idents {
		if ident == "" {
			return oops.Code("SCHEMA_INVALID").
				With("field", field).
				Errorf("legacy schema %s cannot be empty", field)
		}
		if !identPattern.MatchString(ident) {
			return oops.Code("SCHEMA_INVALID").
				With("field", field).
				With("identifier", ident).
				Errorf("legacy schema %s is not a valid SQL identifier", field)
		}
	}
	return nil
}
