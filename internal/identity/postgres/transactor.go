// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package postgres

import (
	"context"

	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

// Transactor implements identity.Transactor: it opens one transaction and
// hands fn repositories bound to it, so multi-step identity mutations
// commit or roll back as a unit.
type Transactor struct {
	db     store.DB
	schema store.LegacySchema
}

// NewTransactor creates a Transactor. The schema must have been validated.
func NewTransactor(db store.DB, schema store.LegacySchema) (*Transactor, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Transactor{db: db, schema: schema}, nil
}

// InTx runs fn with transaction-scoped repositories.
func (t *Transactor) InTx(ctx context.Context, fn func(users identity.UserRepository, accounts identity.AccountRepository) error) error {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").
			With("operation", "begin identity transaction").
			Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	accounts, err := NewAccountRepository(tx, t.schema)
	if err != nil {
		return err
	}
	if err := fn(NewUserRepository(tx), accounts); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").
			With("operation", "commit identity transaction").
			Wrap(err)
	}
	return nil
}

// Compile-time interface check.
var _ identity.Transactor = (*Transactor)(nil)
