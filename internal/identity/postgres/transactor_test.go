// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

func TestNewTransactor_RejectsInvalidSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	schema := store.DefaultLegacySchema()
	schema.Table = "accounts; DROP TABLE users--"

	_, err = NewTransactor(mock, schema)
	assert.Error(t, err)
}

func TestTransactor_InTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits after fn succeeds", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE accounts SET password = \$2 WHERE id = \$1`).
			WithArgs(int64(7), "cafef00d").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		tr, err := NewTransactor(mock, store.DefaultLegacySchema())
		require.NoError(t, err)

		err = tr.InTx(ctx, func(_ identity.UserRepository, accounts identity.AccountRepository) error {
			return accounts.UpdatePassword(ctx, 7, "cafef00d", "")
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		tr, err := NewTransactor(mock, store.DefaultLegacySchema())
		require.NoError(t, err)

		boom := errors.New("boom")
		err = tr.InTx(ctx, func(identity.UserRepository, identity.AccountRepository) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure surfaces", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

		tr, err := NewTransactor(mock, store.DefaultLegacySchema())
		require.NoError(t, err)

		called := false
		err = tr.InTx(ctx, func(identity.UserRepository, identity.AccountRepository) error {
			called = true
			return nil
		})
		assert.Error(t, err)
		assert.False(t, called)
	})
}
