// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package merge

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/identity/mocks"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

type captureSink struct {
	entries []audit.Entry
}

func (s *captureSink) Write(_ context.Context, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

type engineFixture struct {
	engine   *Engine
	db       pgxmock.PgxPoolIface
	users    *mocks.MockUserRepository
	accounts *mocks.MockAccountRepository
	sink     *captureSink
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	db, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(db.Close)

	f := &engineFixture{
		db:       db,
		users:    mocks.NewMockUserRepository(t),
		accounts: mocks.NewMockAccountRepository(t),
		sink:     &captureSink{},
	}
	logger := slog.New(slog.DiscardHandler)
	f.engine, err = NewEngine(db, f.users, f.accounts, store.DefaultLegacySchema(),
		audit.NewRecorder(f.sink, logger), []string{"boss@example.com"}, logger)
	require.NoError(t, err)
	return f
}

func TestPreviewMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("sums balances and orders across the linked set", func(t *testing.T) {
		f := newEngine(t)
		accountID := int64(7)

		f.users.On("GetByID", mock.Anything, int64(1)).
			Return(&identity.User{ID: 1, Email: "target@b.com", AccountID: &accountID}, nil)
		f.accounts.On("GetByID", mock.Anything, accountID).
			Return(&identity.Account{ID: accountID, Name: "hero"}, nil)
		f.users.On("ListByAccountIDs", mock.Anything, []int64{accountID}).
			Return([]*identity.User{
				{ID: 1, Email: "target@b.com", AccountID: &accountID},
				{ID: 2, Email: "a@b.com", AccountID: &accountID},
				{ID: 3, Email: "b@b.com", AccountID: &accountID},
			}, nil)

		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(10)))
		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(2)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(5)))
		f.db.ExpectQuery(`SELECT COUNT\(\*\) FROM shop_orders`).
			WithArgs(int64(2)).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))
		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(3)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(7)))
		f.db.ExpectQuery(`SELECT COUNT\(\*\) FROM shop_orders`).
			WithArgs(int64(3)).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

		p, err := f.engine.PreviewMerge(ctx, 1, accountID)
		require.NoError(t, err)
		assert.Equal(t, "hero", p.AccountName)
		assert.Equal(t, int64(10), p.TargetBalance)
		assert.Equal(t, int64(22), p.MergedBalance)
		assert.Equal(t, int64(3), p.OrdersToMove)
		require.Len(t, p.LinkedUsers, 2, "the target itself must not appear as a source")
		assert.Equal(t, int64(2), p.LinkedUsers[0].ID)
		assert.Equal(t, int64(3), p.LinkedUsers[1].ID)
		assert.NoError(t, f.db.ExpectationsWereMet())
	})

	t.Run("unknown target is not found", func(t *testing.T) {
		f := newEngine(t)

		f.users.On("GetByID", mock.Anything, int64(1)).Return(nil, identity.ErrNotFound)

		_, err := f.engine.PreviewMerge(ctx, 1, 7)
		assert.ErrorIs(t, err, identity.ErrNotFound)
	})

	t.Run("unknown account is not found", func(t *testing.T) {
		f := newEngine(t)

		f.users.On("GetByID", mock.Anything, int64(1)).
			Return(&identity.User{ID: 1, Email: "target@b.com"}, nil)
		f.accounts.On("GetByID", mock.Anything, int64(7)).Return(nil, identity.ErrNotFound)

		_, err := f.engine.PreviewMerge(ctx, 1, 7)
		assert.ErrorIs(t, err, identity.ErrNotFound)
	})
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	actor := &identity.User{ID: 99, Email: "boss@example.com", Role: identity.RoleAdmin}

	t.Run("folds the linked set into the target and audits", func(t *testing.T) {
		f := newEngine(t)
		accountID := int64(7)

		f.db.ExpectBegin()
		f.db.ExpectQuery(`SELECT email, account_id FROM website_users`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"email", "account_id"}).
				AddRow("target@b.com", (*int64)(nil)))
		f.db.ExpectQuery(`SELECT name FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(accountID).
			WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("hero"))
		f.db.ExpectQuery(`SELECT id, email FROM website_users`).
			WithArgs(accountID, int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "email"}).
				AddRow(int64(2), "a@b.com").
				AddRow(int64(3), "b@b.com"))
		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(10)))

		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(2)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(5)))
		f.db.ExpectExec(`UPDATE shop_orders SET user_id`).
			WithArgs(int64(1), int64(2)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))
		f.db.ExpectExec(`DELETE FROM coin_balances`).
			WithArgs(int64(2)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(3)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(7)))
		f.db.ExpectExec(`UPDATE shop_orders SET user_id`).
			WithArgs(int64(1), int64(3)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		f.db.ExpectExec(`DELETE FROM coin_balances`).
			WithArgs(int64(3)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		f.db.ExpectExec(`UPDATE coin_balances SET balance = \$2`).
			WithArgs(int64(1), int64(22)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		f.db.ExpectExec(`UPDATE website_users SET account_id = NULL`).
			WithArgs(int64(2)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		f.db.ExpectExec(`DELETE FROM website_sessions`).
			WithArgs(int64(2)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		f.db.ExpectExec(`UPDATE website_users SET account_id = NULL`).
			WithArgs(int64(3)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		f.db.ExpectExec(`DELETE FROM website_sessions`).
			WithArgs(int64(3)).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		f.db.ExpectExec(`UPDATE website_users SET account_id = \$2`).
			WithArgs(int64(1), accountID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		f.db.ExpectCommit()

		require.NoError(t, f.engine.Merge(ctx, 1, accountID, actor, "203.0.113.9"))
		assert.NoError(t, f.db.ExpectationsWereMet())

		require.Len(t, f.sink.entries, 1)
		entry := f.sink.entries[0]
		assert.Equal(t, audit.ActionAccountsMerged, entry.Action)
		assert.Equal(t, int64(99), *entry.UserID)
		assert.Equal(t, int64(1), entry.Detail["target_user"])
		assert.Equal(t, 2, entry.Detail["merged_users"])
		assert.Equal(t, true, entry.Detail["a_is_master"])

		before := entry.Before["target"].(map[string]any)
		assert.Equal(t, int64(10), before["balance"])
		after := entry.After["target"].(map[string]any)
		assert.Equal(t, int64(22), after["balance"])
		assert.Equal(t, int64(3), entry.After["moved_orders"])
		assert.Len(t, entry.Before["linked_users"], 2)
	})

	t.Run("re-running a finished merge changes nothing", func(t *testing.T) {
		f := newEngine(t)
		accountID := int64(7)

		f.db.ExpectBegin()
		f.db.ExpectQuery(`SELECT email, account_id FROM website_users`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"email", "account_id"}).
				AddRow("target@b.com", &accountID))
		f.db.ExpectQuery(`SELECT name FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(accountID).
			WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("hero"))
		f.db.ExpectQuery(`SELECT id, email FROM website_users`).
			WithArgs(accountID, int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "email"}))
		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}))
		f.db.ExpectExec(`UPDATE website_users SET account_id = \$2`).
			WithArgs(int64(1), accountID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		f.db.ExpectCommit()

		require.NoError(t, f.engine.Merge(ctx, 1, accountID, actor, "203.0.113.9"))
		assert.NoError(t, f.db.ExpectationsWereMet())

		require.Len(t, f.sink.entries, 1)
		assert.Equal(t, 0, f.sink.entries[0].Detail["merged_users"])
	})

	t.Run("unknown account is not found", func(t *testing.T) {
		f := newEngine(t)

		f.db.ExpectBegin()
		f.db.ExpectQuery(`SELECT email, account_id FROM website_users`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"email", "account_id"}).
				AddRow("target@b.com", (*int64)(nil)))
		f.db.ExpectQuery(`SELECT name FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(int64(7)).
			WillReturnRows(pgxmock.NewRows([]string{"name"}))
		f.db.ExpectRollback()

		err := f.engine.Merge(ctx, 1, 7, actor, "203.0.113.9")
		assert.ErrorIs(t, err, identity.ErrNotFound)
		assert.Empty(t, f.sink.entries)
	})

	t.Run("storage failure rolls back with a generic error", func(t *testing.T) {
		f := newEngine(t)

		f.db.ExpectBegin()
		f.db.ExpectQuery(`SELECT email, account_id FROM website_users`).
			WithArgs(int64(1)).
			WillReturnError(errors.New("deadlock detected"))
		f.db.ExpectRollback()

		err := f.engine.Merge(ctx, 1, 7, actor, "203.0.113.9")
		assert.ErrorIs(t, err, ErrMergeFailed)
		assert.NotContains(t, err.Error(), "deadlock", "storage detail must not leak")
		assert.Empty(t, f.sink.entries)
	})

	t.Run("non-owner actor is not recorded as master", func(t *testing.T) {
		f := newEngine(t)
		accountID := int64(7)

		f.db.ExpectBegin()
		f.db.ExpectQuery(`SELECT email, account_id FROM website_users`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"email", "account_id"}).
				AddRow("target@b.com", &accountID))
		f.db.ExpectQuery(`SELECT name FROM accounts WHERE id = \$1 FOR UPDATE`).
			WithArgs(accountID).
			WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("hero"))
		f.db.ExpectQuery(`SELECT id, email FROM website_users`).
			WithArgs(accountID, int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "email"}))
		f.db.ExpectQuery(`SELECT balance FROM coin_balances`).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"balance"}))
		f.db.ExpectExec(`UPDATE website_users SET account_id = \$2`).
			WithArgs(int64(1), accountID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		f.db.ExpectCommit()

		plainAdmin := &identity.User{ID: 44, Email: "mod@example.com", Role: identity.RoleAdmin}
		require.NoError(t, f.engine.Merge(ctx, 1, accountID, plainAdmin, ""))

		require.Len(t, f.sink.entries, 1)
		assert.Equal(t, false, f.sink.entries[0].Detail["a_is_master"])
	})
}
