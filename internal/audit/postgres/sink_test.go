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

	"github.com/Mystikil/Thenexusv2/internal/audit"
)

func TestSinkWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts row with detail json", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		userID := int64(3)
		accountID := int64(7)
		mock.ExpectExec(`INSERT INTO audit_log`).
			WithArgs(&userID, &accountID, "login", []byte(`{"mode":"tfs_md5"}`), []byte(nil), []byte(nil), "203.0.113.9").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		sink := NewSink(mock)
		err = sink.Write(ctx, audit.Entry{
			UserID:    &userID,
			AccountID: &accountID,
			Action:    "login",
			Detail:    map[string]any{"mode": "tfs_md5"},
			IP:        "203.0.113.9",
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil detail becomes empty object", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`INSERT INTO audit_log`).
			WithArgs((*int64)(nil), (*int64)(nil), "logout", []byte(`{}`), []byte(nil), []byte(nil), "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		sink := NewSink(mock)
		require.NoError(t, sink.Write(ctx, audit.Entry{Action: "logout"}))
	})

	t.Run("snapshots ride along when present", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`INSERT INTO audit_log`).
			WithArgs((*int64)(nil), (*int64)(nil), "accounts_merged", []byte(`{}`),
				[]byte(`{"balance":10}`), []byte(`{"balance":22}`), "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		sink := NewSink(mock)
		require.NoError(t, sink.Write(ctx, audit.Entry{
			Action: "accounts_merged",
			Before: map[string]any{"balance": 10},
			After:  map[string]any{"balance": 22},
		}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure surfaces to recorder", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`INSERT INTO audit_log`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("connection refused"))

		sink := NewSink(mock)
		err = sink.Write(ctx, audit.Entry{Action: "login"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}
