// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package merge collapses every website identity linked to a legacy account
// into one surviving user: shop orders, coin balances, and the account link
// all move to the target in a single transaction.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

// ErrMergeFailed is the only error detail exposed to callers. The real
// cause goes to the log; admin responses must not leak storage internals.
var ErrMergeFailed = oops.Code("MERGE_FAILED").Errorf("merge failed")

// LinkedUser is one website identity that would fold into the target.
type LinkedUser struct {
	ID      int64
	Email   string
	Balance int64
	Orders  int64
}

// Preview describes what a merge would do, for admin confirmation.
type Preview struct {
	TargetID      int64
	TargetEmail   string
	AccountID     int64
	AccountName   string
	LinkedUsers   []LinkedUser
	OrdersToMove  int64
	TargetBalance int64
	MergedBalance int64
}

// Engine performs identity merges. A merge takes a target website user and
// a legacy account, and folds every other website user linked to that
// account into the target.
type Engine struct {
	db           store.DB
	users        identity.UserRepository
	accounts     identity.AccountRepository
	schema       store.LegacySchema
	recorder     *audit.Recorder
	masterEmails []string
	logger       *slog.Logger
}

// NewEngine creates an Engine. A nil logger uses slog.Default.
func NewEngine(db store.DB, users identity.UserRepository, accounts identity.AccountRepository, schema store.LegacySchema, recorder *audit.Recorder, masterEmails []string, logger *slog.Logger) (*Engine, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:           db,
		users:        users,
		accounts:     accounts,
		schema:       schema,
		recorder:     recorder,
		masterEmails: masterEmails,
		logger:       logger,
	}, nil
}

// PreviewMerge reports what merging the account's linked identities into
// the target would change, without touching anything.
func (e *Engine) PreviewMerge(ctx context.Context, targetUserID, accountID int64) (*Preview, error) {
	target, err := e.users.GetByID(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		TargetID:    target.ID,
		TargetEmail: target.Email,
		AccountID:   account.ID,
		AccountName: account.Name,
	}

	p.TargetBalance, err = e.balance(ctx, target.ID)
	if err != nil {
		return nil, e.fail(ctx, "load target balance", err)
	}
	p.MergedBalance = p.TargetBalance

	linked, err := e.users.ListByAccountIDs(ctx, []int64{account.ID})
	if err != nil {
		return nil, err
	}
	for _, user := range linked {
		if user.ID == target.ID {
			continue
		}
		entry := LinkedUser{ID: user.ID, Email: user.Email}
		entry.Balance, err = e.balance(ctx, user.ID)
		if err != nil {
			return nil, e.fail(ctx, "load linked balance", err)
		}
		err = e.db.QueryRow(ctx, `
			SELECT COUNT(*) FROM shop_orders WHERE user_id = $1
		`, user.ID).Scan(&entry.Orders)
		if err != nil {
			return nil, e.fail(ctx, "count linked orders", err)
		}
		p.LinkedUsers = append(p.LinkedUsers, entry)
		p.OrdersToMove += entry.Orders
		p.MergedBalance += entry.Balance
	}
	return p, nil
}

func (e *Engine) balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := e.db.QueryRow(ctx, `
		SELECT balance FROM coin_balances WHERE user_id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// Merge folds every website identity linked to the account into the target
// user in one transaction. The target and account rows lock first, then the
// linked set in ascending ID order. Re-running a finished merge finds an
// empty linked set and succeeds without changes.
func (e *Engine) Merge(ctx context.Context, targetUserID, accountID int64, actor *identity.User, clientIP string) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return e.fail(ctx, "begin merge transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var targetEmail string
	var targetPrevAccount *int64
	err = tx.QueryRow(ctx, `
		SELECT email, account_id FROM website_users WHERE id = $1 FOR UPDATE
	`, targetUserID).Scan(&targetEmail, &targetPrevAccount)
	if err != nil {
		return e.fail(ctx, "lock target user", err)
	}

	// The accounts table is the game server's, located via the configured
	// schema. Identifiers were validated at startup.
	var accountName string
	err = tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = $1 FOR UPDATE",
		e.schema.NameCol, e.schema.Table, e.schema.IDCol,
	), accountID).Scan(&accountName)
	if err != nil {
		return e.fail(ctx, "lock legacy account", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, email FROM website_users
		WHERE account_id = $1 AND id <> $2
		ORDER BY id ASC
		FOR UPDATE
	`, accountID, targetUserID)
	if err != nil {
		return e.fail(ctx, "lock linked users", err)
	}
	var linked []LinkedUser
	for rows.Next() {
		var u LinkedUser
		if err := rows.Scan(&u.ID, &u.Email); err != nil {
			rows.Close()
			return e.fail(ctx, "scan linked user", err)
		}
		linked = append(linked, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return e.fail(ctx, "read linked users", err)
	}

	targetBalance, targetHadRow, err := lockBalance(ctx, tx, targetUserID)
	if err != nil {
		return e.fail(ctx, "lock target balance", err)
	}

	mergedBalance := targetBalance
	var sourceRows int
	var movedOrders int64
	for i := range linked {
		balance, hadRow, err := lockBalance(ctx, tx, linked[i].ID)
		if err != nil {
			return e.fail(ctx, "lock linked balance", err)
		}
		if hadRow {
			sourceRows++
		}
		linked[i].Balance = balance
		mergedBalance += balance

		result, err := tx.Exec(ctx, `
			UPDATE shop_orders SET user_id = $1 WHERE user_id = $2
		`, targetUserID, linked[i].ID)
		if err != nil {
			return e.fail(ctx, "reassign shop orders", err)
		}
		linked[i].Orders = result.RowsAffected()
		movedOrders += linked[i].Orders

		if _, err := tx.Exec(ctx, `
			DELETE FROM coin_balances WHERE user_id = $1
		`, linked[i].ID); err != nil {
			return e.fail(ctx, "drop linked balance", err)
		}
	}

	switch {
	case targetHadRow:
		if _, err := tx.Exec(ctx, `
			UPDATE coin_balances SET balance = $2, updated_at = now() WHERE user_id = $1
		`, targetUserID, mergedBalance); err != nil {
			return e.fail(ctx, "update target balance", err)
		}
	case sourceRows > 0:
		if _, err := tx.Exec(ctx, `
			INSERT INTO coin_balances (user_id, balance) VALUES ($1, $2)
		`, targetUserID, mergedBalance); err != nil {
			return e.fail(ctx, "insert target balance", err)
		}
	}

	for _, u := range linked {
		if _, err := tx.Exec(ctx, `
			UPDATE website_users SET account_id = NULL, updated_at = now() WHERE id = $1
		`, u.ID); err != nil {
			return e.fail(ctx, "unlink merged user", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM website_sessions WHERE user_id = $1
		`, u.ID); err != nil {
			return e.fail(ctx, "invalidate merged sessions", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE website_users SET account_id = $2, updated_at = now() WHERE id = $1
	`, targetUserID, accountID); err != nil {
		return e.fail(ctx, "link account to target", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return e.fail(ctx, "commit merge", err)
	}

	before := map[string]any{
		"target": map[string]any{
			"id":         targetUserID,
			"email":      targetEmail,
			"account_id": targetPrevAccount,
			"balance":    targetBalance,
		},
		"account": map[string]any{
			"id":   accountID,
			"name": accountName,
		},
		"linked_users": linkedSnapshot(linked),
	}
	after := map[string]any{
		"target": map[string]any{
			"id":         targetUserID,
			"account_id": accountID,
			"balance":    mergedBalance,
		},
		"moved_orders": movedOrders,
	}

	var actorID *int64
	aIsMaster := false
	if actor != nil {
		actorID = &actor.ID
		aIsMaster = actor.EffectiveRole(e.masterEmails) == identity.RoleOwner
	}
	e.recorder.Record(ctx, audit.Entry{
		UserID:    actorID,
		AccountID: &accountID,
		Action:    audit.ActionAccountsMerged,
		Detail: map[string]any{
			"target_user":  targetUserID,
			"merged_users": len(linked),
			"a_is_master":  aIsMaster,
		},
		Before: before,
		After:  after,
		IP:     clientIP,
	})
	return nil
}

// lockBalance locks the user's coin row and reports whether one exists.
func lockBalance(ctx context.Context, tx pgx.Tx, userID int64) (int64, bool, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM coin_balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func linkedSnapshot(linked []LinkedUser) []map[string]any {
	snapshot := make([]map[string]any, 0, len(linked))
	for _, u := range linked {
		snapshot = append(snapshot, map[string]any{
			"id":      u.ID,
			"email":   u.Email,
			"balance": u.Balance,
			"orders":  u.Orders,
		})
	}
	return snapshot
}

// fail logs the real cause and returns the generic merge error. Unknown
// users and accounts surface as not found so admins get a usable message
// for typos.
func (e *Engine) fail(ctx context.Context, operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return oops.Code("MERGE_TARGET_NOT_FOUND").
			With("operation", operation).
			Wrap(identity.ErrNotFound)
	}
	e.logger.ErrorContext(ctx, "merge operation failed",
		"operation", operation,
		"error", err)
	return ErrMergeFailed
}
