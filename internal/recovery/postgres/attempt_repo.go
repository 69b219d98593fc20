// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package postgres implements the recovery attempt store on PostgreSQL.
package postgres

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/recovery"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

// AttemptRepository implements recovery.AttemptRepository using PostgreSQL.
type AttemptRepository struct {
	db store.DB
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(db store.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// CountSince counts attempts for the account/address pair since the cutoff.
func (r *AttemptRepository) CountSince(ctx context.Context, accountName string, ip []byte, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM recovery_attempts
		WHERE account_name = $1 AND ip = $2 AND created_at >= $3
	`, accountName, ip, since).Scan(&count)
	if err != nil {
		return 0, oops.Code("RECOVERY_COUNT_FAILED").
			With("operation", "count recovery attempts").
			With("account_name", accountName).
			Wrap(err)
	}
	return count, nil
}

// Record stores one attempt.
func (r *AttemptRepository) Record(ctx context.Context, accountName string, ip []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO recovery_attempts (account_name, ip) VALUES ($1, $2)
	`, accountName, ip)
	if err != nil {
		return oops.Code("RECOVERY_RECORD_FAILED").
			With("operation", "insert recovery attempt").
			With("account_name", accountName).
			Wrap(err)
	}
	return nil
}

// DeleteBefore removes attempts older than the cutoff.
func (r *AttemptRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM recovery_attempts WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, oops.Code("RECOVERY_CLEANUP_FAILED").
			With("operation", "delete stale recovery attempts").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// Compile-time interface check.
var _ recovery.AttemptRepository = (*AttemptRepository)(nil)
