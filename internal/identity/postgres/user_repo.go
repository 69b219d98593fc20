// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package postgres implements the identity repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

// UserRepository implements identity.UserRepository using PostgreSQL.
type UserRepository struct {
	db store.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db store.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, password_hash, account_id, role, rl_bypass, theme_preference, created_at, updated_at`

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO website_users (
			email, password_hash, account_id, role, rl_bypass,
			theme_preference, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		user.Email,
		user.PasswordHash,
		user.AccountID,
		string(user.Role),
		user.RateBypass,
		user.ThemePreference,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err := row.Scan(&user.ID); err != nil {
		if isUniqueViolation(err) {
			return identity.ErrEmailTaken
		}
		return oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("email", user.Email).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*identity.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM website_users
		WHERE id = $1
	`, id)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").
			With("id", id).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_ID_FAILED").
			With("operation", "get user by id").
			With("id", id).
			Wrap(err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM website_users
		WHERE LOWER(email) = LOWER($1)
	`, email)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").
			With("email", email).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_EMAIL_FAILED").
			With("operation", "get user by email").
			With("email", email).
			Wrap(err)
	}
	return user, nil
}

// GetByAccountID retrieves the user linked to a legacy account.
func (r *UserRepository) GetByAccountID(ctx context.Context, accountID int64) (*identity.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM website_users
		WHERE account_id = $1
	`, accountID)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").
			With("account_id", accountID).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_ACCOUNT_FAILED").
			With("operation", "get user by account id").
			With("account_id", accountID).
			Wrap(err)
	}
	return user, nil
}

// Update updates an existing user.
func (r *UserRepository) Update(ctx context.Context, user *identity.User) error {
	result, err := r.db.Exec(ctx, `
		UPDATE website_users SET
			email = $2,
			password_hash = $3,
			account_id = $4,
			role = $5,
			rl_bypass = $6,
			theme_preference = $7,
			updated_at = $8
		WHERE id = $1
	`,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.AccountID,
		string(user.Role),
		user.RateBypass,
		user.ThemePreference,
		time.Now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrEmailTaken
		}
		return oops.Code("USER_UPDATE_FAILED").
			With("operation", "update user").
			With("id", user.ID).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").
			With("id", user.ID).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// UpdatePassword updates only the password hash for a user.
func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE website_users SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, time.Now())
	if err != nil {
		return oops.Code("USER_UPDATE_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", id).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").
			With("id", id).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// SetAccountID links or unlinks the legacy account.
func (r *UserRepository) SetAccountID(ctx context.Context, id int64, accountID *int64) error {
	result, err := r.db.Exec(ctx, `
		UPDATE website_users SET account_id = $2, updated_at = $3
		WHERE id = $1
	`, id, accountID, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrAccountNotLinkable
		}
		return oops.Code("USER_SET_ACCOUNT_FAILED").
			With("operation", "set account id").
			With("id", id).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").
			With("id", id).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// ListByAccountIDs retrieves users linked to any of the given accounts,
// ordered by ascending user ID.
func (r *UserRepository) ListByAccountIDs(ctx context.Context, accountIDs []int64) ([]*identity.User, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+userColumns+`
		FROM website_users
		WHERE account_id = ANY($1)
		ORDER BY id ASC
	`, accountIDs)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").
			With("operation", "list users by account ids").
			Wrap(err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

// SearchByEmail finds users whose email contains the fragment.
func (r *UserRepository) SearchByEmail(ctx context.Context, fragment string, limit int) ([]*identity.User, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+userColumns+`
		FROM website_users
		WHERE email ILIKE '%' || $1 || '%'
		ORDER BY id ASC
		LIMIT $2
	`, fragment, limit)
	if err != nil {
		return nil, oops.Code("USER_SEARCH_FAILED").
			With("operation", "search users by email").
			Wrap(err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]*identity.User, error) {
	var users []*identity.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("USER_SCAN_FAILED").
			With("operation", "iterate user rows").
			Wrap(err)
	}
	return users, nil
}

// scanUser scans a single row into a User.
// Callers are responsible for handling pgx.ErrNoRows.
func scanUser(row pgx.Row) (*identity.User, error) {
	var (
		user    identity.User
		roleStr string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.AccountID,
		&roleStr,
		&user.RateBypass,
		&user.ThemePreference,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("USER_SCAN_FAILED").
			With("operation", "scan user").
			Wrap(err)
	}
	user.Role = identity.ParseRole(roleStr)
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Compile-time interface check.
var _ identity.UserRepository = (*UserRepository)(nil)
