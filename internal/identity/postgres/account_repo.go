// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

// AccountRepository implements identity.AccountRepository against the
// legacy accounts table. All SQL is built once at construction from the
// validated schema mapping; request paths only ever bind values.
type AccountRepository struct {
	db store.DB

	selectByID       string
	selectByName     string
	selectByEmail    string
	searchByName     string
	insert           string
	updatePass       string
	updatePassNoSalt string
	setRecoveryKey   string
	clearRecoveryKey string
	withSalt         bool
}

// NewAccountRepository creates an AccountRepository for the given schema
// mapping. The mapping must have been validated.
func NewAccountRepository(db store.DB, schema store.LegacySchema) (*AccountRepository, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	saltExpr := "''"
	if schema.WithSalt {
		saltExpr = schema.SaltCol
	}

	// The recovery columns are part of the portal's contract with the
	// accounts table and are not remappable; the game server never reads
	// them.
	columns := fmt.Sprintf("%s, %s, %s, %s, %s, %s, recovery_key_hash, recovery_key_created_at",
		schema.IDCol, schema.NameCol, schema.PasswordCol, saltExpr, schema.EmailCol, schema.CreationCol)

	r := &AccountRepository{
		db:       db,
		withSalt: schema.WithSalt,
		selectByID: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s = $1",
			columns, schema.Table, schema.IDCol),
		selectByName: fmt.Sprintf(
			"SELECT %s FROM %s WHERE LOWER(%s) = LOWER($1)",
			columns, schema.Table, schema.NameCol),
		selectByEmail: fmt.Sprintf(
			"SELECT %s FROM %s WHERE LOWER(%s) = LOWER($1)",
			columns, schema.Table, schema.EmailCol),
		searchByName: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ILIKE '%%' || $1 || '%%' ORDER BY %s ASC LIMIT $2",
			columns, schema.Table, schema.NameCol, schema.IDCol),
		updatePass: "",
		updatePassNoSalt: fmt.Sprintf(
			"UPDATE %s SET %s = $2 WHERE %s = $1",
			schema.Table, schema.PasswordCol, schema.IDCol),
		setRecoveryKey: fmt.Sprintf(
			"UPDATE %s SET recovery_key_hash = $2, recovery_key_created_at = now() WHERE %s = $1",
			schema.Table, schema.IDCol),
		clearRecoveryKey: fmt.Sprintf(
			"UPDATE %s SET recovery_key_hash = NULL, recovery_key_created_at = NULL WHERE %s = $1",
			schema.Table, schema.IDCol),
	}

	if schema.WithSalt {
		r.updatePass = fmt.Sprintf(
			"UPDATE %s SET %s = $2, %s = $3 WHERE %s = $1",
			schema.Table, schema.PasswordCol, schema.SaltCol, schema.IDCol)
		r.insert = fmt.Sprintf(
			"INSERT INTO %s (%s, %s, %s, %s, %s) VALUES ($1, $2, $3, $4, $5) RETURNING %s",
			schema.Table, schema.NameCol, schema.PasswordCol, schema.SaltCol,
			schema.EmailCol, schema.CreationCol, schema.IDCol)
	} else {
		r.insert = fmt.Sprintf(
			"INSERT INTO %s (%s, %s, %s, %s) VALUES ($1, $2, $3, $4) RETURNING %s",
			schema.Table, schema.NameCol, schema.PasswordCol,
			schema.EmailCol, schema.CreationCol, schema.IDCol)
	}

	return r, nil
}

// Create stores a new account.
func (r *AccountRepository) Create(ctx context.Context, account *identity.Account) error {
	var row pgx.Row
	if r.withSalt {
		row = r.db.QueryRow(ctx, r.insert,
			account.Name, account.Password, account.Salt, account.Email, account.Creation)
	} else {
		row = r.db.QueryRow(ctx, r.insert,
			account.Name, account.Password, account.Email, account.Creation)
	}
	if err := row.Scan(&account.ID); err != nil {
		if isUniqueViolation(err) {
			return identity.ErrAccountNameTaken
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("name", account.Name).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*identity.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, r.selectByID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_ID_FAILED").
			With("operation", "get account by id").
			With("id", id).
			Wrap(err)
	}
	return account, nil
}

// GetByName retrieves an account by name (case-insensitive).
func (r *AccountRepository) GetByName(ctx context.Context, name string) (*identity.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, r.selectByName, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("name", name).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_NAME_FAILED").
			With("operation", "get account by name").
			With("name", name).
			Wrap(err)
	}
	return account, nil
}

// GetByEmail retrieves an account by email (case-insensitive).
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*identity.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, r.selectByEmail, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("email", email).
			Wrap(identity.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_EMAIL_FAILED").
			With("operation", "get account by email").
			With("email", email).
			Wrap(err)
	}
	return account, nil
}

// UpdatePassword sets the stored password and salt for an account.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id int64, password, salt string) error {
	var err error
	var rowsAffected int64
	if r.withSalt {
		result, execErr := r.db.Exec(ctx, r.updatePass, id, password, salt)
		err = execErr
		rowsAffected = result.RowsAffected()
	} else {
		result, execErr := r.db.Exec(ctx, r.updatePassNoSalt, id, password)
		err = execErr
		rowsAffected = result.RowsAffected()
	}
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_PASSWORD_FAILED").
			With("operation", "update account password").
			With("id", id).
			Wrap(err)
	}
	if rowsAffected == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// SetRecoveryKey stores a recovery key digest with a fresh timestamp.
func (r *AccountRepository) SetRecoveryKey(ctx context.Context, id int64, hash []byte) error {
	result, err := r.db.Exec(ctx, r.setRecoveryKey, id, hash)
	if err != nil {
		return oops.Code("ACCOUNT_SET_RECOVERY_FAILED").
			With("operation", "set recovery key").
			With("id", id).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// ClearRecoveryKey nulls the recovery key digest and its timestamp.
func (r *AccountRepository) ClearRecoveryKey(ctx context.Context, id int64) error {
	result, err := r.db.Exec(ctx, r.clearRecoveryKey, id)
	if err != nil {
		return oops.Code("ACCOUNT_CLEAR_RECOVERY_FAILED").
			With("operation", "clear recovery key").
			With("id", id).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id).
			Wrap(identity.ErrNotFound)
	}
	return nil
}

// SearchByName finds accounts whose name contains the fragment.
func (r *AccountRepository) SearchByName(ctx context.Context, fragment string, limit int) ([]*identity.Account, error) {
	rows, err := r.db.Query(ctx, r.searchByName, fragment, limit)
	if err != nil {
		return nil, oops.Code("ACCOUNT_SEARCH_FAILED").
			With("operation", "search accounts by name").
			Wrap(err)
	}
	defer rows.Close()

	var accounts []*identity.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "iterate account rows").
			Wrap(err)
	}
	return accounts, nil
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*identity.Account, error) {
	var account identity.Account
	err := row.Scan(
		&account.ID,
		&account.Name,
		&account.Password,
		&account.Salt,
		&account.Email,
		&account.Creation,
		&account.RecoveryKeyHash,
		&account.RecoveryKeyCreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "scan account").
			Wrap(err)
	}
	return &account, nil
}

// Compile-time interface check.
var _ identity.AccountRepository = (*AccountRepository)(nil)
