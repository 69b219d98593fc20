// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package identity

import (
	"context"
	"regexp"
	"time"

	"github.com/samber/oops"
)

// Account name validation constraints.
const (
	MinAccountNameLength = 3
	MaxAccountNameLength = 20
)

var accountNameRegex = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Account mirrors a row in the legacy game server's accounts table. The
// concrete table and column names come from store.LegacySchema; the struct
// is the portal's fixed view of it.
type Account struct {
	ID       int64
	Name     string
	Password string
	Salt     string
	Email    string
	Creation int64

	// Recovery key fields live on the account row, next to the password
	// they unlock. Only the SHA-256 digest is ever stored.
	RecoveryKeyHash      []byte
	RecoveryKeyCreatedAt *time.Time
}

// HasRecoveryKey reports whether a recovery key is registered.
func (a *Account) HasRecoveryKey() bool {
	return len(a.RecoveryKeyHash) > 0
}

// ValidateAccountName validates a legacy account name.
// Names are 3 to 20 characters, letters and digits only.
func ValidateAccountName(name string) error {
	if len(name) < MinAccountNameLength || len(name) > MaxAccountNameLength {
		return oops.Code("IDENTITY_INVALID_ACCOUNT_NAME").
			With("min", MinAccountNameLength).
			With("max", MaxAccountNameLength).
			Errorf("account name must be %d to %d characters", MinAccountNameLength, MaxAccountNameLength)
	}
	if !accountNameRegex.MatchString(name) {
		return oops.Code("IDENTITY_INVALID_ACCOUNT_NAME").
			Errorf("account name may contain only letters and digits")
	}
	return nil
}

// AccountRepository manages legacy account persistence.
type AccountRepository interface {
	// Create stores a new account. Returns ErrAccountNameTaken on duplicate name.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID.
	GetByID(ctx context.Context, id int64) (*Account, error)

	// GetByName retrieves an account by exact name.
	GetByName(ctx context.Context, name string) (*Account, error)

	// GetByEmail retrieves an account by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// UpdatePassword sets the stored password and salt for an account.
	UpdatePassword(ctx context.Context, id int64, password, salt string) error

	// SetRecoveryKey stores a recovery key digest and stamps its creation
	// time, overwriting any prior key.
	SetRecoveryKey(ctx context.Context, id int64, hash []byte) error

	// ClearRecoveryKey nulls the recovery key digest and its timestamp.
	ClearRecoveryKey(ctx context.Context, id int64) error

	// SearchByName finds accounts whose name contains the fragment,
	// case-insensitively, capped at limit rows.
	SearchByName(ctx context.Context, fragment string, limit int) ([]*Account, error)
}
