// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package identity holds the portal's user and legacy account models and
// the resolver that bridges the two stores.
package identity

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Role is an ordered portal role. Higher values subsume lower ones.
type Role string

const (
	RoleUser  Role = "user"
	RoleMod   Role = "mod"
	RoleGM    Role = "gm"
	RoleAdmin Role = "admin"
	RoleOwner Role = "owner"
)

var roleRank = map[Role]int{
	RoleUser:  0,
	RoleMod:   1,
	RoleGM:    2,
	RoleAdmin: 3,
	RoleOwner: 4,
}

// ParseRole validates a stored role string, defaulting unknown values to user.
func ParseRole(s string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; ok {
		return r
	}
	return RoleUser
}

// AtLeast reports whether r grants at least the privileges of want.
func (r Role) AtLeast(want Role) bool {
	return roleRank[r] >= roleRank[want]
}

// MinPasswordLength is the minimum accepted portal password length.
const MinPasswordLength = 8

// User is a website identity. AccountID is nil until the user is linked
// to a legacy game account.
type User struct {
	ID              int64
	Email           string
	PasswordHash    string
	AccountID       *int64
	Role            Role
	RateBypass      bool
	ThemePreference string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EffectiveRole returns the user's role, promoted to owner when the email
// is on the configured master list.
func (u *User) EffectiveRole(masterEmails []string) Role {
	for _, m := range masterEmails {
		if strings.EqualFold(u.Email, m) {
			return RoleOwner
		}
	}
	return u.Role
}

// ValidateEmail checks that email parses as a bare RFC 5322 address.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return oops.Code("IDENTITY_INVALID_EMAIL").Errorf("invalid email address")
	}
	return nil
}

// ValidatePassword enforces the minimum length. No composition rules.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return oops.Code("IDENTITY_INVALID_PASSWORD").
			With("min", MinPasswordLength).
			Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// UserRepository manages website user persistence.
type UserRepository interface {
	// Create stores a new user. Returns ErrEmailTaken on duplicate email.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id int64) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*User, error)

	// GetByAccountID retrieves the user linked to a legacy account.
	GetByAccountID(ctx context.Context, accountID int64) (*User, error)

	// Update updates an existing user.
	Update(ctx context.Context, user *User) error

	// UpdatePassword updates only the password hash for a user.
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error

	// SetAccountID links or unlinks (nil) the legacy account.
	SetAccountID(ctx context.Context, id int64, accountID *int64) error

	// ListByAccountIDs retrieves all users linked to any of the given
	// accounts, ordered by ascending user ID.
	ListByAccountIDs(ctx context.Context, accountIDs []int64) ([]*User, error)

	// SearchByEmail finds users whose email contains the fragment,
	// case-insensitively, capped at limit rows.
	SearchByEmail(ctx context.Context, fragment string, limit int) ([]*User, error)
}
