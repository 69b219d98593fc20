// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/credential"
)

// placeholderPassword is written to a freshly created legacy account before
// the real credential is set, so the row is never briefly loginable.
const placeholderPassword = "0000000000000000000000000000000000000000"

// maxNameAttempts bounds the probing loop when deriving a unique account name.
const maxNameAttempts = 50

// ResolverConfig carries the credential policy the resolver applies to the
// legacy store.
type ResolverConfig struct {
	Mode          credential.Mode
	WithSalt      bool
	AutoProvision bool
	MasterEmails  []string

	// Tx, when set, runs multi-row writes such as registration inside a
	// single transaction. A nil Tx applies each write directly.
	Tx Transactor
}

// Resolver bridges the website user store and the legacy account store.
// All lookups treat an email-shaped identifier as an email and anything
// else as a legacy account name.
type Resolver struct {
	users    UserRepository
	accounts AccountRepository
	hasher   credential.PasswordHasher
	cfg      ResolverConfig
}

// NewResolver creates a Resolver.
func NewResolver(users UserRepository, accounts AccountRepository, hasher credential.PasswordHasher, cfg ResolverConfig) *Resolver {
	return &Resolver{
		users:    users,
		accounts: accounts,
		hasher:   hasher,
		cfg:      cfg,
	}
}

// Match is the result of resolving an identifier: either side may be nil
// when only one store knows the identity.
type Match struct {
	User    *User
	Account *Account
}

// FindByIdentifier resolves an identifier to a website user and, where
// linked or discoverable, its legacy account.
func (r *Resolver) FindByIdentifier(ctx context.Context, identifier string) (*Match, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, oops.Code("IDENTITY_EMPTY_IDENTIFIER").Errorf("identifier cannot be empty")
	}

	if strings.Contains(identifier, "@") {
		return r.findByEmail(ctx, identifier)
	}
	return r.findByAccountName(ctx, identifier)
}

func (r *Resolver) findByEmail(ctx context.Context, email string) (*Match, error) {
	match := &Match{}

	user, err := r.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		match.User = user
		if user.AccountID != nil {
			account, err := r.accounts.GetByID(ctx, *user.AccountID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			match.Account = account
			return match, nil
		}
		// Unlinked user: surface a same-email legacy account so the
		// login path can link it.
		account, err := r.accounts.GetByEmail(ctx, email)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if account != nil {
			if holder, err := r.users.GetByAccountID(ctx, account.ID); err == nil && holder.ID != user.ID {
				account = nil
			} else if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
		match.Account = account
		return match, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	// No website user: the email may still belong to a legacy account.
	account, err := r.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	match.Account = account

	// The account may already be linked to a user under a different email.
	user, err = r.users.GetByAccountID(ctx, account.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	match.User = user
	return match, nil
}

func (r *Resolver) findByAccountName(ctx context.Context, name string) (*Match, error) {
	account, err := r.accounts.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	match := &Match{Account: account}
	user, err := r.users.GetByAccountID(ctx, account.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	match.User = user
	return match, nil
}

// Register creates a website user together with a fresh legacy account and
// links the two. An empty accountName derives one from the email.
func (r *Resolver) Register(ctx context.Context, email, password, accountName string) (*User, *Account, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, nil, err
	}

	if accountName == "" {
		derived, err := r.DeriveAccountName(ctx, email)
		if err != nil {
			return nil, nil, err
		}
		accountName = derived
	}
	if err := ValidateAccountName(accountName); err != nil {
		return nil, nil, err
	}

	if _, err := r.users.GetByEmail(ctx, email); err == nil {
		return nil, nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	passwordHash, err := r.hasher.Hash(password)
	if err != nil {
		return nil, nil, err
	}

	// Both rows commit together or not at all.
	account := &Account{
		Name:     accountName,
		Password: placeholderPassword,
		Email:    email,
		Creation: time.Now().Unix(),
	}
	user := &User{
		Email:        email,
		PasswordHash: passwordHash,
		Role:         RoleUser,
	}
	err = r.inTx(ctx, func(users UserRepository, accounts AccountRepository) error {
		if err := accounts.Create(ctx, account); err != nil {
			return err
		}
		if err := r.writeLegacyPassword(ctx, accounts, account, password); err != nil {
			return err
		}

		now := time.Now()
		user.AccountID = &account.ID
		user.CreatedAt = now
		user.UpdatedAt = now
		return users.Create(ctx, user)
	})
	if err != nil {
		return nil, nil, err
	}

	return user, account, nil
}

// inTx runs fn transactionally when a Transactor is configured, otherwise
// directly against the base repositories.
func (r *Resolver) inTx(ctx context.Context, fn func(users UserRepository, accounts AccountRepository) error) error {
	if r.cfg.Tx == nil {
		return fn(r.users, r.accounts)
	}
	return r.cfg.Tx.InTx(ctx, fn)
}

// AutoProvision creates a website user for an existing legacy account after
// a successful legacy login. Returns ErrAccountNotLinkable when provisioning
// is disabled and ErrNotFound when the account carries no email to provision
// from.
func (r *Resolver) AutoProvision(ctx context.Context, account *Account, password string) (*User, error) {
	if !r.cfg.AutoProvision {
		return nil, ErrAccountNotLinkable
	}
	if account.Email == "" {
		return nil, ErrNotFound
	}

	if existing, err := r.users.GetByAccountID(ctx, account.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if _, err := r.users.GetByEmail(ctx, account.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	passwordHash, err := r.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &User{
		Email:        account.Email,
		PasswordHash: passwordHash,
		AccountID:    &account.ID,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// LinkAccount attaches an existing legacy account to user after verifying
// the account's own password. Accounts already held by another user return
// ErrAccountNotLinkable.
func (r *Resolver) LinkAccount(ctx context.Context, user *User, accountName, password string) (*Account, error) {
	account, err := r.accounts.GetByName(ctx, accountName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, _, err := credential.VerifyLegacyAny(r.cfg.Mode, password, account.Password, account.Salt, r.cfg.WithSalt, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	holder, err := r.users.GetByAccountID(ctx, account.ID)
	if err == nil {
		if holder.ID == user.ID {
			return account, nil
		}
		return nil, ErrAccountNotLinkable
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if user.AccountID != nil && *user.AccountID != account.ID {
		return nil, ErrAccountNotLinkable
	}

	if err := r.users.SetAccountID(ctx, user.ID, &account.ID); err != nil {
		return nil, err
	}
	user.AccountID = &account.ID
	return account, nil
}

// SetLegacyPassword writes a fresh credential for the account using the
// configured mode, generating a new salt when the schema stores one.
func (r *Resolver) SetLegacyPassword(ctx context.Context, account *Account, password string) error {
	return r.setLegacyPassword(ctx, account, password)
}

// SetLegacyPasswordIn is SetLegacyPassword writing through the given
// repository, for callers holding transaction-scoped repositories.
func (r *Resolver) SetLegacyPasswordIn(ctx context.Context, accounts AccountRepository, account *Account, password string) error {
	return r.writeLegacyPassword(ctx, accounts, account, password)
}

func (r *Resolver) setLegacyPassword(ctx context.Context, account *Account, password string) error {
	return r.writeLegacyPassword(ctx, r.accounts, account, password)
}

func (r *Resolver) writeLegacyPassword(ctx context.Context, accounts AccountRepository, account *Account, password string) error {
	salt := ""
	if r.cfg.WithSalt {
		generated, err := credential.GenerateSalt()
		if err != nil {
			return err
		}
		salt = generated
	}

	stored, err := credential.ComputeLegacy(r.cfg.Mode, password, salt, r.cfg.WithSalt)
	if err != nil {
		return err
	}

	if err := accounts.UpdatePassword(ctx, account.ID, stored, salt); err != nil {
		return err
	}
	account.Password = stored
	account.Salt = salt
	return nil
}

// DeriveAccountName builds an unused account name from the email's local
// part, keeping letters and digits and probing numeric suffixes until a
// free name is found.
func (r *Resolver) DeriveAccountName(ctx context.Context, email string) (string, error) {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, c := range local {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		}
	}
	base := b.String()
	if len(base) < MinAccountNameLength {
		base = "player" + base
	}
	if len(base) > MaxAccountNameLength {
		base = base[:MaxAccountNameLength]
	}

	candidate := base
	for i := 1; i <= maxNameAttempts; i++ {
		_, err := r.accounts.GetByName(ctx, candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}

		suffix := fmt.Sprintf("%d", i)
		trimmed := base
		if len(trimmed)+len(suffix) > MaxAccountNameLength {
			trimmed = trimmed[:MaxAccountNameLength-len(suffix)]
		}
		candidate = trimmed + suffix
	}
	return "", oops.Code("IDENTITY_NAME_EXHAUSTED").
		With("base", base).
		Errorf("could not derive a free account name")
}
