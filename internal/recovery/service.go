// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package recovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	"github.com/Mystikil/Thenexusv2/internal/credential"
	"github.com/Mystikil/Thenexusv2/internal/identity"
)

// Attempt throttling defaults, per (account name, address) pair.
const (
	DefaultMaxAttempts   = 10
	DefaultAttemptWindow = 15 * time.Minute
)

// ErrTooManyAttempts is returned when an address has burned through its
// recovery attempts for an account.
var ErrTooManyAttempts = oops.Code("RECOVERY_THROTTLED").Errorf("too many recovery attempts")

// ErrKeyInvalid is returned for a wrong or missing recovery key.
var ErrKeyInvalid = oops.Code("RECOVERY_KEY_INVALID").Errorf("invalid recovery key")

// ErrNoLinkedAccount is returned when a user without a linked game account
// tries to manage a recovery key. Keys live on the account row.
var ErrNoLinkedAccount = oops.Code("RECOVERY_NO_ACCOUNT").Errorf("no linked game account")

// Settings table keys consulted at recovery time.
const (
	// SettingRotateOnUse controls whether a successful recovery issues a
	// fresh key. Defaults to on.
	SettingRotateOnUse = "recovery_rotate_on_use"

	// SettingAdminViewPlain exists for operators migrating from stores
	// that kept plaintext keys. Only the SHA-256 digest is persisted
	// here, so the flag is read but there is never a plaintext to show.
	SettingAdminViewPlain = "recovery_allow_admin_view_plain"
)

// FlagSource reads runtime toggles, falling back to the given default
// when a key is absent or unreadable.
type FlagSource interface {
	Bool(ctx context.Context, key string, def bool) bool
}

// staticFlags always answers with the default.
type staticFlags struct{}

func (staticFlags) Bool(_ context.Context, _ string, def bool) bool { return def }

// AttemptRepository persists recovery attempts for throttling. Attempts are
// keyed by normalized account name, so throttling holds even for accounts
// that never got a website user.
type AttemptRepository interface {
	// CountSince counts attempts for the account/address pair since the cutoff.
	CountSince(ctx context.Context, accountName string, ip []byte, since time.Time) (int, error)

	// Record stores one attempt.
	Record(ctx context.Context, accountName string, ip []byte) error

	// DeleteBefore removes attempts older than the cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the recovery manager.
type Config struct {
	KeyLength     int
	MaxAttempts   int
	AttemptWindow time.Duration

	// Flags overrides key rotation behavior at runtime. Nil keeps the
	// defaults.
	Flags FlagSource

	// Tx, when set, runs the password reset and key rotation inside a
	// single transaction. A nil Tx applies each write directly.
	Tx identity.Transactor
}

func (c Config) withDefaults() Config {
	c.KeyLength = ClampLength(c.KeyLength)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = DefaultAttemptWindow
	}
	if c.Flags == nil {
		c.Flags = staticFlags{}
	}
	return c
}

// Manager issues, verifies, and consumes recovery keys. Keys are stored as
// digests on the legacy account row, next to the password they unlock.
type Manager struct {
	users    identity.UserRepository
	accounts identity.AccountRepository
	attempts AttemptRepository
	resolver *identity.Resolver
	hasher   credential.PasswordHasher
	recorder *audit.Recorder
	cfg      Config
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(users identity.UserRepository, accounts identity.AccountRepository, attempts AttemptRepository, resolver *identity.Resolver, hasher credential.PasswordHasher, recorder *audit.Recorder, cfg Config) *Manager {
	return &Manager{
		users:    users,
		accounts: accounts,
		attempts: attempts,
		resolver: resolver,
		hasher:   hasher,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (m *Manager) inTx(ctx context.Context, fn func(users identity.UserRepository, accounts identity.AccountRepository) error) error {
	if m.cfg.Tx == nil {
		return fn(m.users, m.accounts)
	}
	return m.cfg.Tx.InTx(ctx, fn)
}

// PackIP converts an address string to its 16-byte form for storage.
// Unparseable addresses pack to 16 zero bytes rather than failing.
func PackIP(addr string) []byte {
	ip := net.ParseIP(addr)
	if ip == nil {
		return make([]byte, net.IPv6len)
	}
	return ip.To16()
}

// ThrottleKey normalizes an account name for attempt bookkeeping.
func ThrottleKey(accountName string) string {
	return strings.ToLower(strings.TrimSpace(accountName))
}

// HasKey reports whether the user's linked account carries a recovery key.
func (m *Manager) HasKey(ctx context.Context, user *identity.User) (bool, error) {
	if user.AccountID == nil {
		return false, nil
	}
	account, err := m.accounts.GetByID(ctx, *user.AccountID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return account.HasRecoveryKey(), nil
}

// SetKey issues a fresh recovery key for the user's linked account,
// replacing any previous one. The plaintext key is returned exactly once.
func (m *Manager) SetKey(ctx context.Context, user *identity.User, clientIP string) (string, error) {
	if user.AccountID == nil {
		return "", ErrNoLinkedAccount
	}
	account, err := m.accounts.GetByID(ctx, *user.AccountID)
	if err != nil {
		return "", err
	}

	key, err := GenerateKey(m.cfg.KeyLength)
	if err != nil {
		return "", err
	}
	if err := m.accounts.SetRecoveryKey(ctx, account.ID, HashKey(key)); err != nil {
		return "", err
	}

	m.recorder.Record(ctx, audit.Entry{
		UserID:    &user.ID,
		AccountID: &account.ID,
		Action:    audit.ActionRecoverySet,
		Before:    map[string]any{"has_recovery_key": account.HasRecoveryKey()},
		After:     map[string]any{"has_recovery_key": true},
		IP:        clientIP,
	})
	return key, nil
}

// ClearKey removes the recovery key from the user's linked account.
func (m *Manager) ClearKey(ctx context.Context, user *identity.User, clientIP string) error {
	if user.AccountID == nil {
		return ErrNoLinkedAccount
	}
	account, err := m.accounts.GetByID(ctx, *user.AccountID)
	if err != nil {
		return err
	}

	if err := m.accounts.ClearRecoveryKey(ctx, account.ID); err != nil {
		return err
	}

	m.recorder.Record(ctx, audit.Entry{
		UserID:    &user.ID,
		AccountID: &account.ID,
		Action:    audit.ActionRecoveryCleared,
		Before:    map[string]any{"has_recovery_key": account.HasRecoveryKey()},
		After:     map[string]any{"has_recovery_key": false},
		IP:        clientIP,
	})
	return nil
}

// RecoverPassword resets the legacy password, and the portal password where
// a website user exists, after verifying the recovery key on the account
// row. The identifier may name an account that never had a website user.
// Unless rotation is switched off in settings, the key rotates on use and
// the fresh key is returned for the player to store.
func (m *Manager) RecoverPassword(ctx context.Context, identifier, key, newPassword, clientIP string) (string, error) {
	if err := identity.ValidatePassword(newPassword); err != nil {
		return "", err
	}

	match, err := m.resolver.FindByIdentifier(ctx, identifier)
	if err != nil {
		// Key verification failures and unknown identifiers are
		// indistinguishable to the caller.
		return "", ErrKeyInvalid
	}
	if match.Account == nil {
		return "", ErrKeyInvalid
	}
	account := match.Account
	user := match.User

	nameKey := ThrottleKey(account.Name)
	packedIP := PackIP(clientIP)

	since := m.now().Add(-m.cfg.AttemptWindow)
	count, err := m.attempts.CountSince(ctx, nameKey, packedIP, since)
	if err != nil {
		return "", err
	}
	if count >= m.cfg.MaxAttempts {
		return "", ErrTooManyAttempts
	}

	if err := m.attempts.Record(ctx, nameKey, packedIP); err != nil {
		return "", err
	}

	if !VerifyKey(key, account.RecoveryKeyHash) {
		return "", ErrKeyInvalid
	}

	var passwordHash string
	if user != nil {
		passwordHash, err = m.hasher.Hash(newPassword)
		if err != nil {
			return "", err
		}
	}

	rotate := m.cfg.Flags.Bool(ctx, SettingRotateOnUse, true)
	var newKey string
	if rotate {
		newKey, err = GenerateKey(m.cfg.KeyLength)
		if err != nil {
			return "", err
		}
	}

	// Reset and rotation commit together or not at all.
	err = m.inTx(ctx, func(users identity.UserRepository, accounts identity.AccountRepository) error {
		if err := m.resolver.SetLegacyPasswordIn(ctx, accounts, account, newPassword); err != nil {
			return err
		}
		if user != nil {
			if err := users.UpdatePassword(ctx, user.ID, passwordHash); err != nil {
				return err
			}
		}
		if rotate {
			return accounts.SetRecoveryKey(ctx, account.ID, HashKey(newKey))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var userID *int64
	if user != nil {
		userID = &user.ID
	}
	m.recorder.Record(ctx, audit.Entry{
		UserID:    userID,
		AccountID: &account.ID,
		Action:    audit.ActionRecoveryUsed,
		Before:    map[string]any{"account_name": account.Name, "has_recovery_key": true},
		After:     map[string]any{"key_rotated": rotate},
		IP:        clientIP,
	})
	return newKey, nil
}

// PurgeStaleAttempts deletes attempts that have aged out of the throttle
// window. Intended to run periodically in the background.
func (m *Manager) PurgeStaleAttempts(ctx context.Context) (int64, error) {
	return m.attempts.DeleteBefore(ctx, m.now().Add(-m.cfg.AttemptWindow))
}
