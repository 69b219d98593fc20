// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mystikil/Thenexusv2/internal/credential"
	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/identity/mocks"
)

func newResolver(t *testing.T, cfg identity.ResolverConfig) (*identity.Resolver, *mocks.MockUserRepository, *mocks.MockAccountRepository) {
	users := mocks.NewMockUserRepository(t)
	accounts := mocks.NewMockAccountRepository(t)
	r := identity.NewResolver(users, accounts, credential.NewArgon2idHasher(), cfg)
	return r, users, accounts
}

func defaultCfg() identity.ResolverConfig {
	return identity.ResolverConfig{
		Mode:          credential.ModeSHA1,
		WithSalt:      false,
		AutoProvision: true,
	}
}

func TestFindByIdentifier(t *testing.T) {
	ctx := context.Background()

	t.Run("email resolves website user with linked account", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		accountID := int64(7)
		user := &identity.User{ID: 1, Email: "a@b.com", AccountID: &accountID}
		account := &identity.Account{ID: 7, Name: "alice"}

		users.On("GetByEmail", ctx, "a@b.com").Return(user, nil)
		accounts.On("GetByID", ctx, int64(7)).Return(account, nil)

		match, err := r.FindByIdentifier(ctx, "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, user, match.User)
		assert.Equal(t, account, match.Account)
	})

	t.Run("email falls back to legacy account", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		account := &identity.Account{ID: 7, Name: "alice", Email: "a@b.com"}
		users.On("GetByEmail", ctx, "a@b.com").Return(nil, identity.ErrNotFound)
		accounts.On("GetByEmail", ctx, "a@b.com").Return(account, nil)
		users.On("GetByAccountID", ctx, int64(7)).Return(nil, identity.ErrNotFound)

		match, err := r.FindByIdentifier(ctx, "a@b.com")
		require.NoError(t, err)
		assert.Nil(t, match.User)
		assert.Equal(t, account, match.Account)
	})

	t.Run("unlinked user surfaces same-email legacy account", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		user := &identity.User{ID: 1, Email: "a@b.com"}
		account := &identity.Account{ID: 7, Name: "alice", Email: "a@b.com"}

		users.On("GetByEmail", ctx, "a@b.com").Return(user, nil)
		accounts.On("GetByEmail", ctx, "a@b.com").Return(account, nil)
		users.On("GetByAccountID", ctx, int64(7)).Return(nil, identity.ErrNotFound)

		match, err := r.FindByIdentifier(ctx, "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, user, match.User)
		assert.Equal(t, account, match.Account)
	})

	t.Run("account held by another user is hidden from unlinked match", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		user := &identity.User{ID: 1, Email: "a@b.com"}
		account := &identity.Account{ID: 7, Name: "alice", Email: "a@b.com"}

		users.On("GetByEmail", ctx, "a@b.com").Return(user, nil)
		accounts.On("GetByEmail", ctx, "a@b.com").Return(account, nil)
		users.On("GetByAccountID", ctx, int64(7)).Return(&identity.User{ID: 99}, nil)

		match, err := r.FindByIdentifier(ctx, "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, user, match.User)
		assert.Nil(t, match.Account)
	})

	t.Run("account name resolves account and linked user", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		account := &identity.Account{ID: 7, Name: "alice"}
		user := &identity.User{ID: 3}
		accounts.On("GetByName", ctx, "alice").Return(account, nil)
		users.On("GetByAccountID", ctx, int64(7)).Return(user, nil)

		match, err := r.FindByIdentifier(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, user, match.User)
		assert.Equal(t, account, match.Account)
	})

	t.Run("unknown identifier reports not found", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "ghost").Return(nil, identity.ErrNotFound)

		_, err := r.FindByIdentifier(ctx, "ghost")
		assert.ErrorIs(t, err, identity.ErrNotFound)
	})

	t.Run("empty identifier rejected", func(t *testing.T) {
		r, _, _ := newResolver(t, defaultCfg())

		_, err := r.FindByIdentifier(ctx, "  ")
		assert.Error(t, err)
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates account then user", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		users.On("GetByEmail", ctx, "new@example.com").Return(nil, identity.ErrNotFound)
		accounts.On("Create", ctx, mock.MatchedBy(func(a *identity.Account) bool {
			return a.Name == "newbie" && a.Email == "new@example.com" && len(a.Password) == 40
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*identity.Account).ID = 9
		}).Return(nil)
		accounts.On("UpdatePassword", ctx, int64(9), mock.Anything, "").Return(nil)
		users.On("Create", ctx, mock.MatchedBy(func(u *identity.User) bool {
			return u.Email == "new@example.com" && u.AccountID != nil && *u.AccountID == 9
		})).Return(nil)

		user, account, err := r.Register(ctx, "new@example.com", "password123", "newbie")
		require.NoError(t, err)
		assert.Equal(t, int64(9), account.ID)
		require.NotNil(t, user.AccountID)
		assert.Equal(t, int64(9), *user.AccountID)

		want, err := credential.ComputeLegacy(credential.ModeSHA1, "password123", "", false)
		require.NoError(t, err)
		assert.Equal(t, want, account.Password)
	})

	t.Run("derives account name when empty", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "newplayer").Return(nil, identity.ErrNotFound)
		users.On("GetByEmail", ctx, "new.player@example.com").Return(nil, identity.ErrNotFound)
		accounts.On("Create", ctx, mock.MatchedBy(func(a *identity.Account) bool {
			return a.Name == "newplayer"
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*identity.Account).ID = 5
		}).Return(nil)
		accounts.On("UpdatePassword", ctx, int64(5), mock.Anything, "").Return(nil)
		users.On("Create", ctx, mock.Anything).Return(nil)

		_, account, err := r.Register(ctx, "new.player@example.com", "password123", "")
		require.NoError(t, err)
		assert.Equal(t, "newplayer", account.Name)
	})

	t.Run("writes run inside a single transaction", func(t *testing.T) {
		users := mocks.NewMockUserRepository(t)
		accounts := mocks.NewMockAccountRepository(t)
		tx := &mocks.PassthroughTransactor{Users: users, Accounts: accounts}
		cfg := defaultCfg()
		cfg.Tx = tx
		r := identity.NewResolver(users, accounts, credential.NewArgon2idHasher(), cfg)

		users.On("GetByEmail", ctx, "new@example.com").Return(nil, identity.ErrNotFound)
		accounts.On("Create", ctx, mock.Anything).Run(func(args mock.Arguments) {
			args.Get(1).(*identity.Account).ID = 9
		}).Return(nil)
		accounts.On("UpdatePassword", ctx, int64(9), mock.Anything, "").Return(nil)
		users.On("Create", ctx, mock.Anything).Return(nil)

		_, _, err := r.Register(ctx, "new@example.com", "password123", "newbie")
		require.NoError(t, err)
		assert.Equal(t, 1, tx.Calls)
	})

	t.Run("duplicate email rejected", func(t *testing.T) {
		r, users, _ := newResolver(t, defaultCfg())

		users.On("GetByEmail", ctx, "taken@example.com").Return(&identity.User{ID: 1}, nil)

		_, _, err := r.Register(ctx, "taken@example.com", "password123", "newbie")
		assert.ErrorIs(t, err, identity.ErrEmailTaken)
	})

	t.Run("invalid input rejected before any write", func(t *testing.T) {
		r, _, _ := newResolver(t, defaultCfg())

		_, _, err := r.Register(ctx, "bad-email", "password123", "newbie")
		assert.Error(t, err)

		_, _, err = r.Register(ctx, "ok@example.com", "short", "newbie")
		assert.Error(t, err)

		_, _, err = r.Register(ctx, "ok@example.com", "password123", "no spaces")
		assert.Error(t, err)
	})
}

func TestAutoProvision(t *testing.T) {
	ctx := context.Background()
	account := &identity.Account{ID: 7, Name: "alice", Email: "a@b.com"}

	t.Run("creates linked user from account email", func(t *testing.T) {
		r, users, _ := newResolver(t, defaultCfg())

		users.On("GetByAccountID", ctx, int64(7)).Return(nil, identity.ErrNotFound)
		users.On("GetByEmail", ctx, "a@b.com").Return(nil, identity.ErrNotFound)
		users.On("Create", ctx, mock.MatchedBy(func(u *identity.User) bool {
			return u.Email == "a@b.com" && u.AccountID != nil && *u.AccountID == 7
		})).Return(nil)

		user, err := r.AutoProvision(ctx, account, "password123")
		require.NoError(t, err)
		assert.Equal(t, "a@b.com", user.Email)
	})

	t.Run("returns existing linked user", func(t *testing.T) {
		r, users, _ := newResolver(t, defaultCfg())

		existing := &identity.User{ID: 2}
		users.On("GetByAccountID", ctx, int64(7)).Return(existing, nil)

		user, err := r.AutoProvision(ctx, account, "password123")
		require.NoError(t, err)
		assert.Equal(t, existing, user)
	})

	t.Run("disabled provisioning refuses the link", func(t *testing.T) {
		cfg := defaultCfg()
		cfg.AutoProvision = false
		r, _, _ := newResolver(t, cfg)

		_, err := r.AutoProvision(ctx, account, "password123")
		assert.ErrorIs(t, err, identity.ErrAccountNotLinkable)
	})

	t.Run("account without email reports not found", func(t *testing.T) {
		r, _, _ := newResolver(t, defaultCfg())

		_, err := r.AutoProvision(ctx, &identity.Account{ID: 8}, "password123")
		assert.ErrorIs(t, err, identity.ErrNotFound)
	})

	t.Run("email held by another user is rejected", func(t *testing.T) {
		r, users, _ := newResolver(t, defaultCfg())

		users.On("GetByAccountID", ctx, int64(7)).Return(nil, identity.ErrNotFound)
		users.On("GetByEmail", ctx, "a@b.com").Return(&identity.User{ID: 4}, nil)

		_, err := r.AutoProvision(ctx, account, "password123")
		assert.ErrorIs(t, err, identity.ErrEmailTaken)
	})
}

func TestLinkAccount(t *testing.T) {
	ctx := context.Background()

	stored, err := credential.ComputeLegacy(credential.ModeSHA1, "secret99", "", false)
	require.NoError(t, err)
	makeAccount := func() *identity.Account {
		return &identity.Account{ID: 7, Name: "alice", Password: stored}
	}

	t.Run("links after verifying legacy credentials", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())
		user := &identity.User{ID: 3}

		accounts.On("GetByName", ctx, "alice").Return(makeAccount(), nil)
		users.On("GetByAccountID", ctx, int64(7)).Return(nil, identity.ErrNotFound)
		users.On("SetAccountID", ctx, int64(3), mock.MatchedBy(func(id *int64) bool {
			return id != nil && *id == 7
		})).Return(nil)

		account, err := r.LinkAccount(ctx, user, "alice", "secret99")
		require.NoError(t, err)
		assert.Equal(t, int64(7), account.ID)
		require.NotNil(t, user.AccountID)
		assert.Equal(t, int64(7), *user.AccountID)
	})

	t.Run("wrong password is invalid credentials", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "alice").Return(makeAccount(), nil)

		_, err := r.LinkAccount(ctx, &identity.User{ID: 3}, "alice", "wrongpass")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	})

	t.Run("unknown account is invalid credentials", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "ghost").Return(nil, identity.ErrNotFound)

		_, err := r.LinkAccount(ctx, &identity.User{ID: 3}, "ghost", "secret99")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	})

	t.Run("account held by another user is not linkable", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "alice").Return(makeAccount(), nil)
		users.On("GetByAccountID", ctx, int64(7)).Return(&identity.User{ID: 99}, nil)

		_, err := r.LinkAccount(ctx, &identity.User{ID: 3}, "alice", "secret99")
		assert.ErrorIs(t, err, identity.ErrAccountNotLinkable)
	})

	t.Run("relink of own account is a no-op", func(t *testing.T) {
		r, users, accounts := newResolver(t, defaultCfg())
		user := &identity.User{ID: 3}

		accounts.On("GetByName", ctx, "alice").Return(makeAccount(), nil)
		users.On("GetByAccountID", ctx, int64(7)).Return(user, nil)

		account, err := r.LinkAccount(ctx, user, "alice", "secret99")
		require.NoError(t, err)
		assert.Equal(t, int64(7), account.ID)
	})
}

func TestSetLegacyPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("salted mode generates fresh salt", func(t *testing.T) {
		cfg := defaultCfg()
		cfg.WithSalt = true
		r, _, accounts := newResolver(t, cfg)

		account := &identity.Account{ID: 7}
		accounts.On("UpdatePassword", ctx, int64(7), mock.Anything, mock.MatchedBy(func(salt string) bool {
			return len(salt) == 32
		})).Return(nil)

		require.NoError(t, r.SetLegacyPassword(ctx, account, "newpass99"))
		assert.Len(t, account.Salt, 32)

		ok, err := credential.VerifyLegacy(credential.ModeSHA1, "newpass99", account.Password, account.Salt, true)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("storage failure propagates", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		boom := errors.New("boom")
		accounts.On("UpdatePassword", ctx, int64(7), mock.Anything, "").Return(boom)

		err := r.SetLegacyPassword(ctx, &identity.Account{ID: 7}, "newpass99")
		assert.ErrorIs(t, err, boom)
	})
}

func TestDeriveAccountName(t *testing.T) {
	ctx := context.Background()

	t.Run("strips punctuation from local part", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "alicesmith").Return(nil, identity.ErrNotFound)

		name, err := r.DeriveAccountName(ctx, "alice.smith@example.com")
		require.NoError(t, err)
		assert.Equal(t, "alicesmith", name)
	})

	t.Run("probes numeric suffixes on collision", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		taken := &identity.Account{ID: 1}
		accounts.On("GetByName", ctx, "alice").Return(taken, nil)
		accounts.On("GetByName", ctx, "alice1").Return(taken, nil)
		accounts.On("GetByName", ctx, "alice2").Return(nil, identity.ErrNotFound)

		name, err := r.DeriveAccountName(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "alice2", name)
	})

	t.Run("short local part gets a prefix", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "playerab").Return(nil, identity.ErrNotFound)

		name, err := r.DeriveAccountName(ctx, "ab@example.com")
		require.NoError(t, err)
		assert.Equal(t, "playerab", name)
	})

	t.Run("long local part is truncated to the limit", func(t *testing.T) {
		r, _, accounts := newResolver(t, defaultCfg())

		accounts.On("GetByName", ctx, "abcdefghijklmnopqrst").Return(nil, identity.ErrNotFound)

		name, err := r.DeriveAccountName(ctx, "abcdefghijklmnopqrstuvwxyz@example.com")
		require.NoError(t, err)
		assert.Equal(t, "abcdefghijklmnopqrst", name)
		assert.Len(t, name, identity.MaxAccountNameLength)
	})
}
