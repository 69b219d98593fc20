// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package credential_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mystikil/Thenexusv2/internal/credential"
)

func TestHashPassword(t *testing.T) {
	hasher := credential.NewArgon2idHasher()

	t.Run("produces valid hash", func(t *testing.T) {
		hash, err := hasher.Hash("password123")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	})

	t.Run("same password produces different hashes (salt)", func(t *testing.T) {
		hash1, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		hash2, err := hasher.Hash("samepassword")
		require.NoError(t, err)
		assert.NotEqual(t, hash1, hash2)
	})

	t.Run("rejects empty password", func(t *testing.T) {
		_, err := hasher.Hash("")
		assert.ErrorIs(t, err, credential.ErrEmptyPassword)
	})
}

func TestVerifyPassword(t *testing.T) {
	hasher := credential.NewArgon2idHasher()

	t.Run("correct password verifies", func(t *testing.T) {
		hash, err := hasher.Hash("correctpassword")
		require.NoError(t, err)

		ok, err := hasher.Verify("correctpassword", hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("incorrect password fails", func(t *testing.T) {
		hash, err := hasher.Hash("correctpassword")
		require.NoError(t, err)

		ok, err := hasher.Verify("wrongpassword", hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid hash format returns error", func(t *testing.T) {
		_, err := hasher.Verify("password", "not-a-valid-hash")
		assert.Error(t, err)
	})

	t.Run("wrong algorithm returns error", func(t *testing.T) {
		_, err := hasher.Verify("password", "$argon2i$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported hash algorithm")
	})

	t.Run("oversized thread count rejected", func(t *testing.T) {
		_, err := hasher.Verify("password", "$argon2id$v=19$m=65536,t=1,p=300$c2FsdA$aGFzaA")
		assert.Error(t, err)
	})
}

func TestNeedsUpgrade(t *testing.T) {
	hasher := credential.NewArgon2idHasher()

	t.Run("current hash does not need upgrade", func(t *testing.T) {
		hash, err := hasher.Hash("password")
		require.NoError(t, err)
		assert.False(t, hasher.NeedsUpgrade(hash))
	})

	t.Run("legacy digest needs upgrade", func(t *testing.T) {
		assert.True(t, hasher.NeedsUpgrade("f3bbbd66a63d4bf1747940578ec3d0103530e21d"))
	})

	t.Run("weaker cost parameters need upgrade", func(t *testing.T) {
		assert.True(t, hasher.NeedsUpgrade("$argon2id$v=19$m=1024,t=1,p=4$c2FsdA$aGFzaA"))
	})

	t.Run("malformed argon2id hash needs upgrade", func(t *testing.T) {
		assert.True(t, hasher.NeedsUpgrade("$argon2id$broken"))
	})
}
