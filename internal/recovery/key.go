// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package recovery implements offline recovery keys: a one-time secret
// shown to the player once, stored only as a digest, usable to reset a
// lost password without email.
package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/samber/oops"
)

// keyAlphabet excludes characters players confuse when writing keys down
// (0/O, 1/I/L).
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Key length bounds. Lengths are clamped, not rejected, so a bad config
// value still produces usable keys.
const (
	MinKeyLength     = 28
	MaxKeyLength     = 128
	DefaultKeyLength = 32
)

// ClampLength normalizes a configured key length into the supported range.
func ClampLength(n int) int {
	if n <= 0 {
		return DefaultKeyLength
	}
	if n < MinKeyLength {
		return MinKeyLength
	}
	if n > MaxKeyLength {
		return MaxKeyLength
	}
	return n
}

// GenerateKey produces a random recovery key of the given length, grouped
// generation left to the caller. The length is clamped via ClampLength.
func GenerateKey(length int) (string, error) {
	length = ClampLength(length)

	var b strings.Builder
	b.Grow(length)
	for b.Len() < length {
		// 5 random bytes yield 8 alphabet characters.
		chunk := make([]byte, 5)
		if _, err := rand.Read(chunk); err != nil {
			return "", oops.Code("RECOVERY_KEYGEN_FAILED").Wrap(err)
		}
		var acc uint64
		for _, c := range chunk {
			acc = acc<<8 | uint64(c)
		}
		for i := 0; i < 8 && b.Len() < length; i++ {
			b.WriteByte(keyAlphabet[(acc>>uint(35-5*i))&31])
		}
	}
	return b.String(), nil
}

// Normalize strips separators and upper-cases a user-entered key.
func Normalize(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, "-", "")
	key = strings.ReplaceAll(key, " ", "")
	return key
}

// HashKey returns the digest stored in place of the key.
func HashKey(key string) []byte {
	sum := sha256.Sum256([]byte(Normalize(key)))
	return sum[:]
}

// VerifyKey compares a user-entered key against a stored digest in
// constant time.
func VerifyKey(key string, storedHash []byte) bool {
	if len(storedHash) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashKey(key), storedHash) == 1
}
