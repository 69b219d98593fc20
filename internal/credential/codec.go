// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package credential implements the password codecs shared between the
// portal and the legacy game server: the historical digest formats the
// server still understands, and the argon2id hashes the portal stores
// for its own users.
package credential

import (
	"crypto/md5"  //nolint:gosec // legacy server compatibility
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // legacy server compatibility
	"crypto/subtle"
	"encoding/hex"

	"github.com/samber/oops"
)

// Mode identifies how the legacy accounts table encodes passwords.
type Mode string

const (
	ModeSHA1  Mode = "tfs_sha1"
	ModeMD5   Mode = "tfs_md5"
	ModePlain Mode = "tfs_plain"

	// ModeDual accepts legacy sha1 digests on read but writes argon2id
	// to the portal store, upgrading accounts as they log in.
	ModeDual Mode = "dual"
)

// saltBytes is the number of random bytes behind a generated salt.
// The stored salt is the hex encoding, 32 characters.
const saltBytes = 16

// ErrUnknownMode is returned for password modes outside the supported set.
var ErrUnknownMode = oops.Code("CRED_UNKNOWN_MODE").Errorf("unknown password mode")

// Valid reports whether m names a supported password mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSHA1, ModeMD5, ModePlain, ModeDual:
		return true
	}
	return false
}

// LegacyMode resolves the digest mode used against the legacy table.
// Dual mode reads sha1: that is what every stock server ships with.
func (m Mode) LegacyMode() Mode {
	if m == ModeDual {
		return ModeSHA1
	}
	return m
}

// ComputeLegacy produces the stored form of password under mode m.
// When salted is true the salt is prepended before digesting, matching
// the server's own check. Plain mode ignores the salt.
func ComputeLegacy(m Mode, password, salt string, salted bool) (string, error) {
	input := password
	if salted && m.LegacyMode() != ModePlain {
		input = salt + password
	}

	switch m.LegacyMode() {
	case ModeSHA1:
		sum := sha1.Sum([]byte(input)) //nolint:gosec // legacy server compatibility
		return hex.EncodeToString(sum[:]), nil
	case ModeMD5:
		sum := md5.Sum([]byte(input)) //nolint:gosec // legacy server compatibility
		return hex.EncodeToString(sum[:]), nil
	case ModePlain:
		return password, nil
	default:
		return "", ErrUnknownMode
	}
}

// VerifyLegacy checks password against the stored value in constant time.
func VerifyLegacy(m Mode, password, stored, salt string, salted bool) (bool, error) {
	computed, err := ComputeLegacy(m, password, salt, salted)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1, nil
}

// fallbackModes are tried, in order, when the primary mode fails and
// fallbacks are enabled. Plain is never guessed.
var fallbackModes = []Mode{ModeSHA1, ModeMD5}

// VerifyLegacyAny tries the primary mode first, then each fallback mode
// except the primary. It returns the mode that matched so callers can
// record which codec an account is still on.
func VerifyLegacyAny(primary Mode, password, stored, salt string, salted, allowFallbacks bool) (bool, Mode, error) {
	ok, err := VerifyLegacy(primary, password, stored, salt, salted)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, primary.LegacyMode(), nil
	}
	if !allowFallbacks {
		return false, "", nil
	}

	for _, m := range fallbackModes {
		if m == primary.LegacyMode() {
			continue
		}
		ok, err := VerifyLegacy(m, password, stored, salt, salted)
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, m, nil
		}
	}
	return false, "", nil
}

// GenerateSalt returns a fresh hex-encoded salt for the legacy table.
func GenerateSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("CRED_SALT_FAILED").Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}
