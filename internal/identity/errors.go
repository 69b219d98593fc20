// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package identity

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned when registering with an email that already has a user.
var ErrEmailTaken = errors.New("email already registered")

// ErrAccountNameTaken is returned when a legacy account name is already in use.
var ErrAccountNameTaken = errors.New("account name already in use")

// ErrAccountNotLinkable is returned when an account is already linked to
// another user or otherwise cannot be attached.
var ErrAccountNotLinkable = errors.New("account cannot be linked")

// ErrInvalidCredentials is returned for any authentication failure. It never
// distinguishes between an unknown identifier and a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")
