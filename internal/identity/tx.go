// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package identity

import "context"

// Transactor runs fn against transaction-scoped repositories. The writes
// fn performs commit together or not at all; fn returning an error rolls
// everything back.
type Transactor interface {
	InTx(ctx context.Context, fn func(users UserRepository, accounts AccountRepository) error) error
}
