// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package postgres implements the audit sink on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	"github.com/Mystikil/Thenexusv2/internal/store"
)

// Sink implements audit.Sink using PostgreSQL.
type Sink struct {
	db store.DB
}

// NewSink creates a new Sink.
func NewSink(db store.DB) *Sink {
	return &Sink{db: db}
}

// Write inserts one audit row.
func (s *Sink) Write(ctx context.Context, entry audit.Entry) error {
	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("operation", "marshal detail").
			Wrap(err)
	}
	beforeJSON, err := marshalSnapshot(entry.Before)
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("operation", "marshal before snapshot").
			Wrap(err)
	}
	afterJSON, err := marshalSnapshot(entry.After)
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("operation", "marshal after snapshot").
			Wrap(err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_log (user_id, account_id, action, detail, before_json, after_json, ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		entry.UserID,
		entry.AccountID,
		entry.Action,
		detailJSON,
		beforeJSON,
		afterJSON,
		entry.IP,
	)
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("operation", "insert audit entry").
			With("action", entry.Action).
			Wrap(err)
	}
	return nil
}

// marshalSnapshot keeps absent snapshots NULL instead of writing "{}".
func marshalSnapshot(snapshot map[string]any) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	return json.Marshal(snapshot)
}

// Compile-time interface check.
var _ audit.Sink = (*Sink)(nil)
