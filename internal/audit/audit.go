// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package audit records security-relevant portal events. Writing an audit
// entry is always best effort: a failing audit store must never fail the
// operation being audited.
package audit

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Action names recorded in the audit log.
const (
	ActionLogin            = "login"
	ActionLoginFailed      = "login_failed"
	ActionLogout           = "logout"
	ActionRegister         = "register"
	ActionPasswordFallback = "password_fallback_match"
	ActionPasswordUpgrade  = "password_upgrade"
	ActionAccountLinked    = "account_linked"
	ActionRecoverySet      = "recovery_key_set"
	ActionRecoveryCleared  = "recovery_key_cleared"
	ActionRecoveryUsed     = "recovery_key_used"
	ActionAccountsMerged   = "accounts_merged"
)

var droppedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "portal_audit_dropped_total",
	Help: "Total number of audit entries dropped due to sink errors",
}, []string{"action"})

// Entry is a single audit record. Before and After capture state snapshots
// around mutating actions such as merges and credential changes.
type Entry struct {
	UserID    *int64
	AccountID *int64
	Action    string
	Detail    map[string]any
	Before    map[string]any
	After     map[string]any
	IP        string
}

// Sink persists audit entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Recorder writes entries to a sink, swallowing sink failures.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil logger uses slog.Default.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record persists the entry. Failures are logged and counted, never returned.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if err := r.sink.Write(ctx, entry); err != nil {
		droppedEntries.WithLabelValues(entry.Action).Inc()
		r.logger.WarnContext(ctx, "audit entry dropped",
			"action", entry.Action,
			"error", err)
	}
}
