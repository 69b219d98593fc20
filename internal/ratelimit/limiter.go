// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package ratelimit implements fixed-window request limits persisted in
// PostgreSQL so that every portal instance shares the same counters.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Mystikil/Thenexusv2/internal/store"
)

// Well-known bucket names.
const (
	BucketLogin    = "login"
	BucketRegister = "register"
	BucketRecover  = "recover"
)

// Rule is a fixed-window limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules mirror the limits the game community has run for years.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		BucketLogin:    {Limit: 10, Window: time.Minute},
		BucketRegister: {Limit: 5, Window: time.Minute},
		BucketRecover:  {Limit: 10, Window: time.Minute},
	}
}

var (
	deniedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_ratelimit_denied_total",
		Help: "Total number of requests denied by the rate limiter",
	}, []string{"bucket"})

	failOpenEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_ratelimit_failopen_total",
		Help: "Total number of rate limit checks that failed open on storage errors",
	})
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter checks fixed-window limits against the shared counter table.
// Storage failures always fail open: an unreachable database must not
// lock every player out of the portal.
type Limiter struct {
	db     store.DB
	rules  map[string]Rule
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a Limiter. Nil rules fall back to DefaultRules and a
// nil logger uses slog.Default.
func NewLimiter(db store.DB, rules map[string]Rule, logger *slog.Logger) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		db:     db,
		rules:  rules,
		logger: logger,
		now:    time.Now,
	}
}

// Allow consumes one hit from the bucket's window for the identifier.
// bypass short-circuits for trusted users without touching storage.
func (l *Limiter) Allow(ctx context.Context, bucket, identifier string, bypass bool) Decision {
	rule, ok := l.rules[bucket]
	if !ok || bypass {
		return Decision{Allowed: true, Remaining: rule.Limit}
	}

	decision, err := l.consume(ctx, bucket, identifier, rule)
	if err != nil {
		failOpenEvents.Inc()
		l.logger.WarnContext(ctx, "rate limit check failed open",
			"bucket", bucket,
			"error", err)
		return Decision{Allowed: true}
	}
	if !decision.Allowed {
		deniedRequests.WithLabelValues(bucket).Inc()
	}
	return decision
}

func (l *Limiter) consume(ctx context.Context, bucket, identifier string, rule Rule) (Decision, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	now := l.now()

	var windowStart time.Time
	var hits int
	err = tx.QueryRow(ctx, `
		SELECT window_start, hits FROM api_rate_limits
		WHERE bucket = $1 AND identifier = $2
		FOR UPDATE
	`, bucket, identifier).Scan(&windowStart, &hits)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		windowStart = now
		hits = 0
	case err != nil:
		return Decision{}, err
	}

	if now.Sub(windowStart) >= rule.Window {
		windowStart = now
		hits = 0
	}

	if hits >= rule.Limit {
		retryAfter := windowStart.Add(rule.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		if err := tx.Commit(ctx); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	hits++
	_, err = tx.Exec(ctx, `
		INSERT INTO api_rate_limits (bucket, identifier, window_start, hits)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket, identifier)
		DO UPDATE SET window_start = EXCLUDED.window_start, hits = EXCLUDED.hits
	`, bucket, identifier, windowStart, hits)
	if err != nil {
		return Decision{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Remaining: rule.Limit - hits}, nil
}
