// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	"github.com/Mystikil/Thenexusv2/internal/credential"
	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/ratelimit"
)

// dummyPasswordHash is used when a user doesn't exist to prevent timing attacks.
// We still run password verification to make response time consistent.
// This is NOT a real credential - it's a fake hash that will never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// RateLimitedError is returned when the limiter denies a request.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Gateway is the portal's authentication front door. It reconciles the
// website user store with the legacy account store on every login.
type Gateway struct {
	resolver *identity.Resolver
	users    identity.UserRepository
	sessions SessionRepository
	hasher   credential.PasswordHasher
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
	logger   *slog.Logger

	mode           credential.Mode
	withSalt       bool
	allowFallbacks bool
}

// GatewayConfig carries the credential policy for the Gateway.
type GatewayConfig struct {
	Mode           credential.Mode
	WithSalt       bool
	AllowFallbacks bool
}

// NewGateway creates a Gateway. A nil logger uses slog.Default.
func NewGateway(
	resolver *identity.Resolver,
	users identity.UserRepository,
	sessions SessionRepository,
	hasher credential.PasswordHasher,
	limiter *ratelimit.Limiter,
	recorder *audit.Recorder,
	logger *slog.Logger,
	cfg GatewayConfig,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		resolver:       resolver,
		users:          users,
		sessions:       sessions,
		hasher:         hasher,
		limiter:        limiter,
		recorder:       recorder,
		logger:         logger,
		mode:           cfg.Mode,
		withSalt:       cfg.WithSalt,
		allowFallbacks: cfg.AllowFallbacks,
	}
}

// LoginRequest carries one login attempt.
type LoginRequest struct {
	Identifier string
	Password   string
	ClientIP   string

	// BypassRateLimit skips the limiter for trusted callers.
	BypassRateLimit bool
}

// LoginResult is a successful login.
type LoginResult struct {
	User    *identity.User
	Session *Session
	Token   string
}

// Login authenticates an identifier against both stores, upgrades and
// links credentials where policy allows, and issues a fresh session.
// All authentication failures surface as identity.ErrInvalidCredentials.
func (g *Gateway) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	decision := g.limiter.Allow(ctx, ratelimit.BucketLogin, req.ClientIP, req.BypassRateLimit)
	if !decision.Allowed {
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	match, err := g.resolver.FindByIdentifier(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// Burn equivalent work so unknown identifiers respond in
			// the same time as wrong passwords.
			_, _ = g.hasher.Verify(req.Password, dummyPasswordHash) //nolint:errcheck // timing only
			g.auditFailure(ctx, nil, nil, req.ClientIP, "unknown_identifier")
			return nil, identity.ErrInvalidCredentials
		}
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "resolve identifier").
			Wrap(err)
	}

	verified, method, legacyMode, err := g.verify(ctx, match, req.Password)
	if err != nil {
		return nil, err
	}
	if !verified {
		var userID, accountID *int64
		if match.User != nil {
			userID = &match.User.ID
		}
		if match.Account != nil {
			accountID = &match.Account.ID
		}
		g.auditFailure(ctx, userID, accountID, req.ClientIP, "bad_password")
		return nil, identity.ErrInvalidCredentials
	}

	user := match.User
	if user == nil {
		user, err = g.resolver.AutoProvision(ctx, match.Account, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrAccountNotLinkable):
				g.auditFailure(ctx, nil, &match.Account.ID, req.ClientIP, "provisioning_disabled")
				return nil, identity.ErrAccountNotLinkable
			case errors.Is(err, identity.ErrNotFound), errors.Is(err, identity.ErrEmailTaken):
				g.auditFailure(ctx, nil, &match.Account.ID, req.ClientIP, "no_website_user")
				return nil, identity.ErrInvalidCredentials
			}
			return nil, oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "auto provision user").
				Wrap(err)
		}
	}

	g.postVerify(ctx, user, match, method, legacyMode, req)

	// Fresh session on every login.
	if err := g.sessions.DeleteByUser(ctx, user.ID); err != nil {
		g.logger.WarnContext(ctx, "stale session cleanup failed",
			"user_id", user.ID,
			"error", err)
	}

	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "generate session token").
			Wrap(err)
	}

	session, err := NewSession(user.ID, tokenHash, time.Now().Add(SessionTokenExpiry))
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "create session").
			Wrap(err)
	}
	if err := g.sessions.Create(ctx, session); err != nil {
		return nil, oops.Code("AUTH_SESSION_CREATE_FAILED").
			With("operation", "persist session").
			Wrap(err)
	}

	detail := map[string]any{"method": method}
	if legacyMode != "" {
		detail["mode"] = string(legacyMode)
	}
	g.recorder.Record(ctx, audit.Entry{
		UserID:    &user.ID,
		AccountID: user.AccountID,
		Action:    audit.ActionLogin,
		Detail:    detail,
		IP:        req.ClientIP,
	})

	return &LoginResult{User: user, Session: session, Token: token}, nil
}

// verify tries the portal credential first, then the legacy one.
// method is "web" or "legacy"; legacyMode names the digest that matched.
func (g *Gateway) verify(ctx context.Context, match *identity.Match, password string) (ok bool, method string, legacyMode credential.Mode, err error) {
	if match.User != nil && match.User.PasswordHash != "" {
		valid, verifyErr := g.hasher.Verify(password, match.User.PasswordHash)
		if verifyErr == nil && valid {
			return true, "web", "", nil
		}
		// Malformed stored hashes fall through to the legacy check.
	} else {
		// Keep timing consistent when there is no portal hash to check.
		_, _ = g.hasher.Verify(password, dummyPasswordHash) //nolint:errcheck // timing only
	}

	if match.Account == nil {
		return false, "", "", nil
	}

	valid, mode, verifyErr := credential.VerifyLegacyAny(
		g.mode, password, match.Account.Password, match.Account.Salt, g.withSalt, g.allowFallbacks)
	if verifyErr != nil {
		return false, "", "", oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify legacy credential").
			Wrap(verifyErr)
	}
	if !valid {
		return false, "", "", nil
	}

	if mode != g.mode.LegacyMode() {
		var userID *int64
		if match.User != nil {
			userID = &match.User.ID
		}
		g.recorder.Record(ctx, audit.Entry{
			UserID:    userID,
			AccountID: &match.Account.ID,
			Action:    audit.ActionPasswordFallback,
			Detail:    map[string]any{"mode": string(mode)},
		})
	}
	return true, "legacy", mode, nil
}

// postVerify applies best-effort follow-ups after a successful
// verification: linking, hash upgrades, and dual-mode migration. None of
// them may fail the login.
func (g *Gateway) postVerify(ctx context.Context, user *identity.User, match *identity.Match, method string, legacyMode credential.Mode, req LoginRequest) {
	if user.AccountID == nil && match.Account != nil {
		if err := g.users.SetAccountID(ctx, user.ID, &match.Account.ID); err != nil {
			g.logger.WarnContext(ctx, "auto link failed",
				"user_id", user.ID,
				"account_id", match.Account.ID,
				"error", err)
		} else {
			user.AccountID = &match.Account.ID
			g.recorder.Record(ctx, audit.Entry{
				UserID:    &user.ID,
				AccountID: &match.Account.ID,
				Action:    audit.ActionAccountLinked,
				Detail:    map[string]any{"trigger": "login"},
				IP:        req.ClientIP,
			})
		}
	}

	needsUpgrade := false
	switch {
	case method == "legacy" && user.PasswordHash == "":
		needsUpgrade = true
	case method == "legacy" && g.mode == credential.ModeDual:
		// A legacy match in dual mode means the portal hash did not
		// verify this password, so it is stale regardless of its shape.
		needsUpgrade = true
	case method == "web":
		needsUpgrade = g.hasher.NeedsUpgrade(user.PasswordHash)
	}
	if !needsUpgrade {
		return
	}

	newHash, err := g.hasher.Hash(req.Password)
	if err != nil {
		return
	}
	if err := g.users.UpdatePassword(ctx, user.ID, newHash); err != nil {
		g.logger.WarnContext(ctx, "password upgrade failed",
			"user_id", user.ID,
			"error", err)
		return
	}
	user.PasswordHash = newHash
	g.recorder.Record(ctx, audit.Entry{
		UserID:    &user.ID,
		AccountID: user.AccountID,
		Action:    audit.ActionPasswordUpgrade,
		Detail:    map[string]any{"from": string(legacyMode)},
		IP:        req.ClientIP,
	})
}

func (g *Gateway) auditFailure(ctx context.Context, userID, accountID *int64, clientIP, reason string) {
	g.recorder.Record(ctx, audit.Entry{
		UserID:    userID,
		AccountID: accountID,
		Action:    audit.ActionLoginFailed,
		Detail:    map[string]any{"reason": reason},
		IP:        clientIP,
	})
}

// Logout invalidates every session belonging to the session's user, so a
// stolen cookie dies together with the legitimate one.
func (g *Gateway) Logout(ctx context.Context, session *Session, clientIP string) error {
	if err := g.sessions.DeleteByUser(ctx, session.UserID); err != nil {
		return oops.Code("AUTH_LOGOUT_FAILED").
			With("operation", "delete sessions").
			With("user_id", session.UserID).
			Wrap(err)
	}
	g.recorder.Record(ctx, audit.Entry{
		UserID: &session.UserID,
		Action: audit.ActionLogout,
		IP:     clientIP,
	})
	return nil
}

// CurrentUser resolves a session token to its user. Expired or unknown
// tokens return identity.ErrInvalidCredentials.
func (g *Gateway) CurrentUser(ctx context.Context, token string) (*identity.User, *Session, error) {
	if token == "" {
		return nil, nil, identity.ErrInvalidCredentials
	}

	session, err := g.sessions.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, nil, identity.ErrInvalidCredentials
		}
		return nil, nil, oops.Code("AUTH_SESSION_LOOKUP_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	if session.IsExpired() {
		return nil, nil, identity.ErrInvalidCredentials
	}

	user, err := g.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, nil, identity.ErrInvalidCredentials
		}
		return nil, nil, oops.Code("AUTH_SESSION_LOOKUP_FAILED").
			With("operation", "get session user").
			With("user_id", session.UserID).
			Wrap(err)
	}
	return user, session, nil
}

// DeleteSession removes a single session by ID.
func (g *Gateway) DeleteSession(ctx context.Context, id ulid.ULID) error {
	if err := g.sessions.Delete(ctx, id); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return oops.Code("SESSION_NOT_FOUND").
				With("session_id", id.String()).
				Wrap(err)
		}
		return oops.Code("AUTH_LOGOUT_FAILED").
			With("operation", "delete session").
			With("session_id", id.String()).
			Wrap(err)
	}
	return nil
}
