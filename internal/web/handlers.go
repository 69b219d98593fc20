// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	"github.com/Mystikil/Thenexusv2/internal/auth"
	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/merge"
	"github.com/Mystikil/Thenexusv2/internal/ratelimit"
	"github.com/Mystikil/Thenexusv2/internal/recovery"
)

const (
	maxBodyBytes = 64 << 10
	searchLimit  = 50
)

type errorResponse struct {
	Error string `json:"error"`
}

type userResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	AccountID *int64 `json:"account_id,omitempty"`
	Role      string `json:"role"`
}

func toUserResponse(user *identity.User, masterEmails []string) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		AccountID: user.AccountID,
		Role:      string(user.EffectiveRole(masterEmails)),
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // nothing left to do if the error itself fails to write
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// writeError maps service errors onto HTTP statuses. Credential failures
// all collapse into the same 401 so responses cannot be used to probe
// which part of a login was wrong.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *auth.RateLimitedError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter/time.Second)))
		s.writeErrorStatus(w, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, recovery.ErrTooManyAttempts):
		s.writeErrorStatus(w, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, recovery.ErrKeyInvalid):
		s.writeErrorStatus(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrEmailTaken):
		s.writeErrorStatus(w, http.StatusConflict, "email already registered")
	case errors.Is(err, identity.ErrAccountNameTaken):
		s.writeErrorStatus(w, http.StatusConflict, "account name already taken")
	case errors.Is(err, identity.ErrAccountNotLinkable):
		s.writeErrorStatus(w, http.StatusConflict, "account is linked to another user")
	case errors.Is(err, recovery.ErrNoLinkedAccount):
		s.writeErrorStatus(w, http.StatusConflict, "no linked game account")
	case errors.Is(err, identity.ErrNotFound):
		s.writeErrorStatus(w, http.StatusNotFound, "not found")
	case errors.Is(err, merge.ErrMergeFailed):
		s.writeErrorStatus(w, http.StatusInternalServerError, "merge failed")
	case isValidationError(err):
		s.writeErrorStatus(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"error", err)
		s.writeErrorStatus(w, http.StatusInternalServerError, "internal error")
	}
}

// isValidationError reports whether err is a user-input failure whose
// message is safe to echo back.
func isValidationError(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	code, ok := oopsErr.Code().(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(code, "IDENTITY_") || strings.HasPrefix(code, "CRED_")
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	AccountName string `json:"account_name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	ip := clientIP(r)
	decision := s.deps.Limiter.Allow(r.Context(), ratelimit.BucketRegister, ip, false)
	if !decision.Allowed {
		s.writeError(w, r, &auth.RateLimitedError{RetryAfter: decision.RetryAfter})
		return
	}

	user, account, err := s.deps.Identity.Register(r.Context(), req.Email, req.Password, req.AccountName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.deps.Recorder.Record(r.Context(), audit.Entry{
		UserID:    &user.ID,
		AccountID: &account.ID,
		Action:    audit.ActionRegister,
		Detail:    map[string]any{"account_name": account.Name},
		IP:        ip,
	})

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"user":         toUserResponse(user, s.deps.MasterEmails),
		"account_name": account.Name,
	})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	// A caller re-authenticating with a live session can carry the rate
	// bypass flag from its user record.
	bypass := false
	if token := sessionToken(r); token != "" {
		if user, _, err := s.deps.Auth.CurrentUser(r.Context(), token); err == nil {
			bypass = user.RateBypass
		}
	}

	result, err := s.deps.Auth.Login(r.Context(), auth.LoginRequest{
		Identifier:      req.Identifier,
		Password:        req.Password,
		ClientIP:        clientIP(r),
		BypassRateLimit: bypass,
	})
	if err != nil {
		// A legacy account the portal refuses to provision still answers
		// like any other failed login.
		if errors.Is(err, identity.ErrAccountNotLinkable) {
			s.writeErrorStatus(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeError(w, r, err)
		return
	}

	http.SetCookie(w, s.sessionCookie(result.Token, result.Session.ExpiresAt))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user":    toUserResponse(result.User, s.deps.MasterEmails),
		"token":   result.Token,
		"expires": result.Session.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if err := s.deps.Auth.Logout(r.Context(), session, clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, s.sessionCookie("", time.Unix(0, 0)))
	s.writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	hasKey, err := s.deps.Recovery.HasKey(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user":             toUserResponse(user, s.deps.MasterEmails),
		"has_recovery_key": hasKey,
	})
}

type linkRequest struct {
	AccountName string `json:"account_name"`
	Password    string `json:"password"`
}

func (s *Server) handleLinkAccount(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !s.decode(w, r, &req) {
		return
	}

	user := userFrom(r.Context())
	account, err := s.deps.Identity.LinkAccount(r.Context(), user, req.AccountName, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.deps.Recorder.Record(r.Context(), audit.Entry{
		UserID:    &user.ID,
		AccountID: &account.ID,
		Action:    audit.ActionAccountLinked,
		Detail:    map[string]any{"trigger": "manual"},
		IP:        clientIP(r),
	})

	s.writeJSON(w, http.StatusOK, map[string]any{
		"account_id":   account.ID,
		"account_name": account.Name,
	})
}

func (s *Server) handleSetRecoveryKey(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	key, err := s.deps.Recovery.SetKey(r.Context(), user, clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The plaintext key is shown exactly once; only its digest is stored.
	s.writeJSON(w, http.StatusOK, map[string]any{"recovery_key": key})
}

func (s *Server) handleClearRecoveryKey(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.deps.Recovery.ClearKey(r.Context(), user, clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

type recoverRequest struct {
	Identifier         string `json:"identifier"`
	RecoveryKey        string `json:"recovery_key"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.NewPassword != req.NewPasswordConfirm {
		s.writeErrorStatus(w, http.StatusBadRequest, "passwords do not match")
		return
	}

	ip := clientIP(r)
	decision := s.deps.Limiter.Allow(r.Context(), ratelimit.BucketRecover, ip, false)
	if !decision.Allowed {
		s.writeError(w, r, &auth.RateLimitedError{RetryAfter: decision.RetryAfter})
		return
	}

	newKey, err := s.deps.Recovery.RecoverPassword(r.Context(), req.Identifier, req.RecoveryKey, req.NewPassword, ip)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := map[string]any{}
	if newKey != "" {
		body["recovery_key"] = newKey
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("email"))
	if query == "" {
		s.writeErrorStatus(w, http.StatusBadRequest, "email query is required")
		return
	}

	users, err := s.deps.Users.SearchByEmail(r.Context(), query, searchLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, user := range users {
		out = append(out, toUserResponse(user, s.deps.MasterEmails))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *Server) handleSearchAccounts(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("name"))
	if query == "" {
		s.writeErrorStatus(w, http.StatusBadRequest, "name query is required")
		return
	}

	accounts, err := s.deps.Accounts.SearchByName(r.Context(), query, searchLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, map[string]any{
			"id":    account.ID,
			"name":  account.Name,
			"email": account.Email,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

type mergeRequest struct {
	WebsiteUserID int64 `json:"website_user_id"`
	AccountID     int64 `json:"account_id"`
}

func (s *Server) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !s.decode(w, r, &req) {
		return
	}

	preview, err := s.deps.Merge.PreviewMerge(r.Context(), req.WebsiteUserID, req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !s.decode(w, r, &req) {
		return
	}

	admin := userFrom(r.Context())
	if err := s.deps.Merge.Merge(r.Context(), req.WebsiteUserID, req.AccountID, admin, clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"merged": true})
}

func (s *Server) sessionCookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}
