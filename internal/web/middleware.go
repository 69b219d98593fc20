// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package web

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Mystikil/Thenexusv2/internal/auth"
	"github.com/Mystikil/Thenexusv2/internal/identity"
)

type contextKey int

const (
	userKey contextKey = iota
	sessionKey
)

// userFrom returns the authenticated user stored by requireSession.
func userFrom(ctx context.Context) *identity.User {
	user, _ := ctx.Value(userKey).(*identity.User)
	return user
}

func sessionFrom(ctx context.Context) *auth.Session {
	session, _ := ctx.Value(sessionKey).(*auth.Session)
	return session
}

// sessionToken extracts the token from the cookie or a bearer header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// clientIP returns the originating address, preferring the first
// X-Forwarded-For hop set by the reverse proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireSession resolves the session token and stores the user and
// session on the request context. Unknown or expired tokens get 401.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, session, err := s.deps.Auth.CurrentUser(r.Context(), sessionToken(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, sessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a route on the user's effective role, so master
// emails pass even when the stored role is lower.
func (s *Server) requireRole(want identity.Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFrom(r.Context())
			if user == nil || !user.EffectiveRole(s.deps.MasterEmails).AtLeast(want) {
				s.writeErrorStatus(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
