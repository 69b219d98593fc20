// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package web exposes the portal over HTTP: registration, login,
// account linking, password recovery, and the admin merge surface.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	"github.com/Mystikil/Thenexusv2/internal/auth"
	"github.com/Mystikil/Thenexusv2/internal/identity"
	"github.com/Mystikil/Thenexusv2/internal/merge"
	"github.com/Mystikil/Thenexusv2/internal/ratelimit"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "nexus_session"

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "portal_http_requests_total",
		Help: "Total HTTP requests by route and status",
	},
	[]string{"route", "status"},
)

// AuthService is the slice of the auth gateway the handlers use.
type AuthService interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	Logout(ctx context.Context, session *auth.Session, clientIP string) error
	CurrentUser(ctx context.Context, token string) (*identity.User, *auth.Session, error)
}

// IdentityService covers registration and account linking.
type IdentityService interface {
	Register(ctx context.Context, email, password, accountName string) (*identity.User, *identity.Account, error)
	LinkAccount(ctx context.Context, user *identity.User, accountName, password string) (*identity.Account, error)
}

// RecoveryService manages recovery keys and key-based password resets.
type RecoveryService interface {
	HasKey(ctx context.Context, user *identity.User) (bool, error)
	SetKey(ctx context.Context, user *identity.User, clientIP string) (string, error)
	ClearKey(ctx context.Context, user *identity.User, clientIP string) error
	RecoverPassword(ctx context.Context, identifier, key, newPassword, clientIP string) (string, error)
}

// MergeService is the admin merge engine surface.
type MergeService interface {
	PreviewMerge(ctx context.Context, targetUserID, accountID int64) (*merge.Preview, error)
	Merge(ctx context.Context, targetUserID, accountID int64, actor *identity.User, clientIP string) error
}

// RateLimiter gates request buckets that the gateway does not cover.
type RateLimiter interface {
	Allow(ctx context.Context, bucket, identifier string, bypass bool) ratelimit.Decision
}

// ReadinessChecker reports whether the portal can serve traffic.
type ReadinessChecker func(ctx context.Context) bool

// Deps are the services the server routes to.
type Deps struct {
	Auth     AuthService
	Identity IdentityService
	Recovery RecoveryService
	Merge    MergeService
	Limiter  RateLimiter
	Users    identity.UserRepository
	Accounts identity.AccountRepository
	Recorder *audit.Recorder

	// MasterEmails promote matching users to owner regardless of the
	// stored role.
	MasterEmails []string

	// SecureCookies marks session cookies Secure. Leave false only for
	// plain-HTTP development setups.
	SecureCookies bool

	IsReady ReadinessChecker
}

// Server serves the portal HTTP API.
type Server struct {
	addr       string
	deps       Deps
	logger     *slog.Logger
	certFile   string
	keyFile    string
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates a portal server. A nil logger uses slog.Default.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, deps: deps, logger: logger}
}

// EnableTLS makes Start serve HTTPS with the given PEM pair. Must be
// called before Start.
func (s *Server) EnableTLS(certFile, keyFile string) {
	s.certFile = certFile
	s.keyFile = keyFile
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz/liveness", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/healthz/readiness", s.handleReadiness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/recover", s.handleRecover).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireSession)
	authed.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/account/link", s.handleLinkAccount).Methods(http.MethodPost)
	authed.HandleFunc("/recovery/key", s.handleSetRecoveryKey).Methods(http.MethodPost)
	authed.HandleFunc("/recovery/key", s.handleClearRecoveryKey).Methods(http.MethodDelete)

	admin := authed.NewRoute().Subrouter()
	admin.Use(s.requireRole(identity.RoleAdmin))
	admin.HandleFunc("/admin/users", s.handleSearchUsers).Methods(http.MethodGet)
	admin.HandleFunc("/admin/accounts", s.handleSearchAccounts).Methods(http.MethodGet)
	admin.HandleFunc("/admin/merge/preview", s.handleMergePreview).Methods(http.MethodPost)
	admin.HandleFunc("/admin/merge", s.handleMerge).Methods(http.MethodPost)

	r.Use(s.countRequests)
	return r
}

// Start begins serving. It returns an error channel that receives any
// serve error and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("portal server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		var serveErr error
		if s.certFile != "" {
			serveErr = httpSrv.ServeTLS(listener, s.certFile, s.keyFile)
		} else {
			serveErr = httpSrv.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("portal server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("portal server started",
		"addr", listener.Addr().String(),
		"tls", s.certFile != "")
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_portal_server").Wrap(err)
		}
	}
	s.logger.Info("portal server stopped")
	return nil
}

// Addr returns the listen address, or empty when not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n")) //nolint:errcheck // health probe
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.deps.IsReady == nil || s.deps.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck // health probe
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready\n")) //nolint:errcheck // health probe
}

// countRequests records a per-route counter once the response is written.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
