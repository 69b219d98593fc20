// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/Mystikil/Thenexusv2/internal/audit"
	auditpg "github.com/Mystikil/Thenexusv2/internal/audit/postgres"
	"github.com/Mystikil/Thenexusv2/internal/auth"
	authpg "github.com/Mystikil/Thenexusv2/internal/auth/postgres"
	"github.com/Mystikil/Thenexusv2/internal/config"
	"github.com/Mystikil/Thenexusv2/internal/credential"
	"github.com/Mystikil/Thenexusv2/internal/identity"
	identitypg "github.com/Mystikil/Thenexusv2/internal/identity/postgres"
	"github.com/Mystikil/Thenexusv2/internal/logging"
	"github.com/Mystikil/Thenexusv2/internal/merge"
	"github.com/Mystikil/Thenexusv2/internal/ratelimit"
	"github.com/Mystikil/Thenexusv2/internal/recovery"
	recoverypg "github.com/Mystikil/Thenexusv2/internal/recovery/postgres"
	"github.com/Mystikil/Thenexusv2/internal/store"
	"github.com/Mystikil/Thenexusv2/internal/tls"
	"github.com/Mystikil/Thenexusv2/internal/web"
	"github.com/Mystikil/Thenexusv2/internal/xdg"
)

const (
	shutdownTimeout      = 10 * time.Second
	attemptPurgeInterval = time.Hour
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the portal HTTP server",
		Long: `Start the portal HTTP server. Pending database migrations run
automatically before the listener comes up.`,
		RunE: runServe,
	}

	cmd.Flags().String("server.addr", "", "HTTP listen address override")
	cmd.Flags().String("database.url", "", "database URL override")
	cmd.Flags().String("log.format", "", "log format override (json or text)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger := logging.Setup("nexus-portal", version, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to database")
	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := autoMigrate(cfg.Database.URL, logger); err != nil {
		return err
	}

	server, manager, err := buildServer(cfg, pool, logger)
	if err != nil {
		return err
	}
	go purgeRecoveryAttempts(ctx, manager, logger)

	if cfg.Server.TLS.Enabled {
		certFile, keyFile := cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
		if certFile == "" {
			certFile, keyFile, err = tls.EnsureServerCert(xdg.CertsDir(), nil)
			if err != nil {
				return err
			}
			logger.Info("using self-signed certificate", "cert", certFile)
		}
		server.EnableTLS(certFile, keyFile)
	}

	errCh, err := server.Start()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		if serveErr != nil {
			return oops.Code("SERVER_FAILED").Wrap(serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// autoMigrate applies pending migrations before serving, so a fresh
// deployment needs no separate migrate step.
func autoMigrate(databaseURL string, logger *slog.Logger) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // close after Up only releases connections

	if err := migrator.Up(); err != nil {
		return err
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	logger.Info("database schema current", "version", version, "dirty", dirty)
	return nil
}

// buildServer wires repositories and services onto the shared pool.
func buildServer(cfg config.Config, pool store.DB, logger *slog.Logger) (*web.Server, *recovery.Manager, error) {
	schema := cfg.LegacySchema()

	userRepo := identitypg.NewUserRepository(pool)
	accountRepo, err := identitypg.NewAccountRepository(pool, schema)
	if err != nil {
		return nil, nil, err
	}

	transactor, err := identitypg.NewTransactor(pool, schema)
	if err != nil {
		return nil, nil, err
	}

	hasher := credential.NewArgon2idHasher()
	resolver := identity.NewResolver(userRepo, accountRepo, hasher, identity.ResolverConfig{
		Mode:          credential.Mode(cfg.Passwords.Mode),
		WithSalt:      cfg.Passwords.WithSalt,
		AutoProvision: cfg.Identity.AutoProvision,
		MasterEmails:  cfg.Identity.MasterEmails,
		Tx:            transactor,
	})

	recorder := audit.NewRecorder(auditpg.NewSink(pool), logger)
	limiter := ratelimit.NewLimiter(pool, cfg.RateRules(), logger)

	gateway := auth.NewGateway(resolver, userRepo, authpg.NewSessionRepository(pool), hasher,
		limiter, recorder, logger, auth.GatewayConfig{
			Mode:           credential.Mode(cfg.Passwords.Mode),
			WithSalt:       cfg.Passwords.WithSalt,
			AllowFallbacks: cfg.Passwords.AllowFallbacks,
		})

	recoveryCfg := cfg.RecoveryConfig()
	recoveryCfg.Flags = store.NewSettings(pool, logger)
	recoveryCfg.Tx = transactor
	manager := recovery.NewManager(userRepo, accountRepo, recoverypg.NewAttemptRepository(pool),
		resolver, hasher, recorder, recoveryCfg)

	engine, err := merge.NewEngine(pool, userRepo, accountRepo, schema, recorder,
		cfg.Identity.MasterEmails, logger)
	if err != nil {
		return nil, nil, err
	}

	deps := web.Deps{
		Auth:          gateway,
		Identity:      resolver,
		Recovery:      manager,
		Merge:         engine,
		Limiter:       limiter,
		Users:         userRepo,
		Accounts:      accountRepo,
		Recorder:      recorder,
		MasterEmails:  cfg.Identity.MasterEmails,
		SecureCookies: true,
		IsReady:       readiness(pool),
	}
	return web.NewServer(cfg.Server.Addr, deps, logger), manager, nil
}

func readiness(pool store.DB) web.ReadinessChecker {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	p, ok := pool.(pinger)
	if !ok {
		return nil
	}
	return func(ctx context.Context) bool {
		return p.Ping(ctx) == nil
	}
}

// purgeRecoveryAttempts deletes aged-out recovery attempts on a timer until
// the context is canceled.
func purgeRecoveryAttempts(ctx context.Context, manager *recovery.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(attemptPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := manager.PurgeStaleAttempts(ctx)
			if err != nil {
				logger.Warn("recovery attempt cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Debug("recovery attempts purged", "deleted", deleted)
			}
		}
	}
}
