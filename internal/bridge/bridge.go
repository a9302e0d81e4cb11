// Package bridge is the main orchestrator that ties all server components
// together: storage, license gate, key exchange, relay, and the HTTP API.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pairlink/pairlink/internal/api"
	"github.com/pairlink/pairlink/internal/auth"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/crypto"
	"github.com/pairlink/pairlink/internal/license"
	"github.com/pairlink/pairlink/internal/registry"
	"github.com/pairlink/pairlink/internal/relay"
	"github.com/pairlink/pairlink/internal/store"
)

// legacyKeySalt fixes the PBKDF2 salt so every deployment sharing a
// passphrase derives the same compatibility key.
const legacyKeySalt = "pairlink-legacy-v1"

// Bridge is the main server process.
type Bridge struct {
	cfg          *config.Config
	store        store.Store
	relay        *relay.Router
	api          *api.Server
	httpSessions *crypto.HTTPSessionStore
	logger       *slog.Logger
}

// New creates a Bridge from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	keys, err := crypto.NewKeyManager(cfg.Crypto.KeyDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init keypair: %w", err)
	}

	gate := license.NewService(db, logger)
	sessions := crypto.NewSessionStore()
	httpSessions := crypto.NewHTTPSessionStore(
		cfg.Session.HTTPSessionTTL.Duration, cfg.Session.SweepInterval.Duration, logger)
	reg := registry.New(logger)

	relayOpts := relay.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		WriteTimeout:      cfg.Session.WriteTimeout.Duration,
		PlaintextFallback: cfg.Session.PlaintextFallback,
	}
	if cfg.Crypto.LegacyPassphrase != "" {
		relayOpts.LegacyKey = crypto.DeriveKey(cfg.Crypto.LegacyPassphrase, legacyKeySalt)
	}
	rt := relay.New(keys, sessions, reg, gate, db, logger, relayOpts)

	authSvc := auth.NewService(gate, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry.Duration)
	apiSrv := api.NewServer(db, authSvc, rt, keys, httpSessions, cfg, logger)

	b := &Bridge{
		cfg:          cfg,
		store:        db,
		relay:        rt,
		api:          apiSrv,
		httpSessions: httpSessions,
		logger:       logger.With("component", "bridge"),
	}

	// Startup validation warnings.
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if cfg.Session.PlaintextFallback {
		logger.Warn("plaintext fallback is enabled — peers may exchange unencrypted frames before key exchange")
	}
	if cfg.Crypto.LegacyPassphrase != "" {
		logger.Warn("legacy passphrase fallback is enabled — prefer the RSA key exchange for all peers")
	}
	if cfg.Server.StaticDir != "" {
		if _, err := os.Stat(cfg.Server.StaticDir); os.IsNotExist(err) {
			logger.Warn("static directory does not exist", "path", cfg.Server.StaticDir)
		}
	}

	return b, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.Server.Addr,
		Handler: b.api.Handler(),
	}

	// Expired HTTP sessions are reaped in the background.
	b.httpSessions.StartSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("pairlink listening", "addr", b.cfg.Server.Addr)
		if b.cfg.Server.TLSCert != "" && b.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(b.cfg.Server.TLSCert, b.cfg.Server.TLSKey)
		} else {
			b.logger.Warn("TLS not configured, running without transport encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			b.logger.Info("http server stopped gracefully")
		}

		b.logger.Info("closing store")
		_ = b.store.Close()
		b.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = b.store.Close()
		return err
	}
}
