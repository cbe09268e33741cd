// Command broker is the verification broker binary. It loads a YAML
// configuration file (with environment overrides), connects to Redis for
// session and rate-limit state, starts the trust-anchor registry refresh
// loop, exposes the HTTP/WebSocket API, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/govverify/broker/internal/certcheck"
	"github.com/govverify/broker/internal/config"
	"github.com/govverify/broker/internal/engine"
	"github.com/govverify/broker/internal/hub"
	"github.com/govverify/broker/internal/ratelimit"
	"github.com/govverify/broker/internal/registry"
	"github.com/govverify/broker/internal/server"
	"github.com/govverify/broker/internal/session"
	"github.com/govverify/broker/internal/store"
	"github.com/govverify/broker/internal/tlsprobe"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file (optional)")
		logLevel   = flag.String("log-level", "", "Override log level: debug | info | warn | error")
	)
	flag.Parse()

	// Local .env files feed the environment overrides in dev setups; a
	// missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("verification broker starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("redis_addr", cfg.RedisAddr),
	)
	if cfg.Registry.TestSSL {
		logger.Warn("TEST_SSL_MODE enabled; badssl.com hosts are trusted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis store ───────────────────────────────────────────────────────────
	st, err := store.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("redis connected", slog.String("addr", cfg.RedisAddr))

	// ── Trust-anchor registry ─────────────────────────────────────────────────
	reg := registry.New(ctx, registry.Options{
		SnapshotPath: cfg.Registry.SnapshotPath,
		FeedURL:      cfg.Registry.FeedURL,
		CacheTTL:     cfg.RegistryCacheTTL(),
		TestSSL:      cfg.Registry.TestSSL,
		Logger:       logger,
	})

	// ── Verification engine ───────────────────────────────────────────────────
	eng := engine.New(
		reg,
		tlsprobe.New(tlsprobe.DefaultTimeout, logger),
		certcheck.NewRevoker(logger),
		nil,
	)

	// ── Sessions, rate limits, notification hub ───────────────────────────────
	sessions := session.NewManager(st, cfg.SessionTTL(), logger, nil)
	limiter := ratelimit.New(st, cfg.RateLimits, logger)
	h := hub.New(hub.Options{
		MaxPerChannel: cfg.WS.MaxPerChannel,
		Logger:        logger,
	})

	srv := server.New(sessions, eng, limiter, h, logger, cfg.WS.AllowSameIP)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
		// No blanket write timeout: WebSocket connections outlive any
		// sane request deadline.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// ── Start server ──────────────────────────────────────────────────────────
	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("verification broker exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
