// Package hub is the orchestrator that ties the relay components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hereliesaz/hashkitty/hub/internal/api"
	"github.com/hereliesaz/hashkitty/hub/internal/bridge"
	"github.com/hereliesaz/hashkitty/hub/internal/config"
	"github.com/hereliesaz/hashkitty/hub/internal/job"
	"github.com/hereliesaz/hashkitty/hub/internal/rooms"
	"github.com/hereliesaz/hashkitty/hub/internal/router"
	"github.com/hereliesaz/hashkitty/hub/internal/sniff"
	"github.com/hereliesaz/hashkitty/hub/internal/store"
)

// Option customizes a Hub.
type Option func(*Hub)

// WithAttackHandler registers the runner invoked for attack requests.
func WithAttackHandler(h job.Handler) Option {
	return func(hub *Hub) { hub.attack = h }
}

// WithDialer overrides the SSH dialer used for remote capture.
func WithDialer(d sniff.Dialer) Option {
	return func(hub *Hub) { hub.dialer = d }
}

// Hub is the relay process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	rooms    *rooms.Hub
	bridge   *bridge.Bridge
	dialer   sniff.Dialer
	attack   job.Handler
	runner   *job.Runner
	launcher *sniff.Launcher
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New creates a relay from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	h := &Hub{
		cfg:    cfg,
		store:  db,
		rooms:  rooms.New(logger),
		bridge: bridge.New(logger, bridge.Options{Timeout: cfg.Bridge.Timeout.Duration, QueueSize: cfg.Bridge.QueueSize}),
		logger: logger.With("component", "hub"),
	}
	if cfg.Sniff.IsEnabled() {
		h.dialer = &sniff.SSHDialer{
			ConnectTimeout: cfg.Sniff.ConnectTimeout.Duration,
			KnownHostsFile: cfg.Sniff.KnownHosts,
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	if !cfg.Sniff.IsEnabled() {
		h.dialer = nil
	}
	if h.attack == nil && cfg.Attack.Binary != "" {
		h.runner = &job.Runner{
			Binary:     cfg.Attack.Binary,
			MaxRuntime: cfg.Attack.MaxRuntime.Duration,
			Logger:     logger.With("component", "attack"),
		}
		h.attack = h.runner.Handle
	}

	h.launcher = sniff.NewLauncher(h.dialer, sniff.Options{
		CaptureCommand: cfg.Sniff.CaptureCommand,
		KillCommand:    cfg.Sniff.KillCommand,
		ChunkSize:      cfg.Sniff.ChunkSize,
	}, logger)
	h.router = router.New(h.rooms, h.bridge, h.launcher, db, logger, router.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		SendBuffer:        cfg.Relay.SendBuffer,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
		PingInterval:      cfg.Relay.PingInterval.Duration,
		PongWait:          cfg.Relay.PongWait.Duration,
	})
	if h.attack != nil {
		h.router.SetAttackHandler(job.Validating(h.attack))
	}

	h.api = api.NewServer(db, h.router, h.rooms, h.bridge, h.launcher, cfg, logger)

	if h.launcher.Enabled() && cfg.Sniff.KnownHosts == "" {
		logger.Warn("sniff.known_hosts not set, remote host keys are not verified")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run listens on the configured address and serves until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.Addr)
	if err != nil {
		_ = h.store.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return h.Serve(ctx, ln)
}

// Serve starts the bridge loop and the HTTP server on ln and blocks until ctx
// is canceled or the server fails.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The bridge outlives ctx so sessions stopped during shutdown can still
	// report sniff_stopped.
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	go h.bridge.Run(bridgeCtx)

	h.api.StartBackgroundTasks(ctx)

	if d := h.cfg.Storage.AuditRetention.Duration; d > 0 {
		go h.runRetentionPurger(ctx, d)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("relay listening", "addr", ln.Addr().String(), "sniff_enabled", h.launcher.Enabled())
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ServeTLS(ln, h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown.
		h.router.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.launcher.StopAll(shutdownCtx)
		if h.runner != nil {
			h.runner.Shutdown()
		}
		stopBridge()

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.launcher.StopAll(context.Background())
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx, retention)
		}
	}
}

func (h *Hub) purge(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
