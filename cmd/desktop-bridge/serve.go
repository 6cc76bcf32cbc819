// Copyright 2025 Joseph Cumines
//
// serve: the long-running socket host

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/desktopbridge/internal/bridge"
	"github.com/joeycumines/desktopbridge/internal/config"
	"github.com/joeycumines/desktopbridge/internal/confirm"
	"github.com/joeycumines/desktopbridge/internal/peer"
	"github.com/joeycumines/desktopbridge/internal/platform"
	"github.com/joeycumines/desktopbridge/internal/transport"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve callers on a local unix socket",
		Long: `Listen on a unix socket (mode 0600) and serve one session per connection.

Each connection's peer is identified from kernel credentials. On SIGINT or
SIGTERM the socket stops accepting, new requests are refused with
DESKTOP_HOST_NOT_READY, and in-flight requests are given the drain timeout
to finish. A second signal forces shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("socket") {
				cfg.SocketPath, _ = cmd.Flags().GetString("socket")
			}
			if cmd.Flags().Changed("diagnostics") {
				cfg.DiagnosticsSocket, _ = cmd.Flags().GetString("diagnostics")
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("socket", "", "session socket path")
	cmd.Flags().String("diagnostics", "", "diagnostics HTTP socket path (disabled if empty)")
	return cmd
}

// host is the process-wide state shared by serve and session.
type host struct {
	logger  *slog.Logger
	audit   *bridge.AuditLogger
	metrics *transport.MetricsRegistry
	client  *platform.Client
	tokens  *confirm.Store
	srv     *bridge.Server
}

func newHost(cfg *config.Config) (*host, error) {
	h := &host{
		logger:  newLogger(cfg),
		metrics: transport.NewMetricsRegistry(),
		tokens:  confirm.NewStore(),
	}
	audit, err := bridge.NewAuditLogger(cfg.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	h.audit = audit

	client, err := platform.Dial(cfg.PlatformAddr)
	if err != nil {
		_ = h.audit.Close()
		return nil, err
	}
	h.client = client

	h.srv, err = bridge.New(bridge.Options{
		Platform: client,
		Config:   cfg,
		Logger:   h.logger,
		Audit:    h.audit,
		Metrics:  h.metrics,
		Tokens:   h.tokens,
		Version:  Version,
	})
	if err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

func (h *host) close() {
	if err := h.client.Close(); err != nil {
		h.logger.Warn("failed to close platform client", "error", err)
	}
	if err := h.audit.Close(); err != nil {
		h.logger.Warn("failed to close audit log", "error", err)
	}
}

// sweepTokens prunes expired confirmation tokens until ctx is done.
func (h *host) sweepTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := h.tokens.Cleanup(now); n > 0 {
				h.logger.Debug("pruned expired confirmation tokens", "count", n)
			}
		}
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := newHost(cfg)
	if err != nil {
		return err
	}
	defer h.close()

	resolver, err := peer.NewResolver(0, h.logger)
	if err != nil {
		return err
	}

	ln, err := transport.ListenUnix(cfg.SocketPath, h.logger, h.metrics)
	if err != nil {
		return err
	}

	// sessions outlive the accept loop so that in-flight requests can drain
	sessionCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()
	go h.sweepTokens(sessionCtx)

	var diag *transport.DiagnosticsServer
	if cfg.DiagnosticsSocket != "" {
		diag = transport.NewDiagnosticsServer(transport.DiagnosticsConfig{
			Status:     h.srv.Status,
			Metrics:    h.metrics,
			Limiter:    transport.NewRateLimiter(cfg.RateLimit),
			Logger:     h.logger,
			SocketPath: cfg.DiagnosticsSocket,
		})
		go func() {
			if err := diag.ListenAndServe(); err != nil {
				h.logger.Error("diagnostics endpoint failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ln.Serve(sessionCtx, func(conn net.Conn) transport.Handler {
			return h.srv.Session(func() peer.Identity { return resolver.FromConn(conn) })
		})
	}()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	h.logger.Info("desktop bridge serving", "socket", ln.Path(), "platform", cfg.PlatformAddr, "version", Version)

	var runErr error
	select {
	case sig := <-signals:
		h.logger.Info("received signal, draining", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Info("context done, draining")
	case runErr = <-serveErr:
		if runErr != nil {
			h.logger.Error("accept loop failed", "error", runErr)
		}
	}

	h.srv.StopAccepting()
	ln.StopAccepting()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelDrain()
	go func() {
		select {
		case <-signals:
			h.logger.Warn("forced shutdown")
			cancelDrain()
		case <-drainCtx.Done():
		}
	}()
	if err := h.srv.Drain(drainCtx); err != nil {
		h.logger.Warn("drain incomplete", "in_flight", h.srv.InFlight(), "error", err)
	}

	cancelSessions()
	if err := ln.Close(); err != nil {
		h.logger.Warn("failed to close listener", "error", err)
	}
	if diag != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := diag.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("failed to stop diagnostics", "error", err)
		}
	}
	h.logger.Info("desktop bridge stopped")
	return runErr
}
