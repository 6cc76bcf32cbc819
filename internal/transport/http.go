// Copyright 2025 Joseph Cumines
//
// HTTP diagnostics endpoint served on a local unix socket

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// DiagnosticsConfig configures the diagnostics endpoint. There is no TCP
// option: the endpoint only ever binds a unix socket.
type DiagnosticsConfig struct {
	// Status, if set, provides the body of GET /status.
	Status func() any
	// Metrics is exported by GET /metrics. A nil registry exports nothing.
	Metrics *MetricsRegistry
	// Limiter throttles everything but /health and /metrics.
	Limiter      *RateLimiter
	Logger       *slog.Logger
	SocketPath   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DiagnosticsServer serves /health, /metrics, and /status.
type DiagnosticsServer struct {
	config   DiagnosticsConfig
	server   *http.Server
	listener *Listener
	started  time.Time
	mu       sync.Mutex
}

// NewDiagnosticsServer builds the server without binding anything.
func NewDiagnosticsServer(config DiagnosticsConfig) *DiagnosticsServer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	d := &DiagnosticsServer{config: config, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /metrics", d.handleMetrics)
	mux.HandleFunc("GET /status", d.handleStatus)

	d.server = &http.Server{
		Handler:      RateLimitMiddleware(config.Limiter, mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(config.Logger.Handler(), slog.LevelWarn),
	}
	return d
}

// Handler returns the HTTP handler, for in-process tests.
func (d *DiagnosticsServer) Handler() http.Handler {
	return d.server.Handler
}

func (d *DiagnosticsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, d.config.Logger, map[string]any{
		"status":     "ok",
		"uptimeMs":   time.Since(d.started).Milliseconds(),
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *DiagnosticsServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if d.config.Metrics == nil {
		return
	}
	if err := d.config.Metrics.WritePrometheus(w); err != nil {
		d.config.Logger.Warn("failed to write metrics", "error", err)
	}
}

func (d *DiagnosticsServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if d.config.Status == nil {
		http.Error(w, "status not available", http.StatusNotFound)
		return
	}
	writeJSON(w, d.config.Logger, d.config.Status())
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode diagnostics response", "error", err)
	}
}

// ListenAndServe binds the configured socket (mode 0600, stale files
// removed as for session sockets) and serves until Shutdown.
func (d *DiagnosticsServer) ListenAndServe() error {
	l, err := ListenUnix(d.config.SocketPath, d.config.Logger, nil)
	if err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
	d.config.Logger.Info("diagnostics endpoint listening", "path", d.config.SocketPath)
	if err := d.server.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and removes its socket file.
func (d *DiagnosticsServer) Shutdown(ctx context.Context) error {
	err := d.server.Shutdown(ctx)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		err = fmt.Errorf("failed to shutdown diagnostics: %w", err)
	} else {
		err = nil
	}
	d.mu.Lock()
	l := d.listener
	d.mu.Unlock()
	if l != nil {
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			d.config.Logger.Warn("failed to remove diagnostics socket", "path", l.path, "error", rmErr)
		}
	}
	return err
}
