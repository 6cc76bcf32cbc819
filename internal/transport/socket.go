// Copyright 2025 Joseph Cumines
//
// Unix domain socket listener for NDJSON sessions

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SocketMode is the permission of the socket file.
const SocketMode fs.FileMode = 0o600

// Listener accepts NDJSON sessions on a unix domain socket. Each
// connection is an independent session served by its own Handler.
type Listener struct {
	logger    *slog.Logger
	metrics   *MetricsRegistry
	ln        net.Listener
	conns     map[net.Conn]struct{}
	path      string
	wg        sync.WaitGroup
	mu        sync.Mutex
	accepting atomic.Bool
}

// ListenUnix binds path with mode 0600. A stale socket file is removed
// first; if another process is still serving on it, ListenUnix fails
// instead of stealing the path.
func ListenUnix(path string, logger *slog.Logger, metrics *MetricsRegistry) (*Listener, error) {
	if path == "" {
		return nil, errors.New("socket path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, SocketMode); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, fmt.Errorf("restricting socket %s: %w", path, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		// The file is removed explicitly by Close.
		ul.SetUnlinkOnClose(false)
	}

	l := &Listener{
		logger:  logger,
		metrics: metrics,
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
		path:    path,
	}
	l.accepting.Store(true)
	return l, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting socket path %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		c.Close()
		return fmt.Errorf("socket %s is in use by another process", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Addr returns the listener address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accepting reports whether new connections are still accepted.
func (l *Listener) Accepting() bool { return l.accepting.Load() }

// Serve accepts connections until StopAccepting, Close, or ctx is done.
// newHandler is called once per connection, before its first read, and
// typically resolves the peer identity. Serve returns when accepting
// stops; connections already open keep being served until they close or
// Close is called.
func (l *Listener) Serve(ctx context.Context, newHandler func(conn net.Conn) Handler) error {
	stop := context.AfterFunc(ctx, l.StopAccepting)
	defer stop()

	l.logger.Info("socket listener ready", "path", l.path)
	var retry time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.accepting.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			retry = acceptBackoff(retry)
			l.logger.Error("accept failed", "error", err, "retry_in", retry)
			timer := time.NewTimer(retry)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
			continue
		}
		retry = 0

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		active := len(l.conns)
		l.mu.Unlock()
		l.metrics.SetActiveConnections(active)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn, newHandler)
		}()
	}
}

// acceptBackoff doubles the delay after a failed Accept, from 5ms up to 1s.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(prev*2, time.Second)
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn, newHandler func(net.Conn) Handler) {
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		active := len(l.conns)
		l.mu.Unlock()
		l.metrics.SetActiveConnections(active)
	}()

	h := newHandler(conn)
	stream := NewStream(conn, conn, conn)
	if err := Serve(ctx, stream, h, l.logger); err != nil {
		l.logger.Debug("session ended", "error", err)
	}
}

// StopAccepting closes the listening socket. Open connections are left
// alone; the request handler is expected to refuse further work on them.
func (l *Listener) StopAccepting() {
	if l.accepting.Swap(false) {
		l.ln.Close()
		l.logger.Info("socket listener stopped accepting", "path", l.path)
	}
}

// Close stops accepting, ends every open session, waits for them to
// finish, and removes the socket file. Sessions are ended by closing the
// read side, so responses already being produced are still written.
func (l *Listener) Close() error {
	l.StopAccepting()

	l.mu.Lock()
	for c := range l.conns {
		if rc, ok := c.(interface{ CloseRead() error }); ok {
			_ = rc.CloseRead()
		} else {
			c.Close()
		}
	}
	l.mu.Unlock()
	l.wg.Wait()

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing socket %s: %w", l.path, err)
	}
	return nil
}
