// Copyright 2025 Joseph Cumines
//
// Audit logging for bridge requests

package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/desktopbridge/internal/peer"
)

// AuditLogger writes one JSON record per request: method, peer, outcome
// code, duration, and the params with sensitive members redacted. A nil or
// disabled logger discards everything.
type AuditLogger struct {
	logger  *slog.Logger
	closer  io.Closer
	enabled bool
	mu      sync.RWMutex
}

// redactedKeys are params members whose values never reach the audit log.
// Keys containing one of these as a substring are redacted too.
var redactedKeys = map[string]bool{
	"password":    true,
	"secret":      true,
	"token":       true,
	"phrase":      true,
	"text":        true,
	"credential":  true,
	"private_key": true,
	"privatekey":  true,
	"passphrase":  true,
	"cookie":      true,
	"api_key":     true,
	"apikey":      true,
}

// NewAuditLogger opens filePath for appending (mode 0600). An empty path
// returns a disabled logger.
func NewAuditLogger(filePath string) (*AuditLogger, error) {
	if filePath == "" {
		return &AuditLogger{}, nil
	}

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	a := NewAuditLoggerWriter(file)
	a.closer = file
	return a, nil
}

// NewAuditLoggerWriter returns an enabled logger writing to w.
func NewAuditLoggerWriter(w io.Writer) *AuditLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &AuditLogger{
		logger:  slog.New(handler),
		enabled: true,
	}
}

// Close closes the audit log file if it is open. Safe to call multiple
// times.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enabled = false
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}

// IsEnabled returns true if audit records are being written.
func (a *AuditLogger) IsEnabled() bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// AuditRecord is one served request.
type AuditRecord struct {
	Params    json.RawMessage
	Method    string
	RequestID string
	Code      string
	Peer      peer.Identity
	Duration  time.Duration
}

// LogRequest writes rec with its params redacted.
func (a *AuditLogger) LogRequest(rec AuditRecord) {
	if !a.IsEnabled() {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.logger == nil {
		return
	}

	a.logger.Info("desktop_request",
		slog.String("method", rec.Method),
		slog.String("request_id", rec.RequestID),
		slog.String("code", rec.Code),
		slog.Int("peer_pid", rec.Peer.PID),
		slog.String("peer_trust", string(rec.Peer.Trust)),
		slog.String("peer_digest", rec.Peer.IdentityDigest),
		slog.String("params", redactParams(rec.Params)),
		slog.Float64("duration_seconds", rec.Duration.Seconds()),
	)
}

// redactParams redacts sensitive values from JSON params. The meta member
// is kept as is.
func redactParams(params json.RawMessage) string {
	if len(params) == 0 {
		return "{}"
	}

	var parsed map[string]any
	if err := json.Unmarshal(params, &parsed); err != nil {
		return "[unparseable]"
	}

	redactMapValues(parsed)

	redacted, err := json.Marshal(parsed)
	if err != nil {
		return "[error]"
	}
	return string(redacted)
}

func shouldRedact(key string) bool {
	lowerKey := strings.ToLower(key)
	if redactedKeys[lowerKey] {
		return true
	}
	for redactKey := range redactedKeys {
		if strings.Contains(lowerKey, redactKey) {
			return true
		}
	}
	return false
}

// redactMapValues recursively redacts sensitive values in a map.
func redactMapValues(m map[string]any) {
	for key, value := range m {
		if key == "meta" {
			continue
		}
		if shouldRedact(key) {
			m[key] = "[REDACTED]"
			continue
		}
		redactValue(value)
	}
}

func redactValue(v any) {
	switch v := v.(type) {
	case map[string]any:
		redactMapValues(v)
	case []any:
		for _, item := range v {
			redactValue(item)
		}
	}
}
