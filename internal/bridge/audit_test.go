// Copyright 2025 Joseph Cumines
//
// Audit logger unit tests

package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/desktopbridge/internal/peer"
)

func TestNewAuditLogger_Disabled(t *testing.T) {
	logger, err := NewAuditLogger("")
	if err != nil {
		t.Fatalf("NewAuditLogger('') error = %v", err)
	}
	if logger.IsEnabled() {
		t.Error("Expected logger to be disabled when no file path provided")
	}
	logger.LogRequest(AuditRecord{Method: "health"})
}

func TestNewAuditLogger_InvalidPath(t *testing.T) {
	_, err := NewAuditLogger("/nonexistent/directory/that/doesnt/exist/audit.log")
	if err == nil {
		t.Error("Expected error for invalid path")
	}
}

func TestAuditLogger_File(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewAuditLogger(logPath)
	if err != nil {
		t.Fatalf("NewAuditLogger error = %v", err)
	}
	if !logger.IsEnabled() {
		t.Fatal("Expected logger to be enabled")
	}

	logger.LogRequest(AuditRecord{
		Params:    json.RawMessage(`{"meta":{"requestId":"r1"},"selector":{"byRole":"button"}}`),
		Method:    "click",
		RequestID: "r1",
		Code:      "ok",
		Peer:      peer.Identity{PID: 7, Trust: peer.TrustExecutable, IdentityDigest: "abc"},
		Duration:  50 * time.Millisecond,
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	logger.LogRequest(AuditRecord{Method: "after-close"})

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("Expected exactly one JSON record, got %s: %v", content, err)
	}
	want := map[string]any{
		"msg":         "desktop_request",
		"method":      "click",
		"request_id":  "r1",
		"code":        "ok",
		"peer_pid":    float64(7),
		"peer_trust":  "executable",
		"peer_digest": "abc",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if d, _ := entry["duration_seconds"].(float64); d != 0.05 {
		t.Errorf("duration_seconds = %v", entry["duration_seconds"])
	}
	if !strings.Contains(entry["params"].(string), `"byRole":"button"`) {
		t.Errorf("params should be kept, got %v", entry["params"])
	}
}

func TestAuditLogger_NilLogger(t *testing.T) {
	var logger *AuditLogger
	if logger.IsEnabled() {
		t.Error("Nil logger should not be enabled")
	}
	logger.LogRequest(AuditRecord{Method: "health"})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on nil logger error = %v", err)
	}
}

func TestRedactParams(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
		excluded []string
	}{
		{
			name:     "no sensitive data",
			input:    `{"selector": {"titleContains": "Save"}}`,
			expected: []string{"Save"},
			excluded: []string{"REDACTED"},
		},
		{
			name:     "typed text",
			input:    `{"text": "hunter2", "selector": {"byRole": "textfield"}}`,
			expected: []string{"textfield", "REDACTED"},
			excluded: []string{"hunter2"},
		},
		{
			name:     "confirmation token",
			input:    `{"confirm": {"token": "tok-123"}}`,
			expected: []string{"REDACTED"},
			excluded: []string{"tok-123"},
		},
		{
			name:     "confirmation phrase",
			input:    `{"confirm": {"phrase": "CONFIRM_DESKTOP_ACTION"}}`,
			expected: []string{"REDACTED"},
			excluded: []string{"CONFIRM_DESKTOP_ACTION"},
		},
		{
			name:     "intent params",
			input:    `{"intent": {"method": "typeText", "params": {"text": "secret words"}}}`,
			expected: []string{"typeText", "REDACTED"},
			excluded: []string{"secret words"},
		},
		{
			name:     "partial match",
			input:    `{"my_password_field": "value123"}`,
			expected: []string{"REDACTED"},
			excluded: []string{"value123"},
		},
		{
			name:     "meta kept",
			input:    `{"meta": {"requestId": "token-like-id"}}`,
			expected: []string{"token-like-id"},
			excluded: []string{"REDACTED"},
		},
		{
			name:     "empty params",
			input:    ``,
			expected: []string{"{}"},
		},
		{
			name:     "invalid json",
			input:    `{invalid}`,
			expected: []string{"unparseable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactParams(json.RawMessage(tt.input))
			for _, exp := range tt.expected {
				if !strings.Contains(result, exp) {
					t.Errorf("Expected %q in result, got: %s", exp, result)
				}
			}
			for _, exc := range tt.excluded {
				if strings.Contains(result, exc) {
					t.Errorf("Should NOT contain %q, got: %s", exc, result)
				}
			}
		})
	}
}

func TestRedactMapValues_CaseInsensitive(t *testing.T) {
	m := map[string]any{
		"PASSWORD":  "secret1",
		"Text":      "secret2",
		"apiKey":    "secret3",
		"safe_data": "visible",
	}
	redactMapValues(m)
	for _, k := range []string{"PASSWORD", "Text", "apiKey"} {
		if m[k] != "[REDACTED]" {
			t.Errorf("%s should be redacted, got: %v", k, m[k])
		}
	}
	if m["safe_data"] != "visible" {
		t.Errorf("safe_data should NOT be redacted, got: %v", m["safe_data"])
	}
}

func TestRedactMapValues_ArrayOfMaps(t *testing.T) {
	m := map[string]any{
		"items": []any{
			map[string]any{"name": "item1", "password": "secret"},
		},
	}
	redactMapValues(m)

	item := m["items"].([]any)[0].(map[string]any)
	if item["password"] != "[REDACTED]" {
		t.Errorf("Nested password in array should be redacted, got: %v", item["password"])
	}
	if item["name"] != "item1" {
		t.Errorf("name should NOT be redacted, got: %v", item["name"])
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	var buf safeBuffer
	logger := NewAuditLoggerWriter(&buf)

	const goroutines, perGoroutine = 10, 20
	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range perGoroutine {
				logger.LogRequest(AuditRecord{Method: "find", Code: "ok", Params: json.RawMessage(`{"selector":{"byRole":"button"}}`)})
			}
		})
	}
	wg.Wait()

	lines := 0
	scanner := bufio.NewScanner(strings.NewReader(buf.String()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		lines++
	}
	if lines != goroutines*perGoroutine {
		t.Errorf("Expected %d lines, got %d", goroutines*perGoroutine, lines)
	}
}

type safeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
