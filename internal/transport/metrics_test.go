// Copyright 2025 Joseph Cumines
//
// Metrics registry unit tests

package transport

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMetricsRegistry_RecordRequest(t *testing.T) {
	m := NewMetricsRegistry()
	m.RecordRequest("desktop.click", "ok", 20*time.Millisecond)
	m.RecordRequest("desktop.click", "ok", 30*time.Millisecond)
	m.RecordRequest("desktop.click", "DESKTOP_NOT_ALLOWED", time.Millisecond)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# TYPE desktop_bridge_requests_total counter",
		`desktop_bridge_requests_total{method="desktop.click",code="ok"} 2`,
		`desktop_bridge_requests_total{method="desktop.click",code="DESKTOP_NOT_ALLOWED"} 1`,
		"# TYPE desktop_bridge_request_duration_seconds histogram",
		`desktop_bridge_request_duration_seconds_bucket{method="desktop.click",le="0.001"} 1`,
		`desktop_bridge_request_duration_seconds_bucket{method="desktop.click",le="0.025"} 2`,
		`desktop_bridge_request_duration_seconds_bucket{method="desktop.click",le="+Inf"} 3`,
		`desktop_bridge_request_duration_seconds_count{method="desktop.click"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q\n%s", want, out)
		}
	}
}

func TestMetricsRegistry_DomainRecorders(t *testing.T) {
	m := NewMetricsRegistry()
	m.RecordTokenIssued("desktop.typeText")
	m.RecordTokenConsumed("desktop.typeText")
	m.RecordConfirmRejected("used")
	m.RecordAbort(true)
	m.RecordAbort(false)
	m.RecordTruncation("maxNodes")
	m.SetActiveConnections(3)
	m.SetInFlight(1)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		`desktop_bridge_confirm_tokens_issued_total{method="desktop.typeText"} 1`,
		`desktop_bridge_confirm_tokens_consumed_total{method="desktop.typeText"} 1`,
		`desktop_bridge_confirm_rejected_total{reason="used"} 1`,
		`desktop_bridge_aborts_total{hit="true"} 1`,
		`desktop_bridge_aborts_total{hit="false"} 1`,
		`desktop_bridge_tree_truncations_total{reason="maxNodes"} 1`,
		"desktop_bridge_connections_active 3",
		"desktop_bridge_requests_in_flight 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q\n%s", want, out)
		}
	}
}

func TestMetricsRegistry_NilSafe(t *testing.T) {
	var m *MetricsRegistry
	m.RecordRequest("desktop.health", "ok", time.Millisecond)
	m.RecordTokenIssued("x")
	m.RecordTokenConsumed("x")
	m.RecordConfirmRejected("x")
	m.RecordAbort(true)
	m.RecordTruncation("x")
	m.SetActiveConnections(1)
	m.SetInFlight(1)
}

func TestMetricsRegistry_UnknownMetricIgnored(t *testing.T) {
	m := NewMetricsRegistry()
	m.IncrementCounter("unknown_counter", "")
	m.ObserveHistogram("unknown_histogram", "", 1)
	m.SetGauge("unknown_gauge", "", 1)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	if strings.Contains(buf.String(), "unknown_") {
		t.Errorf("Unregistered metrics should not be exported:\n%s", buf.String())
	}
}

func TestMetricsRegistry_SortedOutput(t *testing.T) {
	m := NewMetricsRegistry()
	m.RecordRequest("desktop.observe", "ok", time.Millisecond)
	m.RecordRequest("desktop.abort", "ok", time.Millisecond)

	var a, b bytes.Buffer
	if err := m.WritePrometheus(&a); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePrometheus(&b); err != nil {
		t.Fatal(err)
	}
	if a.String() != b.String() {
		t.Error("Expected deterministic output")
	}
	out := a.String()
	abort := strings.Index(out, `desktop_bridge_requests_total{method="desktop.abort"`)
	observe := strings.Index(out, `desktop_bridge_requests_total{method="desktop.observe"`)
	if abort < 0 || observe < 0 || abort > observe {
		t.Errorf("Expected label sets sorted, got abort=%d observe=%d", abort, observe)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("boom") }

func TestMetricsRegistry_WriteError(t *testing.T) {
	m := NewMetricsRegistry()
	if err := m.WritePrometheus(failingWriter{}); err == nil {
		t.Error("Expected write error to propagate")
	}
}

func TestMetricsRegistry_Concurrent(t *testing.T) {
	m := NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordRequest("desktop.find", "ok", time.Millisecond)
			var buf bytes.Buffer
			_ = m.WritePrometheus(&buf)
		}()
	}
	wg.Wait()

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `desktop_bridge_requests_total{method="desktop.find",code="ok"} 50`) {
		t.Errorf("Expected 50 requests recorded:\n%s", buf.String())
	}
}
