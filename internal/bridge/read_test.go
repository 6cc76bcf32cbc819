// Copyright 2025 Joseph Cumines
//
// Observation, lookup, and polling tests

package bridge

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/evidence"
	"github.com/joeycumines/desktopbridge/internal/platform"
	"github.com/joeycumines/desktopbridge/internal/platform/platformtest"
)

func TestObserve(t *testing.T) {
	h := newHarness(t, nil)

	var res observeResult
	h.call(t, "observe", nil).decode(t, &res)
	if res.Tree == nil || res.Tree.Role != "AXWindow" || len(res.Tree.Children) != 3 {
		t.Fatalf("unexpected tree: %+v", res.Tree)
	}
	if res.Stats == nil || res.Stats.NodesVisited != 4 || res.Stats.Truncated {
		t.Errorf("unexpected stats: %+v", res.Stats)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Expected no part errors, got %v", res.Errors)
	}
	want := []string{evidence.FileEnv, evidence.FileScreenshot, evidence.FileTree}
	for _, f := range want {
		if !slices.Contains(res.Evidence.Files, f) {
			t.Errorf("Expected %s in %v", f, res.Evidence.Files)
		}
		if _, err := os.Stat(filepath.Join(res.Evidence.Dir, f)); err != nil {
			t.Errorf("Expected %s on disk: %v", f, err)
		}
	}
	rel, err := filepath.Rel(h.ws, res.Evidence.Dir)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		t.Errorf("evidence dir %q should be inside the workspace", res.Evidence.Dir)
	}
}

func TestObserve_PartialPermission(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetPermissions(platform.PermissionState{Accessibility: true})

	var res observeResult
	h.call(t, "observe", nil).decode(t, &res)
	if res.Tree == nil {
		t.Error("Expected the tree to be captured")
	}
	if e := res.Errors[partScreenshot]; e == nil || e.Code != string(CodePermissionMissing) {
		t.Errorf("Expected screenshot permission error, got %+v", res.Errors)
	}
	if slices.Contains(res.Evidence.Files, evidence.FileScreenshot) {
		t.Error("screenshot must not be reported as written")
	}
}

func TestObserve_AllPartsBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetPermissions(platform.PermissionState{})
	h.call(t, "observe", nil).wantError(t, CodePermissionMissing, "")

	entries, err := os.ReadDir(h.ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no evidence for a blocked call, got %d entries", len(entries))
	}

	// asking only for what is granted succeeds
	h.fake.SetPermissions(platform.PermissionState{ScreenRecording: true})
	var res observeResult
	h.call(t, "observe", map[string]any{"tree": false}).decode(t, &res)
	if res.Tree != nil || !slices.Contains(res.Evidence.Files, evidence.FileScreenshot) {
		t.Errorf("unexpected screenshot-only result: %+v", res)
	}
}

func TestObserve_ScreenFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetScreenError(errors.New("display asleep"))

	var res observeResult
	h.call(t, "observe", nil).decode(t, &res)
	if e := res.Errors[partScreenshot]; e == nil || e.Code != string(CodeInternal) {
		t.Errorf("Expected internal screenshot error, got %+v", res.Errors)
	}
	if res.Tree == nil {
		t.Error("tree capture should be independent of the screenshot")
	}
}

func TestObserve_Params(t *testing.T) {
	h := newHarness(t, nil)
	h.call(t, "observe", map[string]any{"tree": false, "screenshot": false}).
		wantError(t, CodeInvalidRequest, "nothing_to_observe")
	h.call(t, "observe", map[string]any{"limits": map[string]any{"maxDepth": -1}}).
		wantError(t, CodeInvalidRequest, "invalid_limits")

	var res observeResult
	h.call(t, "observe", map[string]any{"screenshot": false, "limits": map[string]any{"maxNodes": 2}}).decode(t, &res)
	if res.Stats == nil || !res.Stats.Truncated || !slices.Contains(res.Stats.TruncatedBy, axtree.TruncatedByNodes) {
		t.Errorf("Expected node truncation, got %+v", res.Stats)
	}
}

func TestFind(t *testing.T) {
	h := newHarness(t, nil)

	var res axtree.FindResult
	h.call(t, "find", map[string]any{"selector": map[string]any{"byRole": "AXButton"}}).decode(t, &res)
	if res.Matched != 2 || len(res.Elements) != 2 {
		t.Fatalf("Expected 2 buttons, got %+v", res)
	}
	if res.Elements[0].Title != "OK" || res.Elements[1].Title != "Cancel" {
		t.Errorf("Expected document order, got %+v", res.Elements)
	}
	if !slices.Equal(res.Elements[1].Path, []int{1}) {
		t.Errorf("Expected path [1], got %v", res.Elements[1].Path)
	}

	h.call(t, "find", map[string]any{"selector": map[string]any{"byRole": "button", "limit": 1}}).decode(t, &res)
	if res.Matched != 2 || len(res.Elements) != 1 {
		t.Errorf("limit caps elements but not matched: %+v", res)
	}

	h.call(t, "find", map[string]any{"selector": map[string]any{}}).wantError(t, CodeInvalidRequest, "empty_selector")
}

func TestFind_PermissionMissing(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetPermissions(platform.PermissionState{ScreenRecording: true})
	h.call(t, "find", map[string]any{"selector": okButton}).wantError(t, CodePermissionMissing, "")
}

func TestFind_HelperUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetRootError(platform.ErrUnavailable)
	e := h.call(t, "find", map[string]any{"selector": okButton}).wantError(t, CodeHostNotReady, "")
	if !e.Retryable {
		t.Error("Expected retryable")
	}
}

// withTimeout returns harness meta carrying timeoutMs.
func withTimeout(h *harness, ms int) map[string]any {
	meta := h.meta()
	meta["timeoutMs"] = ms
	return meta
}

func TestFind_RequestTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetDelay(300 * time.Millisecond)

	e := h.call(t, "find", map[string]any{
		"meta":     withTimeout(h, 100),
		"selector": map[string]any{"byRole": "AXButton"},
	}).wantError(t, CodeTimeout, "")
	if !e.Retryable {
		t.Error("Expected timeout to be retryable")
	}
}

func TestFind_WallBudgetIsTruncation(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetDelay(300 * time.Millisecond)

	var res axtree.FindResult
	h.call(t, "find", map[string]any{
		"selector": map[string]any{"byRole": "AXButton"},
		"limits":   map[string]any{"maxWallMs": 50},
	}).decode(t, &res)
	if !res.Stats.Truncated || !slices.Contains(res.Stats.TruncatedBy, axtree.TruncatedByTime) {
		t.Errorf("Expected maxWall truncation, got %+v", res.Stats)
	}
}

func TestFind_Aborted(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetDelay(10 * time.Second)

	meta := h.meta()
	meta["requestId"] = "f1"
	done := make(chan testResponse, 1)
	go func() {
		done <- h.call(t, "find", map[string]any{"meta": meta, "selector": okButton})
	}()
	deadline := time.Now().Add(5 * time.Second)
	for h.srv.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("find never became in flight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var res abortResult
	h.call(t, "abort", map[string]any{"targetId": "f1"}).decode(t, &res)
	if !res.Aborted {
		t.Fatal("Expected the abort to hit")
	}
	select {
	case resp := <-done:
		resp.wantError(t, CodeAborted, "")
	case <-time.After(5 * time.Second):
		t.Fatal("aborted find did not return")
	}
}

func TestObserve_RequestTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetDelay(300 * time.Millisecond)

	var res observeResult
	h.call(t, "observe", map[string]any{"meta": withTimeout(h, 100)}).decode(t, &res)
	if e := res.Errors[partTree]; e == nil || e.Code != string(CodeTimeout) {
		t.Errorf("Expected a tree timeout, got %+v", res.Errors)
	}
	if res.Tree != nil || slices.Contains(res.Evidence.Files, evidence.FileTree) {
		t.Error("an interrupted tree must not be reported as captured")
	}
	if !slices.Contains(res.Evidence.Files, evidence.FileScreenshot) {
		t.Errorf("Expected the screenshot to be kept, got %v", res.Evidence.Files)
	}
}

func TestObserve_HelperLost(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetScreenError(platform.ErrUnavailable)
	h.call(t, "observe", nil).wantError(t, CodeHostNotReady, "")
}

func TestReadText(t *testing.T) {
	h := newHarness(t, nil)

	var res readTextResult
	h.call(t, "readText", map[string]any{
		"selector": map[string]any{"byRole": "textfield"},
		"maxChars": 5,
	}).decode(t, &res)
	if res.Text.Value != "hello" || !res.Text.Truncated {
		t.Errorf("Expected truncated value, got %+v", res.Text)
	}
	if res.Element.Title != "Name" {
		t.Errorf("unexpected element: %+v", res.Element)
	}

	h.call(t, "readText", map[string]any{"selector": map[string]any{"titleContains": "nothing"}}).
		wantError(t, CodeElementNotFound, "")
	h.call(t, "readText", map[string]any{"selector": okButton, "maxChars": -1}).
		wantError(t, CodeInvalidRequest, "invalid_max_chars")
}

func TestReadText_SecureField(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetRoot(platformtest.El("AXWindow", "Login",
		platformtest.El("AXSecureTextField", "Password").With(platform.AttrValue, "hunter2"),
	))
	h.call(t, "readText", map[string]any{"selector": map[string]any{"titleContains": "Password"}}).
		wantError(t, CodeInvalidRequest, "secure_field")
}

func TestWaitUntil_Exists(t *testing.T) {
	h := newHarness(t, nil)
	var res waitResult
	h.call(t, "waitUntil", map[string]any{"selector": okButton, "timeoutMs": 1000}).decode(t, &res)
	if res.Element == nil || res.Element.Title != "OK" || res.Attempts != 1 {
		t.Errorf("unexpected wait result: %+v", res)
	}
}

func TestWaitUntil_Gone(t *testing.T) {
	h := newHarness(t, nil)
	var res waitResult
	h.call(t, "waitUntil", map[string]any{
		"selector":  map[string]any{"titleContains": "Spinner"},
		"condition": "gone",
		"timeoutMs": 1000,
	}).decode(t, &res)
	if res.Element != nil || res.Condition != conditionGone {
		t.Errorf("unexpected wait result: %+v", res)
	}
}

func TestWaitUntil_AppearsLater(t *testing.T) {
	h := newHarness(t, nil)
	go func() {
		time.Sleep(150 * time.Millisecond)
		h.fake.SetRoot(platformtest.El("AXWindow", "Main", platformtest.El("AXSheet", "Saved")))
	}()
	var res waitResult
	h.call(t, "waitUntil", map[string]any{
		"selector":  map[string]any{"titleContains": "Saved"},
		"timeoutMs": 5000,
		"pollMs":    50,
	}).decode(t, &res)
	if res.Attempts < 2 {
		t.Errorf("Expected more than one attempt, got %d", res.Attempts)
	}
}

func TestWaitUntil_Timeout(t *testing.T) {
	h := newHarness(t, nil)
	start := time.Now()
	e := h.call(t, "waitUntil", map[string]any{
		"selector":  map[string]any{"titleContains": "never"},
		"timeoutMs": 400,
		"pollMs":    100,
	}).wantError(t, CodeTimeout, "")
	elapsed := time.Since(start)

	attempts, _ := e.Details["attempts"].(float64)
	if attempts < 1 || attempts > 4 {
		t.Errorf("Expected 1 to 4 attempts, got %v", e.Details["attempts"])
	}
	if elapsed < 400*time.Millisecond {
		t.Errorf("Expected to wait out the deadline, returned after %v", elapsed)
	}
	if !e.Retryable {
		t.Error("Expected timeout to be retryable")
	}
}

func TestWaitUntil_RequestDeadline(t *testing.T) {
	h := newHarness(t, nil)
	meta := h.meta()
	meta["timeoutMs"] = 150
	h.call(t, "waitUntil", map[string]any{
		"meta":      meta,
		"selector":  map[string]any{"titleContains": "never"},
		"timeoutMs": 10000,
		"pollMs":    50,
	}).wantError(t, CodeTimeout, "")
}

func TestWaitUntil_Params(t *testing.T) {
	h := newHarness(t, nil)
	h.call(t, "waitUntil", map[string]any{"selector": okButton, "condition": "visible"}).
		wantError(t, CodeInvalidRequest, "invalid_condition")
	h.call(t, "waitUntil", map[string]any{"selector": okButton, "pollMs": -1}).
		wantError(t, CodeInvalidRequest, "invalid_timeout")
}

func TestWaitUntil_HugeTimeout(t *testing.T) {
	h := newHarness(t, nil)
	var res waitResult
	h.call(t, "waitUntil", map[string]any{
		"selector":  okButton,
		"timeoutMs": int64(math.MaxInt64),
		"pollMs":    int64(math.MaxInt64),
	}).decode(t, &res)
	if res.Element == nil || res.Attempts != 1 {
		t.Errorf("Expected an immediate match, got %+v", res)
	}
}

// startWait runs a long waitUntil as peerA with requestID in the
// background and returns once it is tracked.
func startWait(t *testing.T, h *harness, requestID string) <-chan testResponse {
	t.Helper()
	meta := h.meta()
	meta["requestId"] = requestID
	out := make(chan testResponse, 1)
	go func() {
		out <- h.call(t, "waitUntil", map[string]any{
			"meta":      meta,
			"selector":  map[string]any{"titleContains": "never"},
			"timeoutMs": 10000,
			"pollMs":    50,
		})
	}()
	deadline := time.Now().Add(5 * time.Second)
	for h.srv.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("wait never became in flight")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return out
}

func TestAbort(t *testing.T) {
	h := newHarness(t, nil)
	done := startWait(t, h, "w1")

	// another caller cannot reach it
	var other abortResult
	h.send(t, h.session(peerB), "abort", map[string]any{"targetId": "w1"}).decode(t, &other)
	if other.Aborted {
		t.Error("abort from another peer must not hit")
	}

	var res abortResult
	h.call(t, "abort", map[string]any{"targetId": "w1"}).decode(t, &res)
	if !res.Aborted || res.TargetID != "w1" {
		t.Errorf("unexpected abort result: %+v", res)
	}

	select {
	case resp := <-done:
		resp.wantError(t, CodeAborted, "")
	case <-time.After(5 * time.Second):
		t.Fatal("aborted wait did not return")
	}
	if h.srv.InFlight() != 0 {
		t.Errorf("Expected nothing in flight, got %d", h.srv.InFlight())
	}

	var miss abortResult
	h.call(t, "abort", map[string]any{"targetId": "w1"}).decode(t, &miss)
	if miss.Aborted {
		t.Error("aborting a finished request must not hit")
	}
}

func TestAbort_Params(t *testing.T) {
	h := newHarness(t, nil)
	h.call(t, "abort", map[string]any{}).wantError(t, CodeInvalidRequest, "missing_target_id")

	meta := h.meta()
	meta["requestId"] = "self"
	h.call(t, "abort", map[string]any{"meta": meta, "targetId": "self"}).wantError(t, CodeInvalidRequest, "self_abort")
}

func TestDuplicateRequestID(t *testing.T) {
	h := newHarness(t, nil)
	done := startWait(t, h, "dup")

	meta := h.meta()
	meta["requestId"] = "dup"
	h.call(t, "health", map[string]any{"meta": meta}).wantError(t, CodeInvalidRequest, "duplicate_request_id")

	// ids are scoped per caller
	if resp := h.send(t, h.session(peerB), "health", map[string]any{"meta": meta}); resp.Error != nil {
		t.Errorf("another peer may reuse the id: %+v", resp.Error)
	}

	h.call(t, "abort", map[string]any{"targetId": "dup"})
	<-done
}

func TestDrain(t *testing.T) {
	h := newHarness(t, nil)
	done := startWait(t, h, "long")
	h.srv.StopAccepting()

	drained := make(chan error, 1)
	go func() { drained <- h.srv.Drain(t.Context()) }()

	select {
	case <-drained:
		t.Fatal("drain returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// control calls are refused while draining, so abort through the tracker
	h.srv.tracker.Abort(trackKey(peerA, "long"))
	<-done
	if err := <-drained; err != nil {
		t.Errorf("Drain() error = %v", err)
	}
}
