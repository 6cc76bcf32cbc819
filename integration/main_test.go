// Copyright 2025 Joseph Cumines
//
// End-to-end harness: the built binary against an in-process helper

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/desktopbridge/internal/platform"
	"github.com/joeycumines/desktopbridge/internal/platform/platformtest"
	"github.com/joeycumines/desktopbridge/internal/transport"
	"google.golang.org/grpc"
)

// binaryPath is the desktop-bridge binary built by TestMain.
var binaryPath string

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION_TESTS") != "" {
		fmt.Println("Skipping integration tests (SKIP_INTEGRATION_TESTS is set)")
		os.Exit(0)
	}

	dir, err := os.MkdirTemp("", "dbi-bin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "TestMain: failed to create build dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = os.Getenv("INTEGRATION_BINARY")
	if binaryPath == "" {
		binaryPath = filepath.Join(dir, "desktop-bridge")
		_, _ = fmt.Fprintln(os.Stderr, "TestMain: building desktop-bridge...")
		build := exec.Command("go", "build", "-o", binaryPath, "../cmd/desktop-bridge")
		build.Stdout = os.Stdout
		build.Stderr = os.Stderr
		if err := build.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TestMain: failed to build desktop-bridge: %v\n", err)
			_ = os.RemoveAll(dir)
			os.Exit(1)
		}
	}

	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// shortTempDir returns a directory short enough for unix socket paths,
// which t.TempDir may exceed on macOS.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dbi")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// startPlatform serves fake as the permission-holding helper and returns
// its gRPC target.
func startPlatform(t *testing.T, fake *platformtest.Fake) string {
	t.Helper()
	path := filepath.Join(shortTempDir(t), "helper.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Failed to listen for helper: %v", err)
	}
	s := grpc.NewServer()
	platform.RegisterServer(s, fake)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(s.Stop)
	return "unix://" + path
}

// bridgeEnv is the environment for a bridge process talking to helper.
func bridgeEnv(dir, helper string, extra ...string) []string {
	return append(append(os.Environ(),
		"DESKTOP_BRIDGE_SOCKET="+filepath.Join(dir, "bridge.sock"),
		"DESKTOP_BRIDGE_PLATFORM_ADDR="+helper,
		"DESKTOP_BRIDGE_AUDIT_LOG="+filepath.Join(dir, "audit.log"),
		"DESKTOP_BRIDGE_RATE_LIMIT=0",
		"DESKTOP_BRIDGE_DRAIN_TIMEOUT=5s",
		"DESKTOP_BRIDGE_CONFIG=",
	), extra...)
}

// startServe runs "desktop-bridge serve" and waits for its socket.
func startServe(t *testing.T, ctx context.Context, env []string) (*exec.Cmd, string) {
	t.Helper()
	var socket string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "DESKTOP_BRIDGE_SOCKET="); ok {
			socket = v
		}
	}

	cmd := exec.CommandContext(ctx, binaryPath, "serve")
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	t.Cleanup(func() { cleanupServer(t, cmd) })

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := PollUntilContext(readyCtx, 50*time.Millisecond, func() (bool, error) {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})
	if err != nil {
		t.Fatalf("Bridge failed to become ready: %v", err)
	}
	return cmd, socket
}

// cleanupServer interrupts the bridge and waits for it, killing it if it
// does not exit.
func cleanupServer(t *testing.T, cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil || cmd.ProcessState != nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Log("Warning: bridge did not exit after interrupt, killing")
		_ = cmd.Process.Kill()
		<-done
	}
}

// client speaks the newline-delimited envelope over one connection.
type client struct {
	stream *transport.Stream
	seq    atomic.Int64
}

func newClient(t *testing.T, socket string) *client {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("Failed to connect to bridge: %v", err)
	}
	c := &client{stream: transport.NewStream(conn, conn, conn)}
	t.Cleanup(func() { _ = c.stream.Close() })
	return c
}

// call sends method with params (meta is filled in when absent) and
// returns the response.
func (c *client) call(t *testing.T, method string, params map[string]any) *transport.Message {
	t.Helper()
	id := c.seq.Add(1)
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["meta"]; !ok {
		params["meta"] = map[string]any{"schemaVersion": 1, "requestId": "it-" + strconv.FormatInt(id, 10)}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	req := newRequest(strconv.FormatInt(id, 10), method, raw)
	if err := c.stream.WriteMessage(req); err != nil {
		t.Fatalf("Failed to send %s: %v", method, err)
	}
	resp, err := c.stream.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read %s response: %v", method, err)
	}
	if string(resp.ID) != string(req.ID) {
		t.Fatalf("Expected response id %s, got %s", req.ID, resp.ID)
	}
	return resp
}

// newRequest builds a request envelope; id is used as raw JSON.
func newRequest(id, method string, params json.RawMessage) *transport.Message {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		id = strconv.Quote(id)
	}
	return &transport.Message{ID: json.RawMessage(id), Method: method, Params: params}
}

// result decodes a success response into v.
func result(t *testing.T, resp *transport.Message, v any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Expected success, got %s: %s (%v)", resp.Error.Code, resp.Error.Message, resp.Error.Details)
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
}

// wantCode asserts resp failed with code.
func wantCode(t *testing.T, resp *transport.Message, code string) *transport.ErrorObj {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("Expected %s, got result %s", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("Expected %s, got %s: %s", code, resp.Error.Code, resp.Error.Message)
	}
	return resp.Error
}

// PollUntilContext checks a condition repeatedly until it returns true or the context is cancelled.
func PollUntilContext(ctx context.Context, interval time.Duration, condition func() (bool, error)) error {
	if done, err := condition(); err != nil {
		return err
	} else if done {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("PollUntilContext: context cancelled: %w", ctx.Err())
		case <-ticker.C:
			done, err := condition()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}
