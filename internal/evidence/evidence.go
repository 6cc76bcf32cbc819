// Copyright 2025 Joseph Cumines

// Package evidence writes per-execution artifact bundles into a workspace.
//
// A bundle is a directory {workspace}/artifacts/desktop/{date}/{executionId}
// holding env.json plus whatever the execution managed to capture. Every
// file is created exclusively and written once; Files reports exactly what
// exists, so a partial capture is never presented as complete.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/peer"
	"github.com/joeycumines/desktopbridge/internal/platform"
)

// Artifact file names.
const (
	FileEnv        = "env.json"
	FileScreenshot = "screenshot.png"
	FileTree       = "ax.json"
	FileAction     = "action.json"
)

// Host describes the bridge process that produced a bundle.
type Host struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	PID      int    `json:"pid"`
}

// Env is the content of env.json.
type Env struct {
	Timestamp   time.Time                `json:"timestamp"`
	Host        Host                     `json:"host"`
	ExecutionID string                   `json:"executionId"`
	Method      string                   `json:"method"`
	RequestID   string                   `json:"requestId"`
	Peer        peer.Identity            `json:"peer"`
	Permissions platform.PermissionState `json:"permissions"`
}

// Action is the content of action.json for side-effecting calls.
type Action struct {
	Target   *axtree.ElementRef `json:"target,omitempty"`
	Method   string             `json:"method"`
	Keys     []string           `json:"keys,omitempty"`
	TextLen  int                `json:"textLength,omitempty"`
	Outcome  string             `json:"outcome"`
	Duration int64              `json:"durationMs"`
}

// Bundle is one execution's artifact directory.
type Bundle struct {
	id    string
	dir   string
	files []string
	mu    sync.Mutex
}

// Writer creates bundles. The zero value uses the wall clock.
type Writer struct {
	now func() time.Time
}

// NewWriter returns a writer using clock (time.Now if nil).
func NewWriter(clock func() time.Time) *Writer {
	return &Writer{now: clock}
}

func (w *Writer) clock() time.Time {
	if w == nil || w.now == nil {
		return time.Now()
	}
	return w.now()
}

// Begin creates a new bundle under workspace and writes env.json. The
// ExecutionID and Timestamp of env are filled in.
func (w *Writer) Begin(workspace string, env Env) (*Bundle, error) {
	if workspace == "" || !filepath.IsAbs(workspace) {
		return nil, fmt.Errorf("evidence requires an absolute workspace path, got %q", workspace)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution id: %w", err)
	}
	now := w.clock().UTC()
	dir := filepath.Join(workspace, "artifacts", "desktop", now.Format(time.DateOnly), id.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}

	b := &Bundle{id: id.String(), dir: dir}
	env.ExecutionID = b.id
	env.Timestamp = now
	if err := b.writeJSON(FileEnv, env); err != nil {
		return nil, err
	}
	return b, nil
}

// ID returns the execution id.
func (b *Bundle) ID() string { return b.id }

// Dir returns the bundle directory.
func (b *Bundle) Dir() string { return b.dir }

// Files returns the names of the files written so far, in write order.
func (b *Bundle) Files() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.files...)
}

// WriteScreenshot stores a PNG capture.
func (b *Bundle) WriteScreenshot(png []byte) error {
	if len(png) == 0 {
		return errors.New("empty screenshot")
	}
	return b.write(FileScreenshot, png)
}

// WriteTree stores a tree snapshot and its traversal stats.
func (b *Bundle) WriteTree(root *axtree.Node, stats axtree.Stats) error {
	return b.writeJSON(FileTree, struct {
		Root  *axtree.Node `json:"root"`
		Stats axtree.Stats `json:"stats"`
	}{root, stats})
}

// WriteAction stores the record of a side-effecting call.
func (b *Bundle) WriteAction(a Action) error {
	return b.writeJSON(FileAction, a)
}

func (b *Bundle) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return b.write(name, append(data, '\n'))
}

// write creates name exclusively. A failed write removes the partial file
// so that it is never reported.
func (b *Bundle) write(name string, data []byte) error {
	path := filepath.Join(b.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	b.mu.Lock()
	b.files = append(b.files, name)
	b.mu.Unlock()
	return nil
}
