// Copyright 2025 Joseph Cumines

// Package platformtest provides an in-memory Platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/desktopbridge/internal/platform"
)

// Node is a fake UI element. Build trees with El and With.
type Node struct {
	Attrs    map[string]any
	ID       platform.NodeID
	Children []*Node
}

// El returns a node with the given role and title.
func El(role, title string, children ...*Node) *Node {
	attrs := map[string]any{platform.AttrRole: role}
	if title != "" {
		attrs[platform.AttrTitle] = title
	}
	return &Node{Attrs: attrs, Children: children}
}

// With sets an attribute and returns the node for chaining.
func (n *Node) With(name string, value any) *Node {
	n.Attrs[name] = value
	return n
}

// Fake is a Platform backed by an in-memory tree. The zero value is not
// usable; construct with New.
//
//lint:ignore BETTERALIGN struct is intentionally ordered for clarity
type Fake struct {
	mu          sync.Mutex
	root        *Node
	nodes       map[platform.NodeID]*Node
	permissions platform.PermissionState
	screenshot  []byte
	screenErr   error
	rootErr     error
	delay       time.Duration
	presses     []platform.NodeID
	combos      [][]string
	pastes      []string
	enumerates  int
	permReads   int
}

var _ platform.Platform = (*Fake)(nil)

// New returns a fake with all permissions granted and root as the tree.
// Nodes without an ID are assigned sequential ones.
func New(root *Node) *Fake {
	f := &Fake{
		permissions: platform.PermissionState{Accessibility: true, ScreenRecording: true},
		screenshot:  []byte("\x89PNG\r\n\x1a\nfake"),
	}
	f.SetRoot(root)
	return f
}

// SetRoot replaces the tree.
func (f *Fake) SetRoot(root *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.root = root
	f.nodes = make(map[platform.NodeID]*Node)
	next := 0
	var index func(n *Node)
	index = func(n *Node) {
		if n == nil {
			return
		}
		if n.ID == "" {
			next++
			n.ID = platform.NodeID(fmt.Sprintf("n%d", next))
		}
		f.nodes[n.ID] = n
		for _, c := range n.Children {
			index(c)
		}
	}
	index(root)
}

// SetPermissions replaces the permission snapshot.
func (f *Fake) SetPermissions(state platform.PermissionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = state
}

// SetScreenError makes CaptureScreen fail with err (nil restores success).
func (f *Fake) SetScreenError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenErr = err
}

// SetRootError makes RootNode fail with err (nil restores success).
func (f *Fake) SetRootError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rootErr = err
}

// SetDelay makes every EnumerateUIChildren call take at least d, or until
// its context is done.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Presses returns the nodes pressed so far.
func (f *Fake) Presses() []platform.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.NodeID(nil), f.presses...)
}

// KeyCombos returns the key combinations sent so far.
func (f *Fake) KeyCombos() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.combos...)
}

// Pastes returns the text pasted so far.
func (f *Fake) Pastes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pastes...)
}

// EnumerateCalls returns the number of EnumerateUIChildren calls.
func (f *Fake) EnumerateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enumerates
}

// PermissionReads returns the number of ReadPermissionState calls.
func (f *Fake) PermissionReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permReads
}

func (f *Fake) requireAccessibility() error {
	if !f.permissions.Accessibility {
		return &platform.PermissionError{Missing: []platform.Permission{platform.PermissionAccessibility}}
	}
	return nil
}

// ReadPermissionState implements platform.Platform.
func (f *Fake) ReadPermissionState(ctx context.Context) (platform.PermissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permReads++
	return f.permissions, ctx.Err()
}

// CaptureScreen implements platform.Platform.
func (f *Fake) CaptureScreen(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.permissions.ScreenRecording {
		return nil, &platform.PermissionError{Missing: []platform.Permission{platform.PermissionScreenRecording}}
	}
	if f.screenErr != nil {
		return nil, f.screenErr
	}
	return append([]byte(nil), f.screenshot...), nil
}

// RootNode implements platform.Platform.
func (f *Fake) RootNode(ctx context.Context) (platform.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := f.requireAccessibility(); err != nil {
		return "", err
	}
	if f.rootErr != nil {
		return "", f.rootErr
	}
	if f.root == nil {
		return "", platform.ErrNodeGone
	}
	return f.root.ID, nil
}

// EnumerateUIChildren implements platform.Platform.
func (f *Fake) EnumerateUIChildren(ctx context.Context, node platform.NodeID) ([]platform.NodeID, error) {
	f.mu.Lock()
	f.enumerates++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireAccessibility(); err != nil {
		return nil, err
	}
	n, ok := f.nodes[node]
	if !ok {
		return nil, platform.ErrNodeGone
	}
	ids := make([]platform.NodeID, 0, len(n.Children))
	for _, c := range n.Children {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// ReadUIAttribute implements platform.Platform.
func (f *Fake) ReadUIAttribute(ctx context.Context, node platform.NodeID, name string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.requireAccessibility(); err != nil {
		return nil, err
	}
	n, ok := f.nodes[node]
	if !ok {
		return nil, platform.ErrNodeGone
	}
	v, ok := n.Attrs[name]
	if !ok {
		return nil, platform.ErrAttributeUnsupported
	}
	return v, nil
}

// PressElement implements platform.Platform.
func (f *Fake) PressElement(ctx context.Context, node platform.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.requireAccessibility(); err != nil {
		return err
	}
	if _, ok := f.nodes[node]; !ok {
		return platform.ErrNodeGone
	}
	f.presses = append(f.presses, node)
	return nil
}

// SendKeyCombo implements platform.Platform.
func (f *Fake) SendKeyCombo(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.requireAccessibility(); err != nil {
		return err
	}
	f.combos = append(f.combos, append([]string(nil), keys...))
	return nil
}

// PasteText implements platform.Platform.
func (f *Fake) PasteText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.requireAccessibility(); err != nil {
		return err
	}
	f.pastes = append(f.pastes, text)
	return nil
}
