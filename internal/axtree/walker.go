// Copyright 2025 Joseph Cumines

// Package axtree implements bounded traversal of the accessibility tree
// exposed by a platform.Platform, and selector matching over it.
//
// Every traversal is limited by depth, total nodes, children per node, and
// wall-clock time, and polls an abort callback at every node. Reaching a
// limit is never an error: the walk stops descending and reports the reason
// in Stats. Callers that need to distinguish a caller timeout or an abort
// from a voluntary limit inspect their own context and tracker after the
// walk returns.
package axtree

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/joeycumines/desktopbridge/internal/platform"
)

// Truncation reasons reported in Stats.TruncatedBy.
const (
	TruncatedByDepth    = "maxDepth"
	TruncatedByNodes    = "maxNodes"
	TruncatedByChildren = "maxChildrenPerNode"
	TruncatedByTime     = "maxWall"
	TruncatedByAbort    = "aborted"
)

// MaxValueChars bounds the value attribute carried on tree nodes.
const MaxValueChars = 256

// Limits bounds a single traversal. Zero fields mean "use the default".
type Limits struct {
	MaxDepth           int           `json:"maxDepth" yaml:"max_depth"`
	MaxNodes           int           `json:"maxNodes" yaml:"max_nodes"`
	MaxChildrenPerNode int           `json:"maxChildrenPerNode" yaml:"max_children_per_node"`
	MaxWall            time.Duration `json:"-" yaml:"max_wall"`
}

// DefaultLimits returns the stock traversal bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:           12,
		MaxNodes:           2000,
		MaxChildrenPerNode: 200,
		MaxWall:            3 * time.Second,
	}
}

// WithDefaults fills zero or negative fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxNodes <= 0 {
		l.MaxNodes = d.MaxNodes
	}
	if l.MaxChildrenPerNode <= 0 {
		l.MaxChildrenPerNode = d.MaxChildrenPerNode
	}
	if l.MaxWall <= 0 {
		l.MaxWall = d.MaxWall
	}
	return l
}

// Narrow returns l with every positive field of o applied, provided it is
// tighter. A request can shrink the configured bounds but never grow them.
func (l Limits) Narrow(o Limits) Limits {
	if o.MaxDepth > 0 && o.MaxDepth < l.MaxDepth {
		l.MaxDepth = o.MaxDepth
	}
	if o.MaxNodes > 0 && o.MaxNodes < l.MaxNodes {
		l.MaxNodes = o.MaxNodes
	}
	if o.MaxChildrenPerNode > 0 && o.MaxChildrenPerNode < l.MaxChildrenPerNode {
		l.MaxChildrenPerNode = o.MaxChildrenPerNode
	}
	if o.MaxWall > 0 && o.MaxWall < l.MaxWall {
		l.MaxWall = o.MaxWall
	}
	return l
}

// AbortFunc reports whether the owning request has been aborted.
type AbortFunc func() bool

// Stats describes how a traversal went.
type Stats struct {
	TruncatedBy  []string `json:"truncatedBy,omitempty"`
	NodesVisited int      `json:"nodesVisited"`
	DepthReached int      `json:"depthReached"`
	ElapsedMs    int64    `json:"elapsedMs"`
	Truncated    bool     `json:"truncated"`
}

// Node is the read projection of one UI element. Free text beyond the
// (bounded) value is deliberately absent; see ReadText.
type Node struct {
	Frame    *platform.Frame `json:"frame,omitempty"`
	Role     string          `json:"role"`
	Subrole  string          `json:"subrole,omitempty"`
	Title    string          `json:"title,omitempty"`
	Value    string          `json:"value,omitempty"`
	Children []*Node         `json:"children,omitempty"`

	id        platform.NodeID
	fullValue string
	secure    bool
}

// NodeID returns the platform handle the node was read from.
func (n *Node) NodeID() platform.NodeID { return n.id }

// Secure reports whether the node is a secure text field.
func (n *Node) Secure() bool { return n.secure }

// Walker performs bounded traversals against a Platform.
//
//lint:ignore BETTERALIGN struct is intentionally ordered for clarity
type Walker struct {
	Platform platform.Platform
	Limits   Limits
	Abort    AbortFunc

	now func() time.Time
}

// NewWalker returns a walker using limits (defaults applied) and abort,
// which may be nil.
func NewWalker(p platform.Platform, limits Limits, abort AbortFunc) *Walker {
	return &Walker{Platform: p, Limits: limits.WithDefaults(), Abort: abort}
}

// SetClock overrides the clock used for wall-time accounting.
func (w *Walker) SetClock(now func() time.Time) {
	w.now = now
}

func (w *Walker) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// Walk snapshots the tree rooted at the platform's root element.
//
// The returned error is non-nil only when the traversal could not start
// (the root is unreadable) or the platform failed in a way that is not a
// per-node disappearance, such as a missing permission. Limit hits, a done
// context, and aborts all produce a truncated tree and nil error.
func (w *Walker) Walk(ctx context.Context) (*Node, Stats, error) {
	var root *Node
	stats, err := w.traverse(ctx, true, func(n *Node, _ []int) {
		if root == nil {
			root = n
		}
	})
	return root, stats, err
}

// visitFunc receives each visited node in depth-first pre-order along with
// its child-index path from the root.
type visitFunc func(n *Node, path []int)

// traversal is the shared mutable state of one walk.
type traversal struct {
	w        *Walker
	ctx      context.Context
	visit    visitFunc
	deadline time.Time
	limits   Limits
	reasons  map[string]struct{}
	stats    Stats
	keep     bool
	stopped  bool
}

func (w *Walker) traverse(ctx context.Context, keep bool, visit visitFunc) (Stats, error) {
	limits := w.Limits.WithDefaults()
	start := w.clock()
	walkCtx, cancel := context.WithTimeout(ctx, limits.MaxWall)
	defer cancel()

	t := &traversal{
		w:        w,
		ctx:      walkCtx,
		visit:    visit,
		deadline: start.Add(limits.MaxWall),
		limits:   limits,
		reasons:  make(map[string]struct{}),
		keep:     keep,
	}

	rootID, err := w.Platform.RootNode(walkCtx)
	if err == nil {
		_, err = t.descend(rootID, 0, nil)
	} else if isStop(err) {
		t.checkStop()
		err = nil
	}

	t.stats.ElapsedMs = w.clock().Sub(start).Milliseconds()
	return t.stats, err
}

func (t *traversal) truncate(reason string) {
	t.stats.Truncated = true
	if _, ok := t.reasons[reason]; ok {
		return
	}
	t.reasons[reason] = struct{}{}
	t.stats.TruncatedBy = append(t.stats.TruncatedBy, reason)
}

// checkStop records and reports whether the walk must end: abort, context
// done, or wall time exhausted.
func (t *traversal) checkStop() bool {
	if t.stopped {
		return true
	}
	switch {
	case t.w.Abort != nil && t.w.Abort():
		t.truncate(TruncatedByAbort)
	case errors.Is(t.ctx.Err(), context.Canceled):
		t.truncate(TruncatedByAbort)
	case t.ctx.Err() != nil, !t.w.clock().Before(t.deadline):
		t.truncate(TruncatedByTime)
	default:
		return false
	}
	t.stopped = true
	return true
}

// descend visits id and, within limits, its subtree. A nil node with nil
// error means the element vanished or the walk stopped before reading it.
func (t *traversal) descend(id platform.NodeID, depth int, path []int) (*Node, error) {
	if t.checkStop() {
		return nil, nil
	}
	if t.stats.NodesVisited >= t.limits.MaxNodes {
		t.truncate(TruncatedByNodes)
		return nil, nil
	}

	n, err := readNode(t.ctx, t.w.Platform, id)
	if err != nil {
		switch {
		case errors.Is(err, platform.ErrNodeGone):
			return nil, nil
		case isStop(err):
			t.checkStop()
			return nil, nil
		}
		return nil, err
	}

	t.stats.NodesVisited++
	if depth > t.stats.DepthReached {
		t.stats.DepthReached = depth
	}
	t.visit(n, path)

	children, err := t.w.Platform.EnumerateUIChildren(t.ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, platform.ErrNodeGone):
			return n, nil
		case isStop(err):
			t.checkStop()
			return n, nil
		}
		return n, err
	}
	if len(children) == 0 {
		return n, nil
	}
	if depth >= t.limits.MaxDepth {
		t.truncate(TruncatedByDepth)
		return n, nil
	}
	if len(children) > t.limits.MaxChildrenPerNode {
		t.truncate(TruncatedByChildren)
		children = children[:t.limits.MaxChildrenPerNode]
	}

	for i, child := range children {
		childPath := make([]int, len(path)+1)
		copy(childPath, path)
		childPath[len(path)] = i

		c, err := t.descend(child, depth+1, childPath)
		if err != nil {
			return n, err
		}
		if c != nil && t.keep {
			n.Children = append(n.Children, c)
		}
		if t.stopped {
			break
		}
	}
	return n, nil
}

func isStop(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// readNode reads the structural attributes of id. The value of a secure
// field is never read unless the platform marks it readable.
func readNode(ctx context.Context, p platform.Platform, id platform.NodeID) (*Node, error) {
	n := &Node{id: id}

	var err error
	if n.Role, err = readString(ctx, p, id, platform.AttrRole); err != nil {
		return nil, err
	}
	if n.Subrole, err = readString(ctx, p, id, platform.AttrSubrole); err != nil {
		return nil, err
	}
	if n.Title, err = readString(ctx, p, id, platform.AttrTitle); err != nil {
		return nil, err
	}

	frame, err := readAttr(ctx, p, id, platform.AttrFrame)
	if err != nil {
		return nil, err
	}
	if f, ok := platform.AsFrame(frame); ok {
		n.Frame = &f
	}

	n.secure = n.Role == platform.RoleSecureTextField || n.Subrole == platform.RoleSecureTextField
	if n.secure {
		readable, err := readAttr(ctx, p, id, platform.AttrValueReadable)
		if err != nil {
			return nil, err
		}
		if ok, _ := platform.AsBool(readable); !ok {
			return n, nil
		}
	}

	if n.fullValue, err = readString(ctx, p, id, platform.AttrValue); err != nil {
		return nil, err
	}
	n.Value = truncateRunes(n.fullValue, MaxValueChars)
	return n, nil
}

// readAttr reads an attribute, mapping "unsupported" to a nil value.
func readAttr(ctx context.Context, p platform.Platform, id platform.NodeID, name string) (any, error) {
	v, err := p.ReadUIAttribute(ctx, id, name)
	if errors.Is(err, platform.ErrAttributeUnsupported) {
		return nil, nil
	}
	return v, err
}

func readString(ctx context.Context, p platform.Platform, id platform.NodeID, name string) (string, error) {
	v, err := readAttr(ctx, p, id, name)
	if err != nil {
		return "", err
	}
	s, _ := platform.AsString(v)
	return s, nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	i := 0
	for pos := range s {
		if i == max {
			return s[:pos]
		}
		i++
	}
	return s
}
