// Copyright 2025 Joseph Cumines
//
// Selector matching over bounded traversals

package axtree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joeycumines/desktopbridge/internal/platform"
)

const (
	// DefaultFindLimit is the result cap when a selector does not set one.
	DefaultFindLimit = 10
	// MaxFindLimit is the largest accepted result cap.
	MaxFindLimit = 200
)

// ErrEmptySelector is returned when a selector has no predicates.
var ErrEmptySelector = errors.New("selector must set at least one of byRole, titleContains, valueContains")

// Selector locates elements. All non-empty predicates must hold.
type Selector struct {
	ByRole        string `json:"byRole,omitempty"`
	TitleContains string `json:"titleContains,omitempty"`
	ValueContains string `json:"valueContains,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// Validate checks the selector shape and returns it with Limit resolved.
func (s Selector) Validate() (Selector, error) {
	if s.ByRole == "" && s.TitleContains == "" && s.ValueContains == "" {
		return s, ErrEmptySelector
	}
	switch {
	case s.Limit < 0:
		return s, fmt.Errorf("selector limit must be positive, got %d", s.Limit)
	case s.Limit == 0:
		s.Limit = DefaultFindLimit
	case s.Limit > MaxFindLimit:
		s.Limit = MaxFindLimit
	}
	return s, nil
}

// Matches reports whether n satisfies every predicate. Value predicates
// never match an unreadable secure field.
func (s Selector) Matches(n *Node) bool {
	if s.ByRole != "" && !roleEqual(s.ByRole, n.Role) {
		return false
	}
	if s.TitleContains != "" && !containsFold(n.Title, s.TitleContains) {
		return false
	}
	if s.ValueContains != "" && !containsFold(n.fullValue, s.ValueContains) {
		return false
	}
	return true
}

// roleEqual compares roles case-insensitively, treating "Button" and
// "AXButton" as the same role.
func roleEqual(want, got string) bool {
	return strings.EqualFold(trimAX(want), trimAX(got))
}

func trimAX(role string) string {
	if len(role) > 2 && strings.EqualFold(role[:2], "ax") {
		return role[2:]
	}
	return role
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// ElementRef is a short-lived reference to a located element.
type ElementRef struct {
	Frame       *platform.Frame `json:"frame,omitempty"`
	Role        string          `json:"role"`
	Title       string          `json:"title,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Path        []int           `json:"path"`

	node platform.NodeID
}

// NodeID returns the platform handle of the element.
func (r ElementRef) NodeID() platform.NodeID { return r.node }

// Fingerprint formats role|title|frame for n.
func Fingerprint(n *Node) string {
	frame := ""
	if n.Frame != nil {
		frame = n.Frame.String()
	}
	return n.Role + "|" + n.Title + "|" + frame
}

func newElementRef(n *Node, path []int) ElementRef {
	if path == nil {
		path = []int{}
	}
	return ElementRef{
		Frame:       n.Frame,
		Role:        n.Role,
		Title:       n.Title,
		Fingerprint: Fingerprint(n),
		Path:        path,
		node:        n.id,
	}
}

// FindResult is the outcome of Find. Matched counts every match seen by the
// traversal, which may exceed len(Elements).
type FindResult struct {
	Elements []ElementRef `json:"elements"`
	Matched  int          `json:"matched"`
	Stats    Stats        `json:"stats"`
}

// Find walks the tree and collects elements matching sel in depth-first
// pre-order. The result is capped at sel.Limit but the traversal itself
// runs to completion or its own limits, so Stats do not depend on the cap.
func (w *Walker) Find(ctx context.Context, sel Selector) (FindResult, error) {
	sel, err := sel.Validate()
	if err != nil {
		return FindResult{}, err
	}

	result := FindResult{Elements: []ElementRef{}}
	stats, err := w.traverse(ctx, false, func(n *Node, path []int) {
		if !sel.Matches(n) {
			return
		}
		result.Matched++
		if len(result.Elements) < sel.Limit {
			result.Elements = append(result.Elements, newElementRef(n, path))
		}
	})
	result.Stats = stats
	return result, err
}
