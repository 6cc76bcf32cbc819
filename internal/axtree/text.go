// Copyright 2025 Joseph Cumines
//
// Explicit free-text reads

package axtree

import (
	"context"
	"errors"

	"github.com/joeycumines/desktopbridge/internal/platform"
)

const (
	// DefaultTextChars is the ReadText cap when none is given.
	DefaultTextChars = 4096
	// MaxTextChars is the largest accepted ReadText cap.
	MaxTextChars = 65536
)

// ErrSecureField is returned by ReadText for secure text fields that the
// platform has not marked readable.
var ErrSecureField = errors.New("element is a secure text field")

// Text is the free-text content of one element.
type Text struct {
	Role        string `json:"role"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Truncated   bool   `json:"truncated"`
}

// ReadText reads the value and description of node, each capped at
// maxChars runes (DefaultTextChars when maxChars <= 0).
func ReadText(ctx context.Context, p platform.Platform, node platform.NodeID, maxChars int) (Text, error) {
	switch {
	case maxChars <= 0:
		maxChars = DefaultTextChars
	case maxChars > MaxTextChars:
		maxChars = MaxTextChars
	}

	n, err := readNode(ctx, p, node)
	if err != nil {
		return Text{}, err
	}
	if n.secure {
		readable, err := readAttr(ctx, p, node, platform.AttrValueReadable)
		if err != nil {
			return Text{}, err
		}
		if ok, _ := platform.AsBool(readable); !ok {
			return Text{}, ErrSecureField
		}
	}

	desc, err := readString(ctx, p, node, platform.AttrDescription)
	if err != nil {
		return Text{}, err
	}

	t := Text{
		Role:        n.Role,
		Value:       truncateRunes(n.fullValue, maxChars),
		Description: truncateRunes(desc, maxChars),
	}
	t.Truncated = t.Value != n.fullValue || t.Description != desc
	return t, nil
}
