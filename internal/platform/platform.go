// Copyright 2025 Joseph Cumines

// Package platform defines the capabilities the bridge borrows from the
// permission-holding helper process: reading permission state, capturing
// the screen, walking the accessibility tree, and injecting input.
//
// The bridge never talks to the operating system directly. Everything that
// requires an accessibility or screen recording grant goes through a
// Platform, which in production is a gRPC client (see Dial) connected to the
// helper, and in tests is platformtest.Fake.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NodeID is an opaque handle to a UI element, minted by the helper. Handles
// are only meaningful for a short time window; the element behind a handle
// may disappear at any moment (see ErrNodeGone).
type NodeID string

// Permission names a platform grant the helper may or may not hold.
type Permission string

const (
	// PermissionAccessibility covers UI tree reads and synthetic input.
	PermissionAccessibility Permission = "accessibility"
	// PermissionScreenRecording covers screen capture.
	PermissionScreenRecording Permission = "screenRecording"
)

// Accessibility attribute names understood by ReadUIAttribute.
const (
	AttrRole        = "AXRole"
	AttrSubrole     = "AXSubrole"
	AttrTitle       = "AXTitle"
	AttrValue       = "AXValue"
	AttrDescription = "AXDescription"
	AttrFrame       = "AXFrame"
	// AttrValueReadable is set by the helper on secure elements whose value
	// it has explicitly cleared for reading. Absent means not readable.
	AttrValueReadable = "AXValueReadable"
)

// RoleSecureTextField is the role (or subrole) of password-style fields.
const RoleSecureTextField = "AXSecureTextField"

// Platform is the set of privileged capabilities provided by the helper.
//
// Implementations must be safe for concurrent use. Every method must honor
// ctx cancellation as far as the underlying call allows; a call already in
// flight on the helper side may still complete.
type Platform interface {
	// ReadPermissionState reports which grants the helper currently holds.
	ReadPermissionState(ctx context.Context) (PermissionState, error)

	// CaptureScreen returns a PNG-encoded capture of the main display.
	CaptureScreen(ctx context.Context) ([]byte, error)

	// RootNode returns the handle of the tree root (the frontmost
	// application element).
	RootNode(ctx context.Context) (NodeID, error)

	// EnumerateUIChildren lists the direct children of node, in on-screen
	// order.
	EnumerateUIChildren(ctx context.Context, node NodeID) ([]NodeID, error)

	// ReadUIAttribute reads a single attribute. Values are string, bool,
	// float64, Frame, or map[string]any (decoded frames). Unsupported
	// attributes return ErrAttributeUnsupported.
	ReadUIAttribute(ctx context.Context, node NodeID, name string) (any, error)

	// PressElement performs the element's default press action.
	PressElement(ctx context.Context, node NodeID) error

	// SendKeyCombo posts a key combination, modifiers first.
	SendKeyCombo(ctx context.Context, keys []string) error

	// PasteText inserts text into the focused element via the pasteboard.
	PasteText(ctx context.Context, text string) error
}

// PermissionState is a snapshot of the grants held by the helper.
type PermissionState struct {
	Accessibility   bool `json:"accessibility"`
	ScreenRecording bool `json:"screenRecording"`
}

// Has reports whether the given grant is held.
func (s PermissionState) Has(p Permission) bool {
	switch p {
	case PermissionAccessibility:
		return s.Accessibility
	case PermissionScreenRecording:
		return s.ScreenRecording
	default:
		return false
	}
}

// Missing returns the subset of required grants that are not held, in the
// order given.
func (s PermissionState) Missing(required ...Permission) []Permission {
	var missing []Permission
	for _, p := range required {
		if !s.Has(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// Frame is an element's on-screen rectangle in global display coordinates
// (top-left origin).
type Frame struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// String formats the frame as "x,y,width,height" with integral rounding.
func (f Frame) String() string {
	return fmt.Sprintf("%.0f,%.0f,%.0f,%.0f", f.X, f.Y, f.Width, f.Height)
}

var (
	// ErrAttributeUnsupported is returned when an element does not expose
	// the requested attribute.
	ErrAttributeUnsupported = errors.New("platform: attribute not supported")

	// ErrNodeGone is returned when a handle no longer refers to a live
	// element.
	ErrNodeGone = errors.New("platform: element no longer exists")

	// ErrUnavailable is returned when the helper cannot be reached.
	ErrUnavailable = errors.New("platform: helper unavailable")
)

// PermissionError reports that the helper refused a call because a grant is
// missing.
type PermissionError struct {
	Missing []Permission
}

func (e *PermissionError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, p := range e.Missing {
		names = append(names, string(p))
	}
	return "platform: missing permission: " + strings.Join(names, ", ")
}

// AsPermissionError unwraps err into a *PermissionError.
func AsPermissionError(err error) (*PermissionError, bool) {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// AsString converts an attribute value to a string. Nil and non-string
// values report false.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsBool converts an attribute value to a bool.
func AsBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// AsFrame converts an attribute value to a Frame. Frames decoded from the
// wire arrive as map[string]any with numeric members.
func AsFrame(v any) (Frame, bool) {
	switch f := v.(type) {
	case Frame:
		return f, true
	case *Frame:
		if f == nil {
			return Frame{}, false
		}
		return *f, true
	case map[string]any:
		x, okX := f["x"].(float64)
		y, okY := f["y"].(float64)
		w, okW := f["width"].(float64)
		h, okH := f["height"].(float64)
		if !okX || !okY || !okW || !okH {
			return Frame{}, false
		}
		return Frame{X: x, Y: y, Width: w, Height: h}, true
	default:
		return Frame{}, false
	}
}
