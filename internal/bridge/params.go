// Copyright 2025 Joseph Cumines
//
// Request envelope and per-method parameters

package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/confirm"
)

// SchemaVersion is the only accepted meta.schemaVersion.
const SchemaVersion = 1

const (
	defaultPollInterval = 500 * time.Millisecond
	minPollInterval     = 50 * time.Millisecond
	maxTextLength       = 64 << 10

	conditionExists = "exists"
	conditionGone   = "gone"
)

// Meta is the mandatory params.meta member.
type Meta struct {
	SchemaVersion *int   `json:"schemaVersion"`
	RequestID     string `json:"requestId"`
	WorkspacePath string `json:"workspacePath,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty"`
}

// parseMeta extracts and checks params.meta. The request id falls back to
// the envelope id.
func parseMeta(params json.RawMessage, envelopeID string) (Meta, *Error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Meta{}, invalidRequest("params_not_object", "params must be a JSON object")
	}
	var env struct {
		Meta *Meta `json:"meta"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Meta{}, invalidRequest("invalid_meta", "invalid params.meta: %v", err)
	}
	if env.Meta == nil {
		return Meta{}, invalidRequest("missing_meta", "params.meta is required")
	}
	m := *env.Meta
	if m.SchemaVersion == nil || *m.SchemaVersion != SchemaVersion {
		return Meta{}, invalidRequest("unsupported_schema_version", "params.meta.schemaVersion must be %d", SchemaVersion).
			with("supported", SchemaVersion)
	}
	if m.TimeoutMs < 0 {
		return Meta{}, invalidRequest("invalid_timeout", "params.meta.timeoutMs cannot be negative")
	}
	if m.RequestID == "" {
		m.RequestID = envelopeID
	}
	if m.RequestID == "" {
		return Meta{}, invalidRequest("missing_request_id", "params.meta.requestId is required")
	}
	return m, nil
}

// decodeParams decodes the method-specific parameters. Unknown members are
// ignored; meta and confirm live alongside them.
func decodeParams[T any](raw json.RawMessage) (T, *Error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, invalidRequest("invalid_params", "invalid params: %v", err)
	}
	return p, nil
}

// treeLimits is the wire form of per-request traversal bounds.
type treeLimits struct {
	MaxDepth           int   `json:"maxDepth"`
	MaxNodes           int   `json:"maxNodes"`
	MaxChildrenPerNode int   `json:"maxChildrenPerNode"`
	MaxWallMs          int64 `json:"maxWallMs"`
}

func (l *treeLimits) apply(base axtree.Limits) (axtree.Limits, *Error) {
	if l == nil {
		return base, nil
	}
	if l.MaxDepth < 0 || l.MaxNodes < 0 || l.MaxChildrenPerNode < 0 || l.MaxWallMs < 0 {
		return base, invalidRequest("invalid_limits", "limits cannot be negative")
	}
	return base.Narrow(axtree.Limits{
		MaxDepth:           l.MaxDepth,
		MaxNodes:           l.MaxNodes,
		MaxChildrenPerNode: l.MaxChildrenPerNode,
		MaxWall:            millis(l.MaxWallMs),
	}), nil
}

// millis converts a millisecond count from the wire, saturating rather
// than overflowing.
func millis(ms int64) time.Duration {
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

type observeParams struct {
	Screenshot *bool       `json:"screenshot"`
	Tree       *bool       `json:"tree"`
	Limits     *treeLimits `json:"limits"`
}

func (p observeParams) wantScreenshot() bool { return p.Screenshot == nil || *p.Screenshot }

func (p observeParams) wantTree() bool { return p.Tree == nil || *p.Tree }

type findParams struct {
	Limits   *treeLimits     `json:"limits"`
	Selector axtree.Selector `json:"selector"`
}

type readTextParams struct {
	Selector axtree.Selector `json:"selector"`
	MaxChars int             `json:"maxChars"`
}

type clickParams struct {
	Selector *axtree.Selector      `json:"selector"`
	Confirm  *confirm.Confirmation `json:"confirm"`
	Ref      json.RawMessage       `json:"ref"`
}

type typeTextParams struct {
	Selector *axtree.Selector      `json:"selector"`
	Confirm  *confirm.Confirmation `json:"confirm"`
	Text     string                `json:"text"`
}

func (p typeTextParams) validate() *Error {
	switch {
	case p.Text == "":
		return invalidRequest("missing_text", "text is required")
	case len(p.Text) > maxTextLength:
		return invalidRequest("text_too_long", "text exceeds %d bytes", maxTextLength)
	case !utf8.ValidString(p.Text):
		return invalidRequest("invalid_text", "text must be valid UTF-8")
	}
	return nil
}

type hotkeyParams struct {
	Confirm *confirm.Confirmation `json:"confirm"`
	Keys    []string              `json:"keys"`
}

type waitUntilParams struct {
	Selector  axtree.Selector `json:"selector"`
	Condition string          `json:"condition"`
	TimeoutMs int64           `json:"timeoutMs"`
	PollMs    int64           `json:"pollMs"`
}

// normalize fills defaults and checks the wait parameters.
func (p *waitUntilParams) normalize() *Error {
	switch p.Condition {
	case "":
		p.Condition = conditionExists
	case conditionExists, conditionGone:
	default:
		return invalidRequest("invalid_condition", "condition must be %q or %q", conditionExists, conditionGone)
	}
	if p.TimeoutMs < 0 || p.PollMs < 0 {
		return invalidRequest("invalid_timeout", "timeoutMs and pollMs cannot be negative")
	}
	return nil
}

func (p waitUntilParams) pollInterval() time.Duration {
	if p.PollMs == 0 {
		return defaultPollInterval
	}
	return max(millis(p.PollMs), minPollInterval)
}

type abortParams struct {
	TargetID string `json:"targetId"`
}

type issueParams struct {
	Intent *confirm.Intent `json:"intent"`
	TTLMs  int64           `json:"ttlMs"`
}

var (
	modifierAliases = map[string]string{
		"cmd":     "cmd",
		"command": "cmd",
		"ctrl":    "ctrl",
		"control": "ctrl",
		"alt":     "alt",
		"option":  "alt",
		"opt":     "alt",
		"shift":   "shift",
		"fn":      "fn",
	}
	modifierOrder = []string{"cmd", "ctrl", "alt", "shift", "fn"}

	namedKeys = map[string]string{
		"return":        "return",
		"enter":         "return",
		"tab":           "tab",
		"space":         "space",
		"escape":        "escape",
		"esc":           "escape",
		"delete":        "delete",
		"backspace":     "delete",
		"forwarddelete": "forwarddelete",
		"up":            "up",
		"down":          "down",
		"left":          "left",
		"right":         "right",
		"home":          "home",
		"end":           "end",
		"pageup":        "pageup",
		"pagedown":      "pagedown",
	}
)

// normalizeKeys validates a hotkey: any set of distinct modifiers plus
// exactly one key. The result lists modifiers in a fixed order followed by
// the key.
func normalizeKeys(keys []string) ([]string, *Error) {
	if len(keys) == 0 {
		return nil, invalidRequest("missing_keys", "keys is required")
	}
	var mods []string
	key := ""
	for _, raw := range keys {
		k := strings.ToLower(strings.TrimSpace(raw))
		if m, ok := modifierAliases[k]; ok {
			if slices.Contains(mods, m) {
				return nil, invalidRequest("invalid_keys", "duplicate modifier %q", raw)
			}
			mods = append(mods, m)
			continue
		}
		name, ok := keyName(k)
		if !ok {
			return nil, invalidRequest("invalid_keys", "unknown key %q", raw).with("key", raw)
		}
		if key != "" {
			return nil, invalidRequest("invalid_keys", "hotkey must contain exactly one non-modifier key")
		}
		key = name
	}
	if key == "" {
		return nil, invalidRequest("invalid_keys", "hotkey must contain exactly one non-modifier key")
	}

	out := make([]string, 0, len(mods)+1)
	for _, m := range modifierOrder {
		if slices.Contains(mods, m) {
			out = append(out, m)
		}
	}
	return append(out, key), nil
}

func keyName(k string) (string, bool) {
	if name, ok := namedKeys[k]; ok {
		return name, true
	}
	if utf8.RuneCountInString(k) == 1 {
		return k, true
	}
	var n int
	if _, err := fmt.Sscanf(k, "f%d", &n); err == nil && n >= 1 && n <= 20 && k == fmt.Sprintf("f%d", n) {
		return k, true
	}
	return "", false
}
