// Copyright 2025 Joseph Cumines

// Package allowlist evaluates the per-workspace caller policy.
//
// The policy lives at {workspace}/allowlist.json and is owned by the
// workspace, not the bridge. It is read on every call so that edits take
// effect immediately. Comments and trailing commas are accepted.
//
//	{
//	  // the orchestrator, by identity digest
//	  "callers": ["digest:3f2a...", "uid:501", "exe:/usr/local/bin/*"],
//	}
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/joeycumines/desktopbridge/internal/peer"
	"github.com/tidwall/jsonc"
)

// FileName is the policy file name inside a workspace.
const FileName = "allowlist.json"

// Decision reasons.
const (
	ReasonNoPolicy  = "no_policy"
	ReasonMatched   = "matched"
	ReasonNoMatch   = "no_match"
	ReasonEmpty     = "empty_policy"
	ReasonMalformed = "malformed_policy"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
	Allowed bool   `json:"allowed"`
}

// Policy is the decoded policy file.
type Policy struct {
	Callers []string `json:"callers"`
}

// Gate checks peers against workspace policies.
type Gate struct {
	logger *slog.Logger
}

// NewGate returns a gate logging malformed policies to logger.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{logger: logger}
}

// IsAllowed reads the policy of workspace and evaluates it for p. A missing
// file allows everyone. A file that cannot be read or parsed denies
// everyone; the returned error describes why.
func (g *Gate) IsAllowed(p peer.Identity, workspace string) (Decision, error) {
	path := filepath.Join(workspace, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Decision{Allowed: true, Reason: ReasonNoPolicy}, nil
	}
	if err != nil {
		g.logger.Error("allowlist unreadable, denying", "path", path, "error", err)
		return Decision{Reason: ReasonMalformed}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var policy Policy
	if err := json.Unmarshal(jsonc.ToJSON(data), &policy); err != nil {
		g.logger.Error("allowlist malformed, denying", "path", path, "error", err)
		return Decision{Reason: ReasonMalformed}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return policy.Evaluate(p), nil
}

// Evaluate returns the decision of the policy for p. Rules are tried in
// order; the first match allows.
func (pol Policy) Evaluate(p peer.Identity) Decision {
	if len(pol.Callers) == 0 {
		return Decision{Reason: ReasonEmpty}
	}
	for _, rule := range pol.Callers {
		if Match(rule, p) {
			return Decision{Allowed: true, Reason: ReasonMatched, Rule: rule}
		}
	}
	return Decision{Reason: ReasonNoMatch}
}

// Match reports whether a single rule admits p. Unknown rule shapes never
// match.
func Match(rule string, p peer.Identity) bool {
	rule = strings.TrimSpace(rule)
	if rule == "*" {
		return true
	}
	kind, arg, ok := strings.Cut(rule, ":")
	if !ok || arg == "" {
		return false
	}
	switch kind {
	case "pid":
		pid, err := strconv.Atoi(arg)
		return err == nil && pid > 0 && p.Trust.AtLeast(peer.TrustPIDFallback) && p.PID == pid
	case "uid":
		uid, err := strconv.ParseUint(arg, 10, 32)
		return err == nil && p.Trust.AtLeast(peer.TrustCredential) && p.UID != nil && uint64(*p.UID) == uid
	case "digest":
		return p.Trust.AtLeast(peer.TrustCredential) && strings.EqualFold(arg, p.IdentityDigest)
	case "exe":
		if p.Trust != peer.TrustExecutable || p.Executable == "" {
			return false
		}
		g, err := glob.Compile(arg, '/')
		return err == nil && g.Match(p.Executable)
	default:
		return false
	}
}
