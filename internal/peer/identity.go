// Copyright 2025 Joseph Cumines

// Package peer derives caller identities from the transport.
//
// An Identity is computed once per connection from what the kernel reports
// about the other end of the socket (or, in session mode, about the parent
// process). It is never derived from request content. The Trust level
// records how much of the identity was actually verified; lower levels are
// reported as such and never silently upgraded.
package peer

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
)

// Trust describes how an Identity was established.
type Trust string

const (
	// TrustExecutable means kernel credentials plus a digest of the peer's
	// executable image.
	TrustExecutable Trust = "executable"
	// TrustCredential means kernel-reported pid/uid/gid only.
	TrustCredential Trust = "credential"
	// TrustPIDFallback means only a process id is known.
	TrustPIDFallback Trust = "pid-fallback"
	// TrustUnknown means nothing could be determined. Only wildcard
	// allowlist rules match such peers.
	TrustUnknown Trust = "unknown"
)

func (t Trust) rank() int {
	switch t {
	case TrustExecutable:
		return 3
	case TrustCredential:
		return 2
	case TrustPIDFallback:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether t is as strong as o.
func (t Trust) AtLeast(o Trust) bool {
	return t.rank() >= o.rank()
}

// Explain returns a short human description of the trust level.
func (t Trust) Explain() string {
	switch t {
	case TrustExecutable:
		return "kernel peer credentials and executable image digest"
	case TrustCredential:
		return "kernel peer credentials; executable image could not be hashed"
	case TrustPIDFallback:
		return "process id only; lower trust, identity rules other than pid are not honored"
	default:
		return "identity could not be determined; only wildcard rules apply"
	}
}

// Identity is the resolved identity of a peer.
type Identity struct {
	UID              *uint32 `json:"uid,omitempty"`
	GID              *uint32 `json:"gid,omitempty"`
	IdentityDigest   string  `json:"identityDigest"`
	SigningID        string  `json:"signingId,omitempty"`
	TeamID           string  `json:"teamId,omitempty"`
	Executable       string  `json:"executable,omitempty"`
	ExecutableDigest string  `json:"executableDigest,omitempty"`
	Trust            Trust   `json:"trust"`
	PID              int     `json:"pid"`
}

// Unknown returns the identity used when nothing about the peer could be
// determined.
func Unknown() Identity {
	id := Identity{Trust: TrustUnknown}
	id.IdentityDigest = digest(id)
	return id
}

// digest computes the identity digest over the canonical credential record
// trust|pid|uid|gid|exeDigest.
func digest(id Identity) string {
	record := fmt.Sprintf("%s|%d|%s|%s|%s", id.Trust, id.PID, optUint(id.UID), optUint(id.GID), id.ExecutableDigest)
	sum := blake3.Sum256([]byte(record))
	return hex.EncodeToString(sum[:])
}

func optUint(v *uint32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}
