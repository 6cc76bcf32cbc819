// Copyright 2025 Joseph Cumines
//
// Parameter digests and the legacy confirmation phrase

package confirm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// PhraseMarker is the literal accepted in place of a token when the phrase
// fallback is enabled.
const PhraseMarker = "CONFIRM_DESKTOP_ACTION"

const digestHexLen = 16

// Confirmation is the confirm object carried by side-effecting calls.
type Confirmation struct {
	Token  string `json:"token,omitempty"`
	Phrase string `json:"phrase,omitempty"`
}

// Empty reports whether neither a token nor a phrase was supplied.
func (c *Confirmation) Empty() bool {
	return c == nil || (c.Token == "" && c.Phrase == "")
}

// PhraseMatches reports whether phrase is the marker alone or the marker
// scoped to requestID.
func PhraseMatches(phrase, requestID string) bool {
	if phrase == PhraseMarker {
		return true
	}
	rest, ok := strings.CutPrefix(phrase, PhraseMarker+":")
	return ok && requestID != "" && rest == requestID
}

// ParamsDigest hashes the canonical form of params with the "meta" and
// "confirm" members removed. Object keys are sorted and numbers keep their
// literal text, so two encodings of the same object digest identically.
// Empty or null params digest as the empty object.
func ParamsDigest(params json.RawMessage) (string, error) {
	obj := map[string]any{}
	if trimmed := bytes.TrimSpace(params); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return "", fmt.Errorf("params must be a JSON object: %w", err)
		}
		if obj == nil {
			obj = map[string]any{}
		}
	}
	delete(obj, "meta")
	delete(obj, "confirm")

	canonical, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to encode params: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:digestHexLen], nil
}
