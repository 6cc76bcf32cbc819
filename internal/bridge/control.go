// Copyright 2025 Joseph Cumines
//
// Abort and confirmation token issuance

package bridge

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/joeycumines/desktopbridge/internal/confirm"
)

type abortResult struct {
	TargetID string `json:"targetId"`
	Aborted  bool   `json:"aborted"`
}

// handleAbort flags one of the caller's own in-flight requests. Aborting an
// id that is not in flight is not an error.
func (s *Server) handleAbort(_ context.Context, req *request) (any, error) {
	p, e := decodeParams[abortParams](req.params)
	if e != nil {
		return nil, e
	}
	if p.TargetID == "" {
		return nil, invalidRequest("missing_target_id", "targetId is required")
	}
	if p.TargetID == req.meta.RequestID {
		return nil, invalidRequest("self_abort", "a request cannot abort itself")
	}
	hit := s.tracker.Abort(trackKey(req.peer, p.TargetID))
	s.metrics.RecordAbort(hit)
	if hit {
		s.logger.Info("request aborted", "target_id", p.TargetID, "peer_pid", req.peer.PID)
	}
	return abortResult{TargetID: p.TargetID, Aborted: hit}, nil
}

// confirmableMethod reports whether name is a side-effecting method.
func (s *Server) confirmableMethod(name string) bool {
	m, ok := s.methods[name]
	return ok && m.sideEffect
}

// handleConfirmIssue mints a token bound to the caller and to the exact
// method and params of the intended call.
func (s *Server) handleConfirmIssue(_ context.Context, req *request) (any, error) {
	p, e := decodeParams[issueParams](req.params)
	if e != nil {
		return nil, e
	}
	if p.Intent == nil {
		return nil, invalidRequest("missing_intent", "intent is required")
	}
	if p.TTLMs < 0 {
		return nil, invalidRequest("invalid_ttl", "ttlMs cannot be negative")
	}
	intent := confirm.Intent{Method: NormalizeMethod(p.Intent.Method), Params: p.Intent.Params}
	if !s.confirmableMethod(intent.Method) {
		return nil, invalidRequest("not_confirmable", "method %q does not take a confirmation", p.Intent.Method).
			with("method", p.Intent.Method)
	}
	if len(bytes.TrimSpace(intent.Params)) == 0 {
		intent.Params = json.RawMessage("{}")
	}
	tok, err := s.tokens.Issue(intent, millis(p.TTLMs), confirmPeer(req))
	if err != nil {
		return nil, invalidRequest("invalid_intent", "%v", err)
	}
	s.metrics.RecordTokenIssued(intent.Method)
	return tok, nil
}
