// Copyright 2025 Joseph Cumines
//
// Confirmation-gated input actions

package bridge

import (
	"bytes"
	"context"
	"unicode/utf8"

	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/confirm"
	"github.com/joeycumines/desktopbridge/internal/evidence"
	"github.com/joeycumines/desktopbridge/internal/platform"
)

// Confirmation rejection reasons beyond the confirm.Result values.
const (
	confirmMissing        = "missing"
	confirmPhraseDisabled = "phrase_disabled"
	confirmPhraseMismatch = "phrase_mismatch"
)

func confirmRequired(reason string) *Error {
	return errorf(CodeConfirmRequired, "confirmation required (%s)", reason).with("reason", reason)
}

func confirmPeer(req *request) confirm.Peer {
	return confirm.Peer{IdentityDigest: req.peer.IdentityDigest, PID: req.peer.PID}
}

// acquireLane serializes side-effecting calls when single-flight is on.
func (s *Server) acquireLane(ctx context.Context) (func(), error) {
	if s.lane == nil {
		return func() {}, nil
	}
	if err := s.lane.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.lane.Release(1) }, nil
}

// authorize runs the confirmation check, then the permission check, and
// only then spends the token. A call that fails before the spend leaves
// the token usable.
func (s *Server) authorize(ctx context.Context, req *request, c *confirm.Confirmation) (platform.PermissionState, error) {
	var token string
	switch {
	case c.Empty():
		s.metrics.RecordConfirmRejected(confirmMissing)
		return platform.PermissionState{}, confirmRequired(confirmMissing)
	case c.Token != "":
		if res := s.tokens.Validate(c.Token, req.method, req.params, confirmPeer(req)); res != confirm.ResultOK {
			s.metrics.RecordConfirmRejected(string(res))
			return platform.PermissionState{}, confirmRequired(string(res))
		}
		token = c.Token
	case !s.cfg.AllowPhrase:
		s.metrics.RecordConfirmRejected(confirmPhraseDisabled)
		return platform.PermissionState{}, confirmRequired(confirmPhraseDisabled)
	case !confirm.PhraseMatches(c.Phrase, req.meta.RequestID):
		s.metrics.RecordConfirmRejected(confirmPhraseMismatch)
		return platform.PermissionState{}, confirmRequired(confirmPhraseMismatch)
	}

	perms, err := s.platform.ReadPermissionState(ctx)
	if err != nil {
		return perms, err
	}
	if missing := perms.Missing(platform.PermissionAccessibility); len(missing) > 0 {
		return perms, permissionMissing(missing)
	}

	if token != "" {
		if !s.tokens.Consume(token) {
			s.metrics.RecordConfirmRejected(string(confirm.ResultUsed))
			return perms, confirmRequired(string(confirm.ResultUsed))
		}
		s.metrics.RecordTokenConsumed(req.method)
	}
	return perms, nil
}

type actionResult struct {
	Target     *axtree.ElementRef `json:"target,omitempty"`
	Keys       []string           `json:"keys,omitempty"`
	Evidence   evidenceInfo       `json:"evidence"`
	TextLength int                `json:"textLength,omitempty"`
	OK         bool               `json:"ok"`
}

// act runs one side-effecting call: lane, authorization, execution, then
// action evidence. The evidence records the outcome whether or not run
// succeeded.
func (s *Server) act(ctx context.Context, req *request, c *confirm.Confirmation, action evidence.Action, run func(ctx context.Context, action *evidence.Action) error) (any, error) {
	release, err := s.acquireLane(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	perms, err := s.authorize(ctx, req, c)
	if err != nil {
		return nil, err
	}

	start := s.now()
	action.Method = req.method
	runErr := run(ctx, &action)
	action.Duration = s.now().Sub(start).Milliseconds()

	var failed *Error
	action.Outcome = statusOK
	if runErr != nil {
		failed = toError(ctx, runErr)
		action.Outcome = string(failed.Code)
	}

	bundle, evErr := s.beginEvidence(req, perms)
	if evErr == nil {
		if err := bundle.WriteAction(action); err != nil {
			evErr = err
			s.logger.Error("failed to write action evidence", "request_id", req.meta.RequestID, "error", err)
		}
	}

	if failed != nil {
		if bundle != nil {
			failed.with("executionId", bundle.ID())
		}
		return nil, failed
	}
	return actionResult{
		Target:     action.Target,
		Keys:       action.Keys,
		TextLength: action.TextLen,
		Evidence:   newEvidenceInfo(bundle, evErr),
		OK:         true,
	}, nil
}

func (s *Server) handleClick(ctx context.Context, req *request) (any, error) {
	p, e := decodeParams[clickParams](req.params)
	if e != nil {
		return nil, e
	}
	if ref := bytes.TrimSpace(p.Ref); len(ref) > 0 && !bytes.Equal(ref, []byte("null")) {
		return nil, newError(CodeNotImplemented, "element references are not supported; use selector")
	}
	if p.Selector == nil {
		return nil, invalidRequest("missing_selector", "selector is required")
	}
	sel, e := validSelector(*p.Selector)
	if e != nil {
		return nil, e
	}
	return s.act(ctx, req, p.Confirm, evidence.Action{}, func(ctx context.Context, action *evidence.Action) error {
		ref, err := s.resolve(ctx, req, sel)
		if err != nil {
			return err
		}
		action.Target = &ref
		return s.platform.PressElement(ctx, ref.NodeID())
	})
}

func (s *Server) handleTypeText(ctx context.Context, req *request) (any, error) {
	p, e := decodeParams[typeTextParams](req.params)
	if e != nil {
		return nil, e
	}
	if e := p.validate(); e != nil {
		return nil, e
	}
	var sel *axtree.Selector
	if p.Selector != nil {
		v, e := validSelector(*p.Selector)
		if e != nil {
			return nil, e
		}
		sel = &v
	}
	action := evidence.Action{TextLen: utf8.RuneCountInString(p.Text)}
	return s.act(ctx, req, p.Confirm, action, func(ctx context.Context, action *evidence.Action) error {
		if sel != nil {
			ref, err := s.resolve(ctx, req, *sel)
			if err != nil {
				return err
			}
			action.Target = &ref
			if err := s.platform.PressElement(ctx, ref.NodeID()); err != nil {
				return err
			}
		}
		return s.platform.PasteText(ctx, p.Text)
	})
}

func (s *Server) handleHotkey(ctx context.Context, req *request) (any, error) {
	p, e := decodeParams[hotkeyParams](req.params)
	if e != nil {
		return nil, e
	}
	keys, e := normalizeKeys(p.Keys)
	if e != nil {
		return nil, e
	}
	return s.act(ctx, req, p.Confirm, evidence.Action{Keys: keys}, func(ctx context.Context, _ *evidence.Action) error {
		return s.platform.SendKeyCombo(ctx, keys)
	})
}
