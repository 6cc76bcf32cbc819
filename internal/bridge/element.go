// Copyright 2025 Joseph Cumines
//
// Element lookup, text reads, and condition polling

package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/tracker"
)

// validSelector resolves sel's limit, reporting shape problems as invalid
// requests.
func validSelector(sel axtree.Selector) (axtree.Selector, *Error) {
	sel, err := sel.Validate()
	switch {
	case errors.Is(err, axtree.ErrEmptySelector):
		return sel, invalidRequest("empty_selector", "%v", err)
	case err != nil:
		return sel, invalidRequest("invalid_selector", "%v", err)
	}
	return sel, nil
}

func (s *Server) handleFind(ctx context.Context, req *request) (any, error) {
	p, e := decodeParams[findParams](req.params)
	if e != nil {
		return nil, e
	}
	limits, e := p.Limits.apply(s.cfg.Tree)
	if e != nil {
		return nil, e
	}
	sel, e := validSelector(p.Selector)
	if e != nil {
		return nil, e
	}
	res, err := s.walker(req, limits).Find(ctx, sel)
	if err != nil {
		return nil, err
	}
	s.recordTruncation(res.Stats)
	if err := interrupted(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// interrupted reports whether the request itself was aborted or ran out of
// time. A walk cut short by its own wall budget, while the request is still
// live, is a truncated result and not an error.
func interrupted(ctx context.Context) error {
	switch {
	case tracker.WasAborted(ctx):
		return tracker.ErrAborted
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

// resolve locates the first element matching sel.
func (s *Server) resolve(ctx context.Context, req *request, sel axtree.Selector) (axtree.ElementRef, error) {
	sel.Limit = 1
	res, err := s.walker(req, s.cfg.Tree).Find(ctx, sel)
	if err != nil {
		return axtree.ElementRef{}, err
	}
	s.recordTruncation(res.Stats)
	if err := interrupted(ctx); err != nil {
		return axtree.ElementRef{}, err
	}
	if len(res.Elements) == 0 {
		return axtree.ElementRef{}, newError(CodeElementNotFound, "no element matches the selector").
			with("selector", sel).
			with("stats", res.Stats)
	}
	return res.Elements[0], nil
}

type readTextResult struct {
	Element axtree.ElementRef `json:"element"`
	Text    axtree.Text       `json:"text"`
}

func (s *Server) handleReadText(ctx context.Context, req *request) (any, error) {
	p, e := decodeParams[readTextParams](req.params)
	if e != nil {
		return nil, e
	}
	if p.MaxChars < 0 {
		return nil, invalidRequest("invalid_max_chars", "maxChars cannot be negative")
	}
	sel, e := validSelector(p.Selector)
	if e != nil {
		return nil, e
	}
	ref, err := s.resolve(ctx, req, sel)
	if err != nil {
		return nil, err
	}
	text, err := axtree.ReadText(ctx, s.platform, ref.NodeID(), p.MaxChars)
	if err != nil {
		return nil, err
	}
	return readTextResult{Element: ref, Text: text}, nil
}

type waitResult struct {
	Element   *axtree.ElementRef `json:"element,omitempty"`
	Condition string             `json:"condition"`
	Stats     axtree.Stats       `json:"stats"`
	Attempts  int                `json:"attempts"`
	WaitedMs  int64              `json:"waitedMs"`
}

// handleWaitUntil polls the selector at start, start+poll, start+2*poll,
// ... for as long as the attempt time falls before the deadline. The
// deadline is the earlier of timeoutMs and the request deadline. "gone" is
// only satisfied by a traversal that was not truncated.
func (s *Server) handleWaitUntil(ctx context.Context, req *request) (any, error) {
	p, e := decodeParams[waitUntilParams](req.params)
	if e != nil {
		return nil, e
	}
	if e := p.normalize(); e != nil {
		return nil, e
	}
	sel, e := validSelector(p.Selector)
	if e != nil {
		return nil, e
	}

	start := s.now()
	var deadline time.Time
	if p.TimeoutMs > 0 {
		deadline = start.Add(millis(p.TimeoutMs))
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	poll := p.pollInterval()
	aborted := s.tracker.AbortFunc(req.key)

	attempts := 0
	timedOut := func(err error) error {
		if err != nil && (tracker.WasAborted(ctx) || !errors.Is(err, context.DeadlineExceeded)) {
			return err
		}
		waited := s.now().Sub(start)
		return errorf(CodeTimeout, "condition %q not met within %dms", p.Condition, waited.Milliseconds()).
			with("attempts", attempts).
			with("waitedMs", waited.Milliseconds())
	}

	for k := 0; ; k++ {
		at := start.Add(time.Duration(k) * poll)
		if !deadline.IsZero() && !at.Before(deadline) {
			break
		}
		if err := s.sleepUntil(ctx, at); err != nil {
			return nil, timedOut(err)
		}
		if aborted() {
			return nil, tracker.ErrAborted
		}

		res, err := s.walker(req, s.cfg.Tree).Find(ctx, sel)
		attempts++
		if err != nil {
			return nil, err
		}
		s.recordTruncation(res.Stats)
		if aborted() {
			return nil, tracker.ErrAborted
		}
		if err := interrupted(ctx); err != nil {
			return nil, timedOut(err)
		}

		out := waitResult{
			Condition: p.Condition,
			Stats:     res.Stats,
			Attempts:  attempts,
		}
		switch {
		case p.Condition == conditionExists && res.Matched > 0:
			out.Element = &res.Elements[0]
		case p.Condition == conditionGone && res.Matched == 0 && !res.Stats.Truncated:
		default:
			continue
		}
		out.WaitedMs = s.now().Sub(start).Milliseconds()
		return out, nil
	}

	return nil, timedOut(s.sleepUntil(ctx, deadline))
}

// sleepUntil blocks until t or until ctx is done.
func (s *Server) sleepUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(s.now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
