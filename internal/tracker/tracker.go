// Copyright 2025 Joseph Cumines

// Package tracker records in-flight requests so they can be aborted
// cooperatively and drained on shutdown.
package tracker

import (
	"context"
	"errors"
	"sync"
)

// ErrDuplicate is returned by Register when the id is already in flight.
var ErrDuplicate = errors.New("request id already in flight")

// ErrAborted is the cancellation cause of an aborted request's context.
var ErrAborted = errors.New("request aborted")

type entry struct {
	cancel  context.CancelCauseFunc
	aborted bool
}

// Tracker is a set of in-flight request ids and their abort flags. The zero
// value is not usable; construct with New.
type Tracker struct {
	entries map[string]*entry
	idle    chan struct{}
	mu      sync.Mutex
}

// New returns an empty tracker.
func New() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		entries: make(map[string]*entry),
		idle:    idle,
	}
}

// Register tracks id for the lifetime of the returned context. The caller
// must invoke done exactly once when the request finishes; it is safe to
// call more than once.
func (t *Tracker) Register(parent context.Context, id string) (context.Context, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return nil, nil, ErrDuplicate
	}
	ctx, cancel := context.WithCancelCause(parent)
	e := &entry{cancel: cancel}
	if len(t.entries) == 0 {
		t.idle = make(chan struct{})
	}
	t.entries[id] = e

	var once sync.Once
	done := func() {
		once.Do(func() {
			t.mu.Lock()
			if t.entries[id] == e {
				delete(t.entries, id)
				if len(t.entries) == 0 {
					close(t.idle)
				}
			}
			t.mu.Unlock()
			cancel(context.Canceled)
		})
	}
	return ctx, done, nil
}

// Abort flags id as aborted and cancels its context with ErrAborted. Work
// already inside a platform call may still complete. Returns false, and
// records nothing, if id is not in flight.
func (t *Tracker) Abort(id string) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		e.aborted = true
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.cancel(ErrAborted)
	return true
}

// IsAborted reports whether id is in flight and has been aborted.
func (t *Tracker) IsAborted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return ok && e.aborted
}

// AbortFunc returns a closure reporting IsAborted(id).
func (t *Tracker) AbortFunc(id string) func() bool {
	return func() bool { return t.IsAborted(id) }
}

// InFlight returns the number of tracked requests.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain blocks until no requests are in flight or ctx is done.
func (t *Tracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WasAborted reports whether ctx, as returned by Register, was cancelled
// through Abort.
func WasAborted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrAborted)
}
