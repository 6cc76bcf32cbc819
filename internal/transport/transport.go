// Copyright 2025 Joseph Cumines

// Package transport provides the local-only wire transports of the bridge:
// newline-delimited JSON sessions over stdio or a unix domain socket, and a
// diagnostics HTTP endpoint (health and Prometheus metrics), also bound to a
// unix socket.
//
// The transport owns framing and concurrency only. Every request line is
// handed to a Handler on its own goroutine; responses on one session are
// serialized by a write lock and may be written out of order.
package transport

import (
	"context"
	"errors"
)

// DefaultMaxLineSize bounds a single NDJSON message.
const DefaultMaxLineSize = 4 << 20

var (
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("transport is closed")

	// ErrLineTooLong is returned by ReadMessage when a line exceeds the
	// maximum size. The line is discarded and the stream stays usable.
	ErrLineTooLong = errors.New("message exceeds maximum line size")
)

// Handler processes messages of one session.
//
// Handle is called concurrently, once per request, and returns the response
// to write (nil for none). Malformed is called for lines that could not be
// decoded and returns the error response to write.
type Handler interface {
	Handle(ctx context.Context, msg *Message) *Message
	Malformed(err error) *Message
}

// HandlerFuncs adapts a pair of functions to Handler.
type HandlerFuncs struct {
	HandleFunc    func(ctx context.Context, msg *Message) *Message
	MalformedFunc func(err error) *Message
}

// Handle implements Handler.
func (h HandlerFuncs) Handle(ctx context.Context, msg *Message) *Message {
	if h.HandleFunc == nil {
		return nil
	}
	return h.HandleFunc(ctx, msg)
}

// Malformed implements Handler.
func (h HandlerFuncs) Malformed(err error) *Message {
	if h.MalformedFunc == nil {
		return nil
	}
	return h.MalformedFunc(err)
}
