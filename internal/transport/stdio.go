// Copyright 2025 Joseph Cumines
//
// Newline-delimited JSON streams

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Stream reads and writes NDJSON messages over a byte stream. Reads must
// come from a single goroutine; writes may come from any.
//
//lint:ignore BETTERALIGN struct is intentionally ordered for clarity
type Stream struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer
	maxLine int
	wmu     sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// NewStream creates a stream over r and w. If c is non-nil it is closed by
// Close.
func NewStream(r io.Reader, w io.Writer, c io.Closer) *Stream {
	return &Stream{
		reader:  bufio.NewReaderSize(r, 64<<10),
		writer:  w,
		closer:  c,
		maxLine: DefaultMaxLineSize,
	}
}

// NewStdioStream creates a session stream over stdin/stdout.
func NewStdioStream(stdin io.Reader, stdout io.Writer) *Stream {
	return NewStream(stdin, stdout, nil)
}

// SetMaxLineSize overrides DefaultMaxLineSize.
func (s *Stream) SetMaxLineSize(n int) {
	if n > 0 {
		s.maxLine = n
	}
}

// MalformedError reports a line that was not a valid JSON object.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("failed to parse JSON: %v", e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// ReadMessage reads the next non-empty line and decodes it. It returns
// io.EOF when the peer closes the stream, ErrLineTooLong for an oversized
// line, and a *MalformedError for undecodable JSON; after either of the
// latter two the stream remains usable.
func (s *Stream) ReadMessage() (*Message, error) {
	if s.IsClosed() {
		return nil, ErrClosed
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, &MalformedError{Err: err}
		}
		return &msg, nil
	}
}

// readLine returns one line without enforcing any structure. Oversized
// lines are consumed to their end and reported as ErrLineTooLong.
func (s *Stream) readLine() ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > s.maxLine {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return buf, nil
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(bytes.TrimSpace(buf)) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("failed to read line: %w", err)
		}
	}
}

// WriteMessage encodes msg as a single line. Concurrent calls are
// serialized so lines never interleave.
func (s *Stream) WriteMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.IsClosed() {
		return ErrClosed
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close marks the stream closed and closes the underlying closer, if any.
// Close is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// IsClosed returns whether the stream is closed.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Serve reads messages until EOF, ctx is done, or the stream fails, and
// dispatches each one to h on its own goroutine. It returns once every
// dispatched handler has finished; a clean EOF returns nil.
func Serve(ctx context.Context, s *Stream, h Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	reply := func(resp *Message) {
		if resp == nil {
			return
		}
		if err := s.WriteMessage(resp); err != nil && !errors.Is(err, ErrClosed) {
			logger.Warn("failed to write response", "error", err)
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := s.ReadMessage()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, ErrClosed):
			return nil
		case errors.Is(err, ErrLineTooLong):
			reply(h.Malformed(err))
			continue
		default:
			var malformed *MalformedError
			if errors.As(err, &malformed) {
				reply(h.Malformed(err))
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply(h.Handle(ctx, msg))
		}()
	}
}
