// Copyright 2025 Joseph Cumines
//
// Wire envelope

package transport

import (
	"bytes"
	"encoding/json"
)

// Message is the wire envelope, either a request or a response.
//
// Request format:
//   - ID: request identifier, string or number (required)
//   - Method: method name (required)
//   - Params: method parameters, always an object
//   - JSONRPC: optional "2.0", echoed on the response
//
// Response format:
//   - ID: the request ID, or null if the request could not be decoded
//   - Result: success payload (mutually exclusive with Error)
//   - Error: failure (mutually exclusive with Result)
//
//lint:ignore BETTERALIGN struct is intentionally ordered for clarity
type Message struct {
	// ID correlates requests and responses. Always written, as null when
	// unknown.
	ID json.RawMessage `json:"id"`

	// JSONRPC is echoed from the request when present.
	JSONRPC string `json:"jsonrpc,omitempty"`

	// Method is the name of the method to invoke.
	Method string `json:"method,omitempty"`

	// Params contains the method parameters.
	Params json.RawMessage `json:"params,omitempty"`

	// Result contains the success response data.
	Result json.RawMessage `json:"result,omitempty"`

	// Error contains error details for failed requests.
	Error *ErrorObj `json:"error,omitempty"`
}

// ErrorObj is the error member of a response. Codes are stable strings
// such as "DESKTOP_CONFIRM_REQUIRED".
//
//lint:ignore BETTERALIGN struct is intentionally ordered for clarity
type ErrorObj struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewResult builds a success response for req carrying result.
func NewResult(req *Message, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp := &Message{Result: data}
	if req != nil {
		resp.ID = req.ID
		resp.JSONRPC = req.JSONRPC
	}
	return resp, nil
}

// NewError builds an error response for req, which may be nil.
func NewError(req *Message, e *ErrorObj) *Message {
	resp := &Message{Error: e}
	if req != nil {
		resp.ID = req.ID
		resp.JSONRPC = req.JSONRPC
	}
	return resp
}

// IDString renders the ID as a plain string: strings are unquoted, numbers
// keep their literal text, and a missing ID is empty.
func (m *Message) IDString() string {
	if m == nil || len(m.ID) == 0 || string(m.ID) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// ValidID reports whether the ID is a string or a number.
func (m *Message) ValidID() bool {
	if m == nil || len(m.ID) == 0 {
		return false
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(m.ID))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false
	}
	switch v.(type) {
	case string, json.Number:
		return true
	default:
		return false
	}
}
