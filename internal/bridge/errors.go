// Copyright 2025 Joseph Cumines
//
// Error taxonomy surfaced to callers

package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/joeycumines/desktopbridge/internal/axtree"
	"github.com/joeycumines/desktopbridge/internal/platform"
	"github.com/joeycumines/desktopbridge/internal/tracker"
	"github.com/joeycumines/desktopbridge/internal/transport"
)

// Code is a stable error code.
type Code string

const (
	CodeHostNotReady       Code = "DESKTOP_HOST_NOT_READY"
	CodePermissionMissing  Code = "DESKTOP_PERMISSION_MISSING"
	CodeWorkspaceForbidden Code = "DESKTOP_WORKSPACE_FORBIDDEN"
	CodeConfirmRequired    Code = "DESKTOP_CONFIRM_REQUIRED"
	CodeElementNotFound    Code = "DESKTOP_ELEMENT_NOT_FOUND"
	CodeTimeout            Code = "DESKTOP_TIMEOUT"
	CodeAborted            Code = "DESKTOP_ABORTED"
	CodeInvalidRequest     Code = "DESKTOP_INVALID_REQUEST"
	CodeCallerNotAllowed   Code = "DESKTOP_CALLER_NOT_ALLOWED"
	CodeInternal           Code = "DESKTOP_INTERNAL_ERROR"
	CodeNotImplemented     Code = "DESKTOP_NOT_IMPLEMENTED"
	CodeRateLimited        Code = "DESKTOP_RATE_LIMITED"
)

// retryableCodes may succeed if the same request is sent again later.
var retryableCodes = []Code{CodeHostNotReady, CodeRateLimited, CodeTimeout}

// Error is a failed request as reported to the caller.
type Error struct {
	Details   map[string]any
	Code      Code
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Retryable: slices.Contains(retryableCodes, code)}
}

func errorf(code Code, format string, args ...any) *Error {
	return newError(code, fmt.Sprintf(format, args...))
}

func invalidRequest(reason string, format string, args ...any) *Error {
	return errorf(CodeInvalidRequest, format, args...).with("reason", reason)
}

// with sets a detail and returns e.
func (e *Error) with(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) wire() *transport.ErrorObj {
	return &transport.ErrorObj{
		Code:      string(e.Code),
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
	}
}

// permissionMissing reports the permissions a call needs but lacks.
func permissionMissing(missing []platform.Permission) *Error {
	return errorf(CodePermissionMissing, "missing permission: %v", missing).with("missing", missing)
}

// toError maps err, raised while serving a request with ctx, onto the
// taxonomy. Anything unrecognized becomes an internal error carrying the
// message only.
func toError(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if perm, ok := platform.AsPermissionError(err); ok {
		return permissionMissing(perm.Missing)
	}

	switch {
	case tracker.WasAborted(ctx), errors.Is(err, tracker.ErrAborted):
		return newError(CodeAborted, "request aborted")
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, "request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return newError(CodeHostNotReady, "request cancelled by shutdown")
	case errors.Is(err, platform.ErrUnavailable):
		return errorf(CodeHostNotReady, "platform helper unavailable: %v", err)
	case errors.Is(err, platform.ErrNodeGone):
		return newError(CodeElementNotFound, "element no longer exists")
	case errors.Is(err, axtree.ErrEmptySelector):
		return invalidRequest("empty_selector", "%v", err)
	case errors.Is(err, axtree.ErrSecureField):
		return invalidRequest("secure_field", "%v", err)
	}

	return newError(CodeInternal, err.Error())
}
