// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error types and error handling utilities for wsengine.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeConfig
	ErrCodeHandshake
	ErrCodeProtocol
	ErrCodeResourceExhausted
	ErrCodeTooLarge
	ErrCodeDoubleRelease
	ErrCodeClosed
	ErrCodeNotFound
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeConfig:
		return "config"
	case ErrCodeHandshake:
		return "handshake"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeResourceExhausted:
		return "resource_exhausted"
	case ErrCodeTooLarge:
		return "too_large"
	case ErrCodeDoubleRelease:
		return "double_release"
	case ErrCodeClosed:
		return "closed"
	case ErrCodeNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Common errors used across the library. Match them with errors.Is; any
// *Error carrying the same code matches too.
var (
	ErrInvalidArgument   = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrConfig            = NewError(ErrCodeConfig, "invalid configuration")
	ErrHandshake         = NewError(ErrCodeHandshake, "handshake failed")
	ErrProtocol          = NewError(ErrCodeProtocol, "protocol violation")
	ErrResourceExhausted = NewError(ErrCodeResourceExhausted, "resource exhausted")
	ErrMessageTooLarge   = NewError(ErrCodeTooLarge, "message too large")
	ErrDoubleRelease     = NewError(ErrCodeDoubleRelease, "buffer released more times than required")
	ErrClosed            = NewError(ErrCodeClosed, "connection is closed")
	ErrNotFound          = NewError(ErrCodeNotFound, "resource not found")
	ErrInternal          = NewError(ErrCodeInternal, "internal error")
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an *Error with a formatted message. A %w verb in format is
// kept as the wrapped cause.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Err: errors.Unwrap(err)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil && e.Message == "" {
		msg = e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithContext returns a copy of e with key=value added to its context.
// Shared sentinels are never mutated.
func (e *Error) WithContext(key string, value any) *Error {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Error{Code: e.Code, Message: e.Message, Err: e.Err, Context: ctx}
}

// WithError returns a copy of e wrapping cause.
func (e *Error) WithError(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: cause, Context: e.Context}
}

// WithMessage returns a copy of e carrying message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{Code: e.Code, Message: message, Err: e.Err, Context: e.Context}
}

// CodeOf extracts the code from err, or ErrCodeInternal if err is not an *Error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
