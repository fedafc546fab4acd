// Package apexerr defines the error codes surfaced by every debugging
// operation and the single structured error record that crosses the tool
// boundary.
package apexerr

import (
	"errors"
	"fmt"
)

// Code identifies a class of operation failure.
type Code string

const (
	CodeSessionNotFound     Code = "SessionNotFound"
	CodeSessionStartFailed  Code = "SessionStartFailed"
	CodeNotPaused           Code = "NotPaused"
	CodeNotRunning          Code = "NotRunning"
	CodeInvalidLocation     Code = "InvalidLocation"
	CodeBreakpointNotFound  Code = "BreakpointNotFound"
	CodeWatchNotFound       Code = "WatchNotFound"
	CodeFrameOutOfRange     Code = "FrameOutOfRange"
	CodeStaleHandle         Code = "StaleHandle"
	CodeEvalFailed          Code = "EvalFailed"
	CodeSourceMapUnavailable Code = "SourceMapUnavailable"
	CodeCdpError            Code = "CdpError"
	CodeTimeout             Code = "Timeout"
	CodeDisconnected        Code = "Disconnected"
	CodeTerminated          Code = "Terminated"
	CodeUnknownTool         Code = "UnknownTool"
	CodeInvalidArguments    Code = "InvalidArguments"
	CodeHangDetectionFailed Code = "HangDetectionFailed"
	CodeSpawnFailed         Code = "SpawnFailed"
	CodeSpawnTimeout        Code = "SpawnTimeout"
	CodeInternal            Code = "Internal"
)

// Error is the structured error record returned by every operation.
// Context carries small diagnostic values (offending frame index, objectId).
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that records cause and inherits its message.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

// WithContext attaches one diagnostic key to the error and returns it.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{}, 1)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the Code from any error, defaulting to Internal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
