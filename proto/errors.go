package proto

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol decoding errors.
type ErrorKind int

const (
	// ErrorTruncated indicates a buffer shorter than the declared layout.
	ErrorTruncated ErrorKind = iota
	// ErrorBadType indicates an unknown message type tag.
	ErrorBadType
	// ErrorLengthMismatch indicates section lengths that disagree with the
	// declared total length.
	ErrorLengthMismatch
)

// ProtocolError represents a message decoding error.
//
// Protocol errors are never fatal to a worker: the dispatch loop logs the
// error, discards the single malformed message, and keeps serving.
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTruncated returns true if the error is a truncated-buffer protocol error.
func IsTruncated(err error) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Kind == ErrorTruncated
	}
	return false
}

// IsBadType returns true if the error is an unknown-type protocol error.
func IsBadType(err error) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Kind == ErrorBadType
	}
	return false
}

func truncated(msg string) *ProtocolError {
	return &ProtocolError{Kind: ErrorTruncated, Msg: msg}
}

func lengthMismatch(format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: ErrorLengthMismatch, Msg: fmt.Sprintf(format, args...)}
}
