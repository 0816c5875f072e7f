// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package status defines the error values reported at every asynchronous
// boundary of the transport layer.
//
// Each failure carries a [Kind] that tells the caller what class of problem
// occurred, an optional symbolic code (for example "ERR_CONNECTION_REFUSED")
// naming the specific OS or engine condition, and a human-readable message.
package status

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind byte

const (
	OK               Kind = iota // no error
	InvalidArgument              // malformed endpoint or settings
	NetworkError                 // OS or TLS engine failure
	Unavailable                  // bind, listen, or broker setup failure
	DataLoss                     // expected data was not delivered
	Aborted                      // retries exhausted, or an operation could not proceed
	PermissionDenied             // peer credential check rejected
	OutOfRange                   // value exceeds a fixed capacity
	Unimplemented                // operation not supported by this endpoint
)

var kindNames = [...]string{
	OK:               "OK",
	InvalidArgument:  "INVALID_ARGUMENT",
	NetworkError:     "NETWORK_ERROR",
	Unavailable:      "UNAVAILABLE",
	DataLoss:         "DATA_LOSS",
	Aborted:          "ABORTED",
	PermissionDenied: "PERMISSION_DENIED",
	OutOfRange:       "OUT_OF_RANGE",
	Unimplemented:    "UNIMPLEMENTED",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND:%d", byte(k))
}

// Error is the concrete type of errors reported by this module.
type Error struct {
	Kind    Kind   // the class of failure (never OK)
	Code    string // optional symbolic code, e.g., "ERR_CONNECTION_RESET"
	Message string // human-readable description
	Err     error  // optional underlying cause
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		if msg == "" {
			return fmt.Sprintf("%v: %s", e.Kind, e.Code)
		}
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%v: %s", e.Kind, msg)
}

// Unwrap reports the underlying cause of e, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error matching e. A target matches if it
// has the same kind, and either has no code or the same code as e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// New constructs an error of the given kind with a formatted message.
func New(kind Kind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(msg, args...)}
}

// WithCode constructs an error of the given kind with a symbolic code.
func WithCode(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Err: cause}
}

// InvalidArgumentf reports an InvalidArgument error.
func InvalidArgumentf(msg string, args ...any) *Error { return New(InvalidArgument, msg, args...) }

// NetworkErrorf reports a NetworkError error.
func NetworkErrorf(msg string, args ...any) *Error { return New(NetworkError, msg, args...) }

// Unavailablef reports an Unavailable error.
func Unavailablef(msg string, args ...any) *Error { return New(Unavailable, msg, args...) }

// DataLossf reports a DataLoss error.
func DataLossf(msg string, args ...any) *Error { return New(DataLoss, msg, args...) }

// Abortedf reports an Aborted error.
func Abortedf(msg string, args ...any) *Error { return New(Aborted, msg, args...) }

// PermissionDeniedf reports a PermissionDenied error.
func PermissionDeniedf(msg string, args ...any) *Error { return New(PermissionDenied, msg, args...) }

// OutOfRangef reports an OutOfRange error.
func OutOfRangef(msg string, args ...any) *Error { return New(OutOfRange, msg, args...) }

// Unimplementedf reports an Unimplemented error.
func Unimplementedf(msg string, args ...any) *Error { return New(Unimplemented, msg, args...) }

// KindOf reports the kind of err. It returns OK if err == nil, and
// NetworkError for errors not created by this package.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return NetworkError
}

// CodeOf reports the symbolic code of err, or "" if it has none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err has the specified kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
