// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/creachadair/conduit/status"
	"golang.org/x/sys/unix"
)

// Symbolic codes carried by NetworkError results.
const (
	CodeFailed            = "ERR_FAILED"
	CodeConnectionClosed  = "ERR_CONNECTION_CLOSED"
	CodeConnectionReset   = "ERR_CONNECTION_RESET"
	CodeConnectionRefused = "ERR_CONNECTION_REFUSED"
	CodeConnectionAborted = "ERR_CONNECTION_ABORTED"
	CodeConnectionFailed  = "ERR_CONNECTION_FAILED"
	CodeAddressInUse      = "ERR_ADDRESS_IN_USE"
	CodeAddressInvalid    = "ERR_ADDRESS_INVALID"
	CodeAddressUnreach    = "ERR_ADDRESS_UNREACHABLE"
	CodeAccessDenied      = "ERR_ACCESS_DENIED"
	CodeTimedOut          = "ERR_TIMED_OUT"
	CodeMsgTooBig         = "ERR_MSG_TOO_BIG"
	CodeNotConnected      = "ERR_SOCKET_NOT_CONNECTED"
	CodeInsufficientRes   = "ERR_INSUFFICIENT_RESOURCES"
	CodeInternetDisconn   = "ERR_INTERNET_DISCONNECTED"
)

var (
	// ErrConnectionClosed is reported when the peer closed the connection.
	ErrConnectionClosed = status.WithCode(status.NetworkError, CodeConnectionClosed, nil)

	// ErrConnectionReset is reported when the peer reset the connection.
	ErrConnectionReset = status.WithCode(status.NetworkError, CodeConnectionReset, nil)

	// ErrConnectionFailed is reported when no address of a connect could be reached.
	ErrConnectionFailed = status.WithCode(status.NetworkError, CodeConnectionFailed, nil)

	// ErrNotConnected is reported for I/O on a socket that is not connected.
	ErrNotConnected = status.WithCode(status.NetworkError, CodeNotConnected, nil)

	errShortWrite = status.WithCode(status.NetworkError, CodeFailed, io.ErrShortWrite)
)

var errnoCodes = map[unix.Errno]string{
	unix.EPIPE:         CodeConnectionReset,
	unix.ECONNRESET:    CodeConnectionReset,
	unix.ECONNREFUSED:  CodeConnectionRefused,
	unix.ECONNABORTED:  CodeConnectionAborted,
	unix.ENOTCONN:      CodeNotConnected,
	unix.EADDRINUSE:    CodeAddressInUse,
	unix.EADDRNOTAVAIL: CodeAddressInvalid,
	unix.EINVAL:        CodeAddressInvalid,
	unix.EHOSTUNREACH:  CodeAddressUnreach,
	unix.ENETUNREACH:   CodeAddressUnreach,
	unix.EHOSTDOWN:     CodeAddressUnreach,
	unix.EACCES:        CodeAccessDenied,
	unix.EPERM:         CodeAccessDenied,
	unix.ETIMEDOUT:     CodeTimedOut,
	unix.EMSGSIZE:      CodeMsgTooBig,
	unix.ENOBUFS:       CodeInsufficientRes,
	unix.ENOMEM:        CodeInsufficientRes,
	unix.EMFILE:        CodeInsufficientRes,
	unix.ENFILE:        CodeInsufficientRes,
	unix.ENETDOWN:      CodeInternetDisconn,
}

// netError converts an OS error into a NetworkError result. Errors that are
// already status errors are returned unchanged.
func netError(err error) error {
	if err == nil {
		return nil
	}
	var se *status.Error
	if errors.As(err, &se) {
		return err
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		if code, ok := errnoCodes[errno]; ok {
			return status.WithCode(status.NetworkError, code, err)
		}
		return status.WithCode(status.NetworkError, CodeFailed, err)
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return status.WithCode(status.NetworkError, CodeConnectionClosed, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return status.WithCode(status.NetworkError, CodeTimedOut, err)
	}
	return status.WithCode(status.NetworkError, CodeFailed, err)
}

// isResetError reports whether err indicates the connection was reset by the
// peer, after which the socket is unusable.
func isResetError(err error) bool {
	return errors.Is(err, ErrConnectionReset)
}
