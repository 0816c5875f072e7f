// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

// Package socket implements non-blocking sockets driven by a [loop.Loop].
//
// Every socket in this package belongs to exactly one loop, and all of its
// methods must be called from tasks running on that loop. Operations that
// cannot complete immediately report [ErrPending] and later deliver their
// result to a callback, also on the loop. Each socket allows at most one
// pending read and one pending write at a time; starting a second operation
// in the same direction before the first completes is a contract violation
// and panics.
//
// The concrete socket types are:
//
//   - [TCPClient], [TCPServer]: stream sockets over TCP.
//   - [UDPClient], [UDPServer]: multicast datagram sockets.
//   - [UDSClient], [UDSServer]: Unix-domain stream sockets with credentialed accept.
//   - [TLSClient], [TLSServer]: TLS layered over any [StreamSocket].
//   - [WSClient], [WSServer]: WebSocket message sockets.
//
// Use the capability methods of [Socket] to check what a socket is before
// narrowing it to a concrete type with a type assertion.
package socket

import (
	"errors"

	"github.com/creachadair/conduit/loop"
	"go.uber.org/zap"
)

// ErrPending is reported by an operation that did not complete synchronously.
// The result of the operation will be delivered to its callback.
var ErrPending = errors.New("operation pending")

// A Callback receives the result of an asynchronous operation.
type Callback func(error)

// A CompletionFunc receives the result of an asynchronous transfer: the
// number of bytes transferred, or an error.
type CompletionFunc func(n int, err error)

// Transport identifies the transport of a socket.
type Transport byte

const (
	TCP Transport = iota + 1
	UDP
	UDS
	TLS
	WS
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case UDS:
		return "uds"
	case TLS:
		return "tls"
	case WS:
		return "ws"
	}
	return "unknown"
}

// A Socket is the common contract of all sockets.
type Socket interface {
	// Transport reports the transport of the socket.
	Transport() Transport

	// IsClient reports whether the socket is a connecting (client) socket.
	IsClient() bool

	// IsServer reports whether the socket is a listening (server) socket.
	IsServer() bool

	// IsConnected reports whether the socket is usable for I/O.
	IsConnected() bool

	// WriteAsync writes all of buf and then calls done exactly once.
	WriteAsync(buf []byte, done Callback)

	// ReadAsync fills buf and then calls done exactly once. For a datagram
	// socket, one message is read into a prefix of buf.
	ReadAsync(buf []byte, done Callback)

	// Close closes the socket. Pending callbacks are discarded, and will not
	// be called after Close returns.
	Close() error
}

// A StreamSocket is a connected byte stream supporting single-step transfers.
//
// Read and Write each perform one transfer attempt. If the attempt completes
// immediately, they report its result directly and do not call done. If the
// attempt would block, they report [ErrPending] and deliver the result to
// done when it completes.
type StreamSocket interface {
	Socket

	Read(buf []byte, done CompletionFunc) (int, error)
	Write(buf []byte, done CompletionFunc) (int, error)
}

// A Writer is the single-step write operation of a [StreamSocket].
type Writer interface {
	Write(buf []byte, done CompletionFunc) (int, error)
}

// A Reader is the single-step read operation of a [StreamSocket].
type Reader interface {
	Read(buf []byte, done CompletionFunc) (int, error)
}

// WriteRepeating writes all of buf to w, issuing as many single-step writes
// as necessary. It calls done exactly once, with nil after every byte has
// been written, or with the first error reported by w.
func WriteRepeating(w Writer, buf []byte, done Callback) {
	var pos int
	var step func()
	onWrite := func(n int, err error) {
		if err != nil {
			done(err)
			return
		}
		pos += n
		step()
	}
	step = func() {
		for pos < len(buf) {
			n, err := w.Write(buf[pos:], onWrite)
			if errors.Is(err, ErrPending) {
				return
			} else if err != nil {
				done(err)
				return
			} else if n == 0 {
				done(errShortWrite)
				return
			}
			pos += n
		}
		done(nil)
	}
	step()
}

// ReadRepeating fills buf from r, issuing as many single-step reads as
// necessary. It calls done exactly once, with nil after buf has been filled,
// or with the first error reported by r.
func ReadRepeating(r Reader, buf []byte, done Callback) {
	var pos int
	var step func()
	onRead := func(n int, err error) {
		if err != nil {
			done(err)
			return
		}
		pos += n
		step()
	}
	step = func() {
		for pos < len(buf) {
			n, err := r.Read(buf[pos:], onRead)
			if errors.Is(err, ErrPending) {
				return
			} else if err != nil {
				done(err)
				return
			} else if n == 0 {
				done(ErrConnectionClosed)
				return
			}
			pos += n
		}
		done(nil)
	}
	step()
}

// base holds the state shared by all sockets.
type base struct {
	lp  *loop.Loop
	log *zap.Logger
}

func newBase(lp *loop.Loop, name string) base {
	return base{lp: lp, log: zap.L().Named("socket").Named(name)}
}
