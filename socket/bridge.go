// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/conduit/loop"
)

// A BridgeDelegate is notified on the loop when the engine behind a [Bridge]
// may be able to make progress.
type BridgeDelegate interface {
	OnReadReady()
	OnWriteReady()
}

// A Bridge presents an asynchronous [StreamSocket] as a blocking [net.Conn]
// for a TLS engine running on helper goroutines. Each Read or Write on the
// bridge is forwarded to the loop that owns the transport, and the calling
// goroutine waits for its completion.
//
// The bridge holds a non-owning reference to its delegate. Closing the bridge
// detaches the delegate and unblocks every waiting goroutine; it does not
// close the transport.
type Bridge struct {
	lp        *loop.Loop
	transport StreamSocket
	delegate  BridgeDelegate // accessed only on the loop

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBridge constructs a bridge over transport, which must belong to lp.
func NewBridge(lp *loop.Loop, transport StreamSocket, d BridgeDelegate) *Bridge {
	return &Bridge{lp: lp, transport: transport, delegate: d, closed: make(chan struct{})}
}

// NotifyReadReady posts a read-ready notification to the delegate.
// It is safe to call from any goroutine.
func (b *Bridge) NotifyReadReady() {
	b.lp.Post(func() {
		if d := b.delegate; d != nil {
			d.OnReadReady()
		}
	})
}

// NotifyWriteReady posts a write-ready notification to the delegate.
// It is safe to call from any goroutine.
func (b *Bridge) NotifyWriteReady() {
	b.lp.Post(func() {
		if d := b.delegate; d != nil {
			d.OnWriteReady()
		}
	})
}

// Done returns a channel that is closed when b is closed.
func (b *Bridge) Done() <-chan struct{} { return b.closed }

type ioResult struct {
	n   int
	err error
}

// Read implements [net.Conn]. It must not be called on the loop.
func (b *Bridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	ch := make(chan ioResult, 1)
	if !b.lp.Post(func() {
		if b.isClosed() {
			ch <- ioResult{err: net.ErrClosed}
			return
		}
		n, err := b.transport.Read(buf, func(n int, err error) { ch <- ioResult{n, err} })
		if !errors.Is(err, ErrPending) {
			ch <- ioResult{n, err}
		}
	}) {
		return 0, net.ErrClosed
	}
	select {
	case r := <-ch:
		copy(p, buf[:r.n])
		return r.n, bridgeError(r.n, r.err)
	case <-b.closed:
		return 0, net.ErrClosed
	}
}

// Write implements [net.Conn]. It must not be called on the loop.
func (b *Bridge) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := append([]byte(nil), p...)
	ch := make(chan error, 1)
	if !b.lp.Post(func() {
		if b.isClosed() {
			ch <- net.ErrClosed
			return
		}
		WriteRepeating(b.transport, buf, func(err error) { ch <- err })
	}) {
		return 0, net.ErrClosed
	}
	select {
	case err := <-ch:
		if err != nil {
			return 0, bridgeError(0, err)
		}
		return len(p), nil
	case <-b.closed:
		return 0, net.ErrClosed
	}
}

// bridgeError converts a transport result into the form a TLS engine
// expects: an orderly close of the transport is io.EOF.
func bridgeError(n int, err error) error {
	if err == nil && n == 0 {
		return io.EOF
	} else if errors.Is(err, ErrConnectionClosed) {
		return io.EOF
	}
	return err
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Close implements [net.Conn]. It detaches the delegate and unblocks every
// goroutine waiting on b. The first call to Close must be made on the loop.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.delegate = nil
		close(b.closed)
	})
	return nil
}

// LocalAddr implements [net.Conn].
func (b *Bridge) LocalAddr() net.Addr { return bridgeAddr(b.transport.Transport()) }

// RemoteAddr implements [net.Conn].
func (b *Bridge) RemoteAddr() net.Addr { return bridgeAddr(b.transport.Transport()) }

// SetDeadline implements [net.Conn]. Deadlines are not supported; timeouts
// are enforced by the TLS socket.
func (*Bridge) SetDeadline(time.Time) error { return nil }

// SetReadDeadline implements [net.Conn]. See [Bridge.SetDeadline].
func (*Bridge) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline implements [net.Conn]. See [Bridge.SetDeadline].
func (*Bridge) SetWriteDeadline(time.Time) error { return nil }

type bridgeAddr Transport

func (a bridgeAddr) Network() string { return Transport(a).String() }
func (a bridgeAddr) String() string  { return "bridge" }
