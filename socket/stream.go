// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"

	"github.com/creachadair/conduit/loop"
)

// A StreamConn is a connected stream socket over a TCP or Unix-domain
// descriptor. Connections accepted by a server, and the connection of a
// connected client, are StreamConn values.
//
// A read of zero bytes from the peer reports [ErrConnectionClosed] and closes
// the connection. A write that fails because the peer reset the connection
// closes the connection.
type StreamConn struct {
	base
	fdc       *fdConn
	transport Transport
	client    bool
}

func newStreamConn(lp *loop.Loop, t Transport, client bool) *StreamConn {
	return &StreamConn{
		base:      newBase(lp, t.String()),
		fdc:       newFDConn(lp),
		transport: t,
		client:    client,
	}
}

// adoptStreamConn returns a connection that owns the connected descriptor fd.
func adoptStreamConn(lp *loop.Loop, t Transport, fd int) (*StreamConn, error) {
	c := newStreamConn(lp, t, false)
	if err := c.fdc.adopt(fd); err != nil {
		return nil, netError(err)
	}
	return c, nil
}

// Transport implements part of the [Socket] interface.
func (c *StreamConn) Transport() Transport { return c.transport }

// IsClient implements part of the [Socket] interface.
func (c *StreamConn) IsClient() bool { return c.client }

// IsServer implements part of the [Socket] interface. A StreamConn is never a
// listening socket.
func (c *StreamConn) IsServer() bool { return false }

// IsConnected implements part of the [Socket] interface.
func (c *StreamConn) IsConnected() bool { return c.fdc.isOpen() }

// Read implements part of the [StreamSocket] interface.
func (c *StreamConn) Read(buf []byte, done CompletionFunc) (int, error) {
	n, err := c.fdc.read(buf, func(n int, err error) {
		n, err = c.checkRead(len(buf), n, err)
		done(n, err)
	})
	if errors.Is(err, ErrPending) {
		return 0, err
	}
	return c.checkRead(len(buf), n, err)
}

func (c *StreamConn) checkRead(want, n int, err error) (int, error) {
	if err == nil && n == 0 && want > 0 {
		c.log.Debug("peer closed connection")
		c.Close()
		return 0, ErrConnectionClosed
	}
	return n, err
}

// Write implements part of the [StreamSocket] interface.
func (c *StreamConn) Write(buf []byte, done CompletionFunc) (int, error) {
	n, err := c.fdc.write(buf, func(n int, err error) {
		c.checkWrite(err)
		done(n, err)
	})
	if errors.Is(err, ErrPending) {
		return 0, err
	}
	c.checkWrite(err)
	return n, err
}

func (c *StreamConn) checkWrite(err error) {
	if isResetError(err) {
		c.log.Debug("peer reset connection")
		c.Close()
	}
}

// WriteAsync implements part of the [Socket] interface.
func (c *StreamConn) WriteAsync(buf []byte, done Callback) { WriteRepeating(c, buf, done) }

// ReadAsync implements part of the [Socket] interface.
func (c *StreamConn) ReadAsync(buf []byte, done Callback) { ReadRepeating(c, buf, done) }

// SetSendBufferSize sets the kernel send buffer size of the connection.
func (c *StreamConn) SetSendBufferSize(n int) error { return c.fdc.setBufferSizes(n, 0) }

// SetReceiveBufferSize sets the kernel receive buffer size of the connection.
func (c *StreamConn) SetReceiveBufferSize(n int) error { return c.fdc.setBufferSizes(0, n) }

// Close implements part of the [Socket] interface.
func (c *StreamConn) Close() error { return c.fdc.close() }

// Detach transfers ownership of the descriptor of c to the caller, and
// leaves c closed. It reports -1 if c has no descriptor.
func (c *StreamConn) Detach() int { return c.fdc.release() }
