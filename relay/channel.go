// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
)

var errStopped = status.Unavailablef("loop is not running")

// A Channel adapts a [conduit.Channel] owned by a loop to the [Conn]
// interface. Each call posts the corresponding operation to the loop and
// waits for its result.
//
// If the context of a call ends while its operation is in flight, the call
// returns early but the operation is not abandoned. A later Send waits for
// the unfinished send to complete, and a later Recv reports the message the
// unfinished receive delivers.
type Channel struct {
	lp *loop.Loop
	ch *conduit.Channel

	smu   sync.Mutex
	spend chan error // unfinished send, or nil

	rmu   sync.Mutex
	rpend chan message // unfinished receive, or nil

	once   sync.Once
	closed chan struct{}
}

type message struct {
	data []byte
	err  error
}

// New constructs a [Channel] that relays calls to ch, which must be owned by
// lp. The Channel takes ownership of ch, and closes it when the Channel is
// closed.
func New(lp *loop.Loop, ch *conduit.Channel) *Channel {
	return &Channel{lp: lp, ch: ch, closed: make(chan struct{})}
}

// Send implements a method of the [Conn] interface.
func (c *Channel) Send(ctx context.Context, msg []byte) error {
	c.smu.Lock()
	defer c.smu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}

	if c.spend != nil {
		select {
		case <-c.spend:
			c.spend = nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return net.ErrClosed
		}
	}

	msg = bytes.Clone(msg)
	done := make(chan error, 1)
	if !c.lp.Post(func() { c.ch.Send(msg, func(err error) { done <- err }) }) {
		return errStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.spend = done
		return ctx.Err()
	case <-c.closed:
		return net.ErrClosed
	}
}

// Recv implements a method of the [Conn] interface.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.isClosed() {
		return nil, net.ErrClosed
	}

	if c.rpend == nil {
		done := make(chan message, 1)
		if !c.lp.Post(func() {
			c.ch.Receive(func(data []byte, err error) { done <- message{bytes.Clone(data), err} })
		}) {
			return nil, errStopped
		}
		c.rpend = done
	}
	select {
	case m := <-c.rpend:
		c.rpend = nil
		return m.data, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close implements a method of the [Conn] interface. Calls to Send and Recv
// that are blocked when c closes report [net.ErrClosed].
func (c *Channel) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		close(c.closed)
		err = errStopped
		c.lp.Do(func() { err = c.ch.Close() })
	})
	return err
}

// A ChannelAccepter adapts a listening TCP or UDS server channel to the
// [Accepter] interface. Each admitted client is intercepted as a new
// [Channel]. Clients rejected by the server, or whose TLS handshake fails,
// are logged and skipped.
type ChannelAccepter struct {
	lp  *loop.Loop
	srv *conduit.Channel
	log *zap.Logger

	once sync.Once
	stop chan struct{}
}

// NewAccepter constructs a [ChannelAccepter] that admits clients to srv,
// which must be owned by lp and already listening. The accepter takes
// ownership of srv, and closes it when the accepter is closed.
func NewAccepter(lp *loop.Loop, srv *conduit.Channel) *ChannelAccepter {
	return &ChannelAccepter{
		lp:   lp,
		srv:  srv,
		log:  zap.L().Named("relay"),
		stop: make(chan struct{}),
	}
}

// Accept implements a method of the [Accepter] interface. If ctx ends, the
// server is closed.
func (a *ChannelAccepter) Accept(ctx context.Context) (Conn, error) {
	for {
		done := make(chan message, 1)
		var acc *conduit.Channel
		if !a.lp.Post(func() {
			a.srv.AcceptOnceIntercept(func(ch *conduit.Channel, err error) {
				acc = ch
				done <- message{err: err}
			})
		}) {
			return nil, errStopped
		}

		select {
		case m := <-done:
			if status.Is(m.err, status.PermissionDenied) {
				a.log.Warn("rejected client", zap.Error(m.err))
				continue
			} else if errors.Is(m.err, conduit.ErrHandshakeFailed) {
				a.log.Debug("dropped client", zap.Error(m.err))
				continue
			} else if m.err != nil {
				return nil, m.err
			}
			return New(a.lp, acc), nil
		case <-ctx.Done():
			a.Close()
			return nil, ctx.Err()
		case <-a.stop:
			return nil, net.ErrClosed
		}
	}
}

// Close closes the server channel. Blocked calls to Accept report
// [net.ErrClosed].
func (a *ChannelAccepter) Close() error {
	err := net.ErrClosed
	a.once.Do(func() {
		close(a.stop)
		err = errStopped
		a.lp.Do(func() { err = a.srv.Close() })
	})
	return err
}
