// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"fmt"
	"net"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/socket"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
)

// NewChannel constructs an unconnected channel of the given type owned by
// lp. It reports InvalidArgument if typ is not a supported channel type.
func NewChannel(lp *loop.Loop, typ chandef.Type, s Settings) (*Channel, error) {
	switch typ {
	case chandef.TCP, chandef.UDP, chandef.UDS, chandef.SHM, chandef.WS:
		return newChannel(lp, typ, s), nil
	}
	return nil, status.InvalidArgumentf("unsupported channel type %v", typ)
}

// Connect connects c to the server described by def, and calls done exactly
// once with the result. On success c is connected; on failure it is not.
func (c *Channel) Connect(def chandef.Def, done func(error)) {
	if c.impl != nil || c.connecting || c.closed {
		done(status.InvalidArgumentf("channel is already in use"))
		return
	} else if def.Type != c.typ {
		done(status.InvalidArgumentf("cannot connect %v channel to %v", c.typ, def))
		return
	} else if err := def.Validate(); err != nil {
		done(err)
		return
	}
	c.connecting = true
	finish := func(err error) {
		if c.closed {
			return
		}
		c.connecting = false
		if err != nil {
			if c.impl != nil {
				c.impl.Close()
				c.impl = nil
			}
			c.log.Debug("connect failed", zap.Stringer("def", def), zap.Error(err))
			c.metrics.connectFailed.Add(1)
			done(err)
			return
		}
		c.metrics.connected.Add(1)
		done(nil)
	}

	switch c.typ {
	case chandef.TCP, chandef.UDP, chandef.WS:
		ap, err := def.IP.AddrPort()
		if err != nil {
			finish(err)
			return
		}
		switch c.typ {
		case chandef.TCP:
			c.connectTCP(ap, finish)
		case chandef.UDP:
			c.connectUDP(ap, finish)
		default:
			c.connectWS(*def.IP, finish)
		}
	case chandef.UDS:
		c.connectUDS(*def.UDS, finish)
	case chandef.SHM:
		c.connectSHM(*def.SHM, finish)
	}
}

// Listen starts c as a server, and returns a definition clients can use to
// connect to it. Stream servers must then call AcceptLoop or
// AcceptOnceIntercept to admit clients.
//
// A UDP server binds a multicast group, and a shared-memory server creates
// its region and starts a broker to hand it out.
func (c *Channel) Listen() (chandef.Def, error) {
	if c.impl != nil || c.connecting || c.closed {
		return chandef.Def{}, status.InvalidArgumentf("channel is already in use")
	}
	var def chandef.Def
	var err error
	switch c.typ {
	case chandef.TCP:
		def, err = c.listenTCP()
	case chandef.UDP:
		def, err = c.listenUDP()
	case chandef.UDS:
		def, err = c.listenUDS()
	case chandef.SHM:
		def, err = c.listenSHM()
	case chandef.WS:
		def, err = c.listenWS()
	}
	if err != nil {
		c.log.Error("listen failed", zap.Error(err))
		return chandef.Def{}, err
	}
	return def, nil
}

// AcceptLoop admits clients to a TCP, UDS, or WS server channel until the
// channel closes or an accept fails. Each admitted client becomes a receiver
// of messages sent on c, and onAccept is called with nil. Failures to admit
// one client, such as a failed TLS handshake or a rejected UDS peer, are
// reported to onAccept without ending the loop.
func (c *Channel) AcceptLoop(onAccept func(error)) {
	if c.onAccept != nil {
		panic("conduit: accept loop already running")
	}
	switch srv := c.impl.(type) {
	case *socket.TCPServer:
		c.onAccept = onAccept
		c.acceptLoopTCP(srv)
	case *socket.UDSServer:
		c.onAccept = onAccept
		srv.AcceptLoop(c.accepted, c.settings.UDS.AuthFunc)
	case *socket.WSServer:
		c.onAccept = onAccept
		srv.AcceptLoop(c.accepted)
	default:
		onAccept(status.InvalidArgumentf("%v channel is not an accepting server", c.typ))
	}
}

func (c *Channel) accepted(err error) {
	if c.onAccept == nil {
		return
	}
	if err == nil {
		c.metrics.accepted.Add(1)
	} else {
		c.metrics.acceptFailed.Add(1)
	}
	c.onAccept(err)
}

// AcceptOnceIntercept admits one client to a TCP or UDS server channel, and
// delivers it to done as a new connected channel of the same type, instead
// of adding it to the receivers of c. If c is closed, done reports an error
// satisfying errors.Is(err, net.ErrClosed).
func (c *Channel) AcceptOnceIntercept(done func(*Channel, error)) {
	if c.closed {
		done(nil, fmt.Errorf("accept: %w", net.ErrClosed))
		return
	}
	wrap := func(ss socket.StreamSocket, err error) {
		if c.closed {
			if ss != nil {
				ss.Close()
			}
			return
		} else if err != nil {
			c.metrics.acceptFailed.Add(1)
			done(nil, err)
			return
		}
		c.metrics.accepted.Add(1)
		nc := newChannel(c.lp, c.typ, c.settings)
		nc.impl = ss
		done(nc, nil)
	}
	switch srv := c.impl.(type) {
	case *socket.TCPServer:
		srv.AcceptOnceIntercept(func(conn *socket.StreamConn, err error) {
			if err != nil {
				wrap(nil, err)
				return
			}
			c.secure(conn, wrap)
		})
	case *socket.UDSServer:
		srv.AcceptOnceIntercept(func(conn *socket.StreamConn, err error) {
			if err != nil {
				wrap(nil, err)
				return
			}
			wrap(conn, nil)
		}, c.settings.UDS.AuthFunc)
	default:
		done(nil, status.InvalidArgumentf("%v channel is not an accepting server", c.typ))
	}
}
