// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/socket"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
)

// ErrHandshakeFailed is reported with the cause when a client is dropped
// because its TLS handshake with a server channel failed. The server is
// still usable, and may accept other clients.
var ErrHandshakeFailed = errors.New("client handshake failed")

func (c *Channel) connectTCP(ap netip.AddrPort, done func(error)) {
	cli := socket.NewTCPClient(c.lp)
	c.impl = cli
	cli.Connect([]netip.AddrPort{ap}, func(err error) {
		if err != nil || !c.settings.TCP.UseTLS {
			done(err)
			return
		}
		tc := socket.NewTLSClient(c.lp, cli.StreamConn, clientOptions(c.settings.TCP.TLSClientConfig, ap))
		c.impl = tc
		tc.Connect(done)
	})
}

// clientOptions returns a copy of opts whose configuration names the server
// at ap, if it does not already name a server.
func clientOptions(opts *socket.ClientOptions, ap netip.AddrPort) *socket.ClientOptions {
	var out socket.ClientOptions
	if opts != nil {
		out = *opts
	}
	if out.Config == nil {
		out.Config = new(tls.Config)
	} else {
		out.Config = out.Config.Clone()
	}
	if out.Config.ServerName == "" {
		out.Config.ServerName = ap.Addr().String()
	}
	return &out
}

func (c *Channel) listenTCP() (chandef.Def, error) {
	if c.settings.TCP.UseTLS && c.settings.TCP.TLSServerContext == nil {
		return chandef.Def{}, status.InvalidArgumentf("tls server channel requires a server context")
	}
	srv := socket.NewTCPServer(c.lp)
	srv.Host = c.settings.Host
	def, err := srv.Listen()
	if err != nil {
		return chandef.Def{}, err
	}
	c.impl = srv
	return def, nil
}

// secure performs the server side of a TLS handshake over conn, if the
// channel uses TLS, and delivers the resulting socket to done.
func (c *Channel) secure(conn *socket.StreamConn, done func(socket.StreamSocket, error)) {
	if !c.settings.TCP.UseTLS {
		done(conn, nil)
		return
	}
	ts, err := c.settings.TCP.TLSServerContext.NewServer(c.lp, conn)
	if err != nil {
		conn.Close()
		done(nil, err)
		return
	}
	c.handshakes.Add(ts)
	ts.Handshake(func(err error) {
		c.handshakes.Remove(ts)
		if err != nil {
			c.log.Warn("tls handshake failed", zap.Error(err))
			ts.Close()
			done(nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
			return
		}
		done(ts, nil)
	})
}

// acceptLoopTCP accepts connections until an accept fails. A connection
// whose TLS handshake fails is reported to the callback, and the loop
// continues.
func (c *Channel) acceptLoopTCP(srv *socket.TCPServer) {
	if !c.settings.TCP.UseTLS {
		srv.AcceptLoop(c.accepted)
		return
	}
	var next func()
	next = func() {
		srv.AcceptOnceIntercept(func(conn *socket.StreamConn, err error) {
			if err != nil {
				c.accepted(err)
				return
			}
			c.secure(conn, func(ss socket.StreamSocket, err error) {
				if c.closed {
					return
				} else if err == nil {
					srv.AddMember(ss)
				}
				c.accepted(err)
				next()
			})
		})
	}
	next()
}
