// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"
	"net/netip"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// A TCPClient is a connecting TCP stream socket.
type TCPClient struct {
	*StreamConn

	addrs     []netip.AddrPort
	next      int
	done      Callback
	onAttempt func(netip.AddrPort) // for testing; may be nil
}

// NewTCPClient constructs an unconnected TCP client socket on lp.
func NewTCPClient(lp *loop.Loop) *TCPClient {
	return &TCPClient{StreamConn: newStreamConn(lp, TCP, true)}
}

// Connect connects c to the first reachable address of addrs, trying them in
// order. It calls done exactly once: with nil when a connection has been
// established, or with an error after every address has failed.
func (c *TCPClient) Connect(addrs []netip.AddrPort, done Callback) {
	if c.done != nil {
		panic("socket: connect already pending")
	}
	if c.IsConnected() {
		done(status.InvalidArgumentf("socket is already connected"))
		return
	}
	if len(addrs) == 0 {
		done(status.InvalidArgumentf("no addresses to connect"))
		return
	}
	c.addrs, c.next, c.done = addrs, 0, done
	c.tryNext()
}

func (c *TCPClient) tryNext() {
	for c.next < len(c.addrs) {
		addr := c.addrs[c.next]
		c.next++
		if c.onAttempt != nil {
			c.onAttempt(addr)
		}
		err := c.attempt(addr)
		if errors.Is(err, ErrPending) {
			return
		} else if err == nil {
			c.finish(nil)
			return
		}
		c.log.Debug("connect attempt failed", zap.Stringer("addr", addr), zap.Error(err))
		c.fdc.close()
	}
	c.finish(ErrConnectionFailed)
}

func (c *TCPClient) attempt(addr netip.AddrPort) error {
	if err := c.fdc.open(domainOf(addr), unix.SOCK_STREAM, 0); err != nil {
		return netError(err)
	}
	unix.SetsockoptInt(c.fdc.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return c.fdc.connect(addrPortToSockaddr(addr), func(err error) {
		if err != nil {
			c.log.Debug("connect attempt failed", zap.Stringer("addr", addr), zap.Error(err))
			c.fdc.close()
			c.tryNext()
			return
		}
		c.finish(nil)
	})
}

func (c *TCPClient) finish(err error) {
	done := c.done
	c.addrs, c.done = nil, nil
	done(err)
}

// Close implements part of the [Socket] interface. A pending connect is
// abandoned without calling its callback.
func (c *TCPClient) Close() error {
	c.addrs, c.done = nil, nil
	return c.StreamConn.Close()
}

// A TCPServer is a listening TCP socket. Accepted connections become members
// of the server, and writes to the server are broadcast to every member.
type TCPServer struct {
	acceptor

	// Host, if valid, is the address reported in the channel definition
	// returned by Listen, instead of the detected host address.
	Host netip.Addr
}

// NewTCPServer constructs a TCP server socket on lp. Call Listen to start it.
func NewTCPServer(lp *loop.Loop) *TCPServer {
	s := &TCPServer{acceptor: newAcceptor(newBase(lp, "tcp-server"), TCP)}
	s.gate = func(fd int) error {
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return nil
	}
	return s
}

// Listen binds s to a random free port on all IPv4 interfaces and starts
// listening. It returns a channel definition naming the host address and
// the bound port.
func (s *TCPServer) Listen() (chandef.Def, error) {
	if s.listener.isOpen() {
		return chandef.Def{}, status.InvalidArgumentf("server is already listening")
	}
	port, err := pickRandomPort(unix.SOCK_STREAM)
	if err != nil {
		return chandef.Def{}, err
	}
	if err := s.listener.open(unix.AF_INET, unix.SOCK_STREAM, 0); err != nil {
		return chandef.Def{}, netError(err)
	}
	if err := unix.SetsockoptInt(s.listener.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.listener.close()
		return chandef.Def{}, netError(err)
	}
	if err := s.listen(&unix.SockaddrInet4{Port: int(port)}); err != nil {
		s.listener.close()
		return chandef.Def{}, err
	}
	host := s.Host
	if !host.IsValid() {
		host = HostIPv4()
	}
	s.log.Info("listening", zap.Stringer("addr", netip.AddrPortFrom(host, port)))
	return chandef.TCPDef(host.String(), port), nil
}

// AcceptLoop accepts connections, adding each to the member set of s and
// calling onAccept with nil. Queued connections are drained without waiting;
// the loop then resumes when the listener is next readable. An accept
// failure is reported to onAccept and ends the loop.
func (s *TCPServer) AcceptLoop(onAccept func(error)) { s.startLoop(onAccept) }

// AcceptOnce accepts one connection, adds it to the member set of s, and
// calls done with the result.
func (s *TCPServer) AcceptOnce(done func(error)) { s.startOnce(done) }

// AcceptOnceIntercept accepts one connection and delivers it to done,
// without adding it to the member set of s. The caller may later add the
// connection, or a socket layered over it, with AddMember.
func (s *TCPServer) AcceptOnceIntercept(done func(*StreamConn, error)) { s.startIntercept(done) }

// Close closes the listener and every member of s. Pending accept callbacks
// are discarded.
func (s *TCPServer) Close() error { return s.closeAcceptor() }
