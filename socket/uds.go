// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxBindAttempts bounds the number of socket names a UDS server tries.
const maxBindAttempts = 10

// Credentials are the identity of the process at the other end of a
// Unix-domain connection.
type Credentials struct {
	PID int
	UID int
	GID int
}

// An AuthFunc reports whether a peer with the given credentials may connect.
type AuthFunc func(Credentials) bool

// udsSockaddr returns the socket address for a Unix-domain endpoint.
func udsSockaddr(ep chandef.UDSEndpoint) *unix.SockaddrUnix {
	if ep.UseAbstractNamespace {
		return &unix.SockaddrUnix{Name: "@" + ep.SocketPath}
	}
	return &unix.SockaddrUnix{Name: ep.SocketPath}
}

// A UDSClient is a connecting Unix-domain stream socket.
type UDSClient struct {
	*StreamConn
	done Callback
}

// NewUDSClient constructs an unconnected Unix-domain client socket on lp.
func NewUDSClient(lp *loop.Loop) *UDSClient {
	return &UDSClient{StreamConn: newStreamConn(lp, UDS, true)}
}

// Connect connects c to the server at ep. It calls done exactly once.
func (c *UDSClient) Connect(ep chandef.UDSEndpoint, done Callback) {
	if c.done != nil {
		panic("socket: connect already pending")
	}
	if ep.SocketPath == "" {
		done(status.WithCode(status.NetworkError, CodeAddressInvalid, nil))
		return
	}
	if err := c.fdc.open(unix.AF_UNIX, unix.SOCK_STREAM, 0); err != nil {
		done(netError(err))
		return
	}
	c.done = done
	err := c.fdc.connect(udsSockaddr(ep), c.finish)
	if errors.Is(err, ErrPending) {
		return
	}
	c.finish(err)
}

func (c *UDSClient) finish(err error) {
	done := c.done
	c.done = nil
	if err != nil {
		c.fdc.close()
	}
	done(err)
}

// Close implements part of the [Socket] interface. A pending connect is
// abandoned without calling its callback.
func (c *UDSClient) Close() error {
	c.done = nil
	return c.StreamConn.Close()
}

// A UDSServer is a listening Unix-domain stream socket whose accepted
// connections are gated by peer credentials.
type UDSServer struct {
	acceptor
	auth AuthFunc
	path string // filesystem path to remove on close, if any
}

// NewUDSServer constructs a Unix-domain server socket on lp. Call
// BindAndListen to start it.
func NewUDSServer(lp *loop.Loop) *UDSServer {
	s := &UDSServer{acceptor: newAcceptor(newBase(lp, "uds-server"), UDS)}
	s.gate = s.checkPeer
	return s
}

// BindAndListen binds s to a freshly generated name and starts listening.
// On Linux the name is in the abstract namespace; elsewhere it is a file in
// the temporary directory. If no name can be bound after several attempts,
// BindAndListen reports Aborted.
func (s *UDSServer) BindAndListen() (chandef.Def, error) {
	if s.listener.isOpen() {
		return chandef.Def{}, status.InvalidArgumentf("server is already listening")
	}
	if err := s.listener.open(unix.AF_UNIX, unix.SOCK_STREAM, 0); err != nil {
		return chandef.Def{}, netError(err)
	}
	abstract := runtime.GOOS == "linux"
	var ep chandef.UDSEndpoint
	var err error
	for range maxBindAttempts {
		ep = chandef.UDSEndpoint{SocketPath: randomSocketName(), UseAbstractNamespace: abstract}
		if !abstract {
			ep.SocketPath = filepath.Join(os.TempDir(), ep.SocketPath)
		}
		if err = unix.Bind(s.listener.fd, udsSockaddr(ep)); err == nil {
			break
		}
	}
	if err != nil {
		s.listener.close()
		return chandef.Def{}, status.Abortedf("bind failed after %d attempts: %v", maxBindAttempts, err)
	}
	if !abstract {
		s.path = ep.SocketPath
	}
	if err := unix.Listen(s.listener.fd, listenBacklog); err != nil {
		s.Close()
		return chandef.Def{}, netError(err)
	}
	def := chandef.UDSDef(ep.SocketPath, ep.UseAbstractNamespace)
	s.log.Info("listening", zap.Stringer("def", def))
	return def, nil
}

func (s *UDSServer) checkPeer(fd int) error {
	if s.auth == nil {
		return nil
	}
	cred, err := peerCredentials(fd)
	if err != nil {
		return status.PermissionDeniedf("peer credentials unavailable: %v", err)
	}
	if !s.auth(cred) {
		s.log.Warn("peer rejected", zap.Int("pid", cred.PID), zap.Int("uid", cred.UID), zap.Int("gid", cred.GID))
		return status.PermissionDeniedf("peer pid=%d uid=%d rejected", cred.PID, cred.UID)
	}
	return nil
}

// AcceptLoop accepts connections whose peers are permitted by auth, adding
// each to the member set of s and calling onAccept with nil. A rejected peer
// is reported to onAccept as PermissionDenied and the loop continues. A nil
// auth permits every peer.
func (s *UDSServer) AcceptLoop(onAccept func(error), auth AuthFunc) {
	s.auth = auth
	s.startLoop(onAccept)
}

// AcceptOnce accepts one connection, as AcceptLoop, and calls done with the
// result.
func (s *UDSServer) AcceptOnce(done func(error), auth AuthFunc) {
	s.auth = auth
	s.startOnce(done)
}

// AcceptOnceIntercept accepts one connection permitted by auth and delivers
// it to done, without adding it to the member set of s.
func (s *UDSServer) AcceptOnceIntercept(done func(*StreamConn, error), auth AuthFunc) {
	s.auth = auth
	s.startIntercept(done)
}

// Close closes the listener and every member of s, and removes the socket
// file if there is one.
func (s *UDSServer) Close() error {
	err := s.closeAcceptor()
	if s.path != "" {
		os.Remove(s.path)
		s.path = ""
	}
	return err
}
