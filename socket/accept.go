// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"

	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listenBacklog is the connection backlog of listening stream sockets.
const listenBacklog = 5

// acceptor holds the listening descriptor and member set shared by the
// stream server sockets, and implements their accept modes.
//
// All three modes funnel through handleAccept. At most one mode may be
// active at a time.
type acceptor struct {
	base
	listener  *fdConn
	members   *Broadcaster
	transport Transport

	// gate, if set, is called with each accepted descriptor before it is
	// adopted. A non-nil error rejects the connection.
	gate func(fd int) error

	onAccept      func(error)
	onceDone      func(error)
	interceptDone func(*StreamConn, error)
}

func newAcceptor(b base, t Transport) acceptor {
	return acceptor{
		base:      b,
		listener:  newFDConn(b.lp),
		members:   NewBroadcaster(),
		transport: t,
	}
}

// Transport implements part of the [Socket] interface.
func (a *acceptor) Transport() Transport { return a.transport }

// IsClient implements part of the [Socket] interface.
func (a *acceptor) IsClient() bool { return false }

// IsServer implements part of the [Socket] interface.
func (a *acceptor) IsServer() bool { return true }

// IsConnected reports whether any member of the server is connected.
func (a *acceptor) IsConnected() bool { return a.members.AnyConnected() }

// Members returns the broadcaster holding the accepted connections.
func (a *acceptor) Members() *Broadcaster { return a.members }

// AddMember adds a connected socket to the member set of the server.
func (a *acceptor) AddMember(m StreamSocket) { a.members.Add(m) }

func (a *acceptor) listen(sa unix.Sockaddr) error {
	fd := a.listener.fd
	if err := unix.Bind(fd, sa); err != nil {
		return netError(err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return netError(err)
	}
	return nil
}

func (a *acceptor) checkIdle() {
	if a.onAccept != nil || a.onceDone != nil || a.interceptDone != nil {
		panic("socket: accept already pending")
	}
}

func (a *acceptor) startLoop(onAccept func(error)) {
	a.checkIdle()
	a.onAccept = onAccept
	a.doAcceptLoop()
}

func (a *acceptor) startOnce(done func(error)) {
	a.checkIdle()
	a.onceDone = done
	a.doAccept()
}

func (a *acceptor) startIntercept(done func(*StreamConn, error)) {
	a.checkIdle()
	a.interceptDone = done
	a.doAccept()
}

// doAcceptLoop accepts queued connections until accept would block or fails.
func (a *acceptor) doAcceptLoop() {
	for a.onAccept != nil {
		if err := a.doAccept(); errors.Is(err, ErrPending) {
			return
		} else if err != nil && !status.Is(err, status.PermissionDenied) {
			a.onAccept = nil
			return
		}
	}
}

func (a *acceptor) doAccept() error {
	if !a.listener.isOpen() {
		err := ErrNotConnected
		a.handleAccept(-1, err)
		return err
	}
	fd, _, err := a.listener.accept(a.onAcceptReady)
	if errors.Is(err, ErrPending) {
		return err
	}
	return a.handleAccept(fd, err)
}

func (a *acceptor) onAcceptReady() {
	if a.onAccept != nil {
		a.doAcceptLoop()
	} else {
		a.doAccept()
	}
}

// handleAccept resolves the active accept mode with the outcome of one
// accept, and reports the final result.
func (a *acceptor) handleAccept(fd int, err error) error {
	if err == nil && a.gate != nil {
		if gerr := a.gate(fd); gerr != nil {
			unix.Close(fd)
			err = gerr
		}
	}
	var conn *StreamConn
	if err == nil {
		if conn, err = adoptStreamConn(a.lp, a.transport, fd); err != nil {
			unix.Close(fd)
		}
	}
	if err != nil {
		a.log.Warn("accept failed", zap.Error(err))
	}

	switch {
	case a.interceptDone != nil:
		done := a.interceptDone
		a.interceptDone = nil
		done(conn, err)
	case a.onceDone != nil:
		done := a.onceDone
		a.onceDone = nil
		if conn != nil {
			a.members.Add(conn)
		}
		done(err)
	case a.onAccept != nil:
		if conn != nil {
			a.members.Add(conn)
		}
		a.onAccept(err)
	}
	return err
}

// WriteAsync broadcasts buf to every member of the server.
func (a *acceptor) WriteAsync(buf []byte, done Callback) { a.members.Broadcast(buf, done) }

// ReadAsync is not supported by a server socket; read from a member instead.
func (a *acceptor) ReadAsync(buf []byte, done Callback) {
	done(status.Unimplementedf("read from a %v server socket", a.transport))
}

// SetSendBufferSize sets the kernel send buffer size of each member.
func (a *acceptor) SetSendBufferSize(n int) error {
	return a.members.each(func(m StreamSocket) error { return setSendBuffer(m, n) })
}

// SetReceiveBufferSize sets the kernel receive buffer size of each member.
func (a *acceptor) SetReceiveBufferSize(n int) error {
	return a.members.each(func(m StreamSocket) error { return setReceiveBuffer(m, n) })
}

func (a *acceptor) closeAcceptor() error {
	a.onAccept, a.onceDone, a.interceptDone = nil, nil, nil
	err := a.listener.close()
	a.members.CloseAll()
	return err
}

type sendBufferSetter interface{ SetSendBufferSize(int) error }
type receiveBufferSetter interface{ SetReceiveBufferSize(int) error }

func setSendBuffer(m StreamSocket, n int) error {
	if bs, ok := m.(sendBufferSetter); ok {
		return bs.SetSendBufferSize(n)
	}
	return nil
}

func setReceiveBuffer(m StreamSocket, n int) error {
	if bs, ok := m.(receiveBufferSetter); ok {
		return bs.SetReceiveBufferSize(n)
	}
	return nil
}
