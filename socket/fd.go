// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"
	"net/netip"

	"github.com/creachadair/conduit/loop"
	"golang.org/x/sys/unix"
)

// fdConn is a non-blocking OS socket descriptor with one-shot readiness
// watches for each direction. It is the building block of the concrete
// socket types.
type fdConn struct {
	lp *loop.Loop
	fd int // -1 when closed

	rw, ww *loop.Watch
	rbuf   []byte
	rdone  CompletionFunc
	wbuf   []byte
	wdone  CompletionFunc
}

func newFDConn(lp *loop.Loop) *fdConn { return &fdConn{lp: lp, fd: -1} }

// open creates a new non-blocking socket for c.
func (c *fdConn) open(domain, typ, proto int) error {
	if c.fd >= 0 {
		panic("socket: descriptor is already open")
	}
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return err
	}
	if err := setupFD(fd); err != nil {
		unix.Close(fd)
		return err
	}
	c.fd = fd
	return nil
}

// adopt makes c the owner of an existing descriptor.
func (c *fdConn) adopt(fd int) error {
	if err := setupFD(fd); err != nil {
		return err
	}
	c.fd = fd
	return nil
}

func setupFD(fd int) error {
	unix.CloseOnExec(fd)
	return unix.SetNonblock(fd, true)
}

func (c *fdConn) isOpen() bool { return c.fd >= 0 }

func retryEINTR[T any](f func() (T, error)) (T, error) {
	for {
		v, err := f()
		if !errors.Is(err, unix.EINTR) {
			return v, err
		}
	}
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// read attempts one read from the descriptor. A read of zero bytes from a
// non-empty buffer reports (0, nil), meaning the peer closed its end.
func (c *fdConn) read(buf []byte, done CompletionFunc) (int, error) {
	if c.rdone != nil {
		panic("socket: read already pending")
	}
	if !c.isOpen() {
		return 0, ErrNotConnected
	}
	n, err := c.readNow(buf)
	if !errors.Is(err, ErrPending) {
		return n, err
	}
	c.rbuf, c.rdone = buf, done
	if err := c.watch(loop.Readable, &c.rw, c.onReadable); err != nil {
		c.rbuf, c.rdone = nil, nil
		return 0, netError(err)
	}
	return 0, ErrPending
}

func (c *fdConn) readNow(buf []byte) (int, error) {
	n, err := retryEINTR(func() (int, error) { return unix.Read(c.fd, buf) })
	if wouldBlock(err) {
		return 0, ErrPending
	} else if err != nil {
		return 0, netError(err)
	}
	return n, nil
}

func (c *fdConn) onReadable() {
	c.rw = nil
	n, err := c.readNow(c.rbuf)
	if errors.Is(err, ErrPending) {
		if werr := c.watch(loop.Readable, &c.rw, c.onReadable); werr == nil {
			return
		} else {
			err = netError(werr)
		}
	}
	done := c.rdone
	c.rbuf, c.rdone = nil, nil
	done(n, err)
}

// write attempts one write to the descriptor.
func (c *fdConn) write(buf []byte, done CompletionFunc) (int, error) {
	if c.wdone != nil {
		panic("socket: write already pending")
	}
	if !c.isOpen() {
		return 0, ErrNotConnected
	}
	n, err := c.writeNow(buf)
	if !errors.Is(err, ErrPending) {
		return n, err
	}
	c.wbuf, c.wdone = buf, done
	if err := c.watch(loop.Writable, &c.ww, c.onWritable); err != nil {
		c.wbuf, c.wdone = nil, nil
		return 0, netError(err)
	}
	return 0, ErrPending
}

func (c *fdConn) writeNow(buf []byte) (int, error) {
	n, err := retryEINTR(func() (int, error) { return unix.Write(c.fd, buf) })
	if wouldBlock(err) {
		return 0, ErrPending
	} else if err != nil {
		return 0, netError(err)
	}
	return n, nil
}

func (c *fdConn) onWritable() {
	c.ww = nil
	n, err := c.writeNow(c.wbuf)
	if errors.Is(err, ErrPending) {
		if werr := c.watch(loop.Writable, &c.ww, c.onWritable); werr == nil {
			return
		} else {
			err = netError(werr)
		}
	}
	done := c.wdone
	c.wbuf, c.wdone = nil, nil
	done(n, err)
}

// connect starts a non-blocking connect to sa. If the connect would block,
// it reports ErrPending and calls done when the outcome is known.
func (c *fdConn) connect(sa unix.Sockaddr, done Callback) error {
	err := unix.Connect(c.fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		return netError(err)
	}
	c.wdone = func(int, error) {} // reserve the write direction
	werr := c.watch(loop.Writable, &c.ww, func() {
		c.ww, c.wdone = nil, nil
		soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soerr != 0 {
			err = unix.Errno(soerr)
		}
		done(netError(err))
	})
	if werr != nil {
		c.wdone = nil
		return netError(werr)
	}
	return ErrPending
}

// accept attempts to accept one connection from a listening descriptor.
// If none is queued, it reports ErrPending and calls ready when the
// descriptor becomes readable; the caller should then call accept again.
func (c *fdConn) accept(ready func()) (int, unix.Sockaddr, error) {
	nfd, sa, err := retryEINTR2(func() (int, unix.Sockaddr, error) { return unix.Accept(c.fd) })
	if wouldBlock(err) {
		if werr := c.watch(loop.Readable, &c.rw, func() { c.rw = nil; ready() }); werr != nil {
			return -1, nil, netError(werr)
		}
		return -1, nil, ErrPending
	} else if err != nil {
		return -1, nil, netError(err)
	}
	if err := setupFD(nfd); err != nil {
		unix.Close(nfd)
		return -1, nil, netError(err)
	}
	return nfd, sa, nil
}

func retryEINTR2[T, U any](f func() (T, U, error)) (T, U, error) {
	for {
		t, u, err := f()
		if !errors.Is(err, unix.EINTR) {
			return t, u, err
		}
	}
}

// recvfrom attempts to read one datagram.
func (c *fdConn) recvfrom(buf []byte, done CompletionFunc) (int, error) {
	if c.rdone != nil {
		panic("socket: read already pending")
	}
	if !c.isOpen() {
		return 0, ErrNotConnected
	}
	try := func() (int, error) {
		n, _, err := retryEINTR2(func() (int, unix.Sockaddr, error) { return unix.Recvfrom(c.fd, buf, 0) })
		if wouldBlock(err) {
			return 0, ErrPending
		} else if err != nil {
			return 0, netError(err)
		}
		return n, nil
	}
	n, err := try()
	if !errors.Is(err, ErrPending) {
		return n, err
	}
	c.rdone = done
	var onReady func()
	onReady = func() {
		c.rw = nil
		n, err := try()
		if errors.Is(err, ErrPending) {
			if werr := c.watch(loop.Readable, &c.rw, onReady); werr == nil {
				return
			} else {
				err = netError(werr)
			}
		}
		done := c.rdone
		c.rdone = nil
		done(n, err)
	}
	if err := c.watch(loop.Readable, &c.rw, onReady); err != nil {
		c.rdone = nil
		return 0, netError(err)
	}
	return 0, ErrPending
}

// sendto attempts to write one datagram to sa.
func (c *fdConn) sendto(buf []byte, sa unix.Sockaddr, done CompletionFunc) (int, error) {
	if c.wdone != nil {
		panic("socket: write already pending")
	}
	if !c.isOpen() {
		return 0, ErrNotConnected
	}
	try := func() (int, error) {
		_, err := retryEINTR(func() (struct{}, error) { return struct{}{}, unix.Sendto(c.fd, buf, 0, sa) })
		if wouldBlock(err) {
			return 0, ErrPending
		} else if err != nil {
			return 0, netError(err)
		}
		return len(buf), nil
	}
	n, err := try()
	if !errors.Is(err, ErrPending) {
		return n, err
	}
	c.wdone = done
	var onReady func()
	onReady = func() {
		c.ww = nil
		n, err := try()
		if errors.Is(err, ErrPending) {
			if werr := c.watch(loop.Writable, &c.ww, onReady); werr == nil {
				return
			} else {
				err = netError(werr)
			}
		}
		done := c.wdone
		c.wdone = nil
		done(n, err)
	}
	if err := c.watch(loop.Writable, &c.ww, onReady); err != nil {
		c.wdone = nil
		return 0, netError(err)
	}
	return 0, ErrPending
}

func (c *fdConn) watch(ev loop.Event, slot **loop.Watch, fn func()) error {
	w, err := c.lp.Watch(c.fd, ev, fn)
	if err != nil {
		return err
	}
	*slot = w
	return nil
}

// setBufferSizes applies the given socket buffer sizes, if positive.
func (c *fdConn) setBufferSizes(send, recv int) error {
	if send > 0 {
		if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, send); err != nil {
			return netError(err)
		}
	}
	if recv > 0 {
		if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
			return netError(err)
		}
	}
	return nil
}

// localAddrPort reports the bound IP address of the descriptor.
func (c *fdConn) localAddrPort() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return netip.AddrPort{}, netError(err)
	}
	return sockaddrToAddrPort(sa), nil
}

// close discards pending callbacks, disarms watches, and closes the
// descriptor. It is safe to call on a closed conn.
func (c *fdConn) close() error {
	c.rw.Cancel()
	c.ww.Cancel()
	c.rw, c.ww = nil, nil
	c.rbuf, c.rdone = nil, nil
	c.wbuf, c.wdone = nil, nil
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// release gives up ownership of the descriptor without closing it.
func (c *fdConn) release() int {
	c.rw.Cancel()
	c.ww.Cancel()
	c.rw, c.ww = nil, nil
	c.rbuf, c.rdone = nil, nil
	c.wbuf, c.wdone = nil, nil
	fd := c.fd
	c.fd = -1
	return fd
}

func addrPortToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

func domainOf(ap netip.AddrPort) int {
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}
