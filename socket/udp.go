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

// maxGroupProbes bounds the number of multicast groups a UDP server tries.
const maxGroupProbes = 1000

// udpConn holds the state shared by UDP client and server sockets.
type udpConn struct {
	base
	fdc  *fdConn
	dest unix.Sockaddr // multicast destination of writes
}

func (u *udpConn) Transport() Transport { return UDP }
func (u *udpConn) IsConnected() bool    { return u.fdc.isOpen() && u.dest != nil }

// WriteAsync sends buf as one datagram to the multicast group of the socket.
func (u *udpConn) WriteAsync(buf []byte, done Callback) {
	if u.dest == nil {
		done(ErrNotConnected)
		return
	}
	n, err := u.fdc.sendto(buf, u.dest, func(_ int, err error) { done(err) })
	if errors.Is(err, ErrPending) {
		return
	} else if err == nil && n < len(buf) {
		err = errShortWrite
	}
	done(err)
}

// ReadAsync reads one datagram into a prefix of buf.
func (u *udpConn) ReadAsync(buf []byte, done Callback) {
	_, err := u.fdc.recvfrom(buf, func(_ int, err error) { done(err) })
	if errors.Is(err, ErrPending) {
		return
	}
	done(err)
}

// SetSendBufferSize sets the kernel send buffer size of the socket.
func (u *udpConn) SetSendBufferSize(n int) error { return u.fdc.setBufferSizes(n, 0) }

// SetReceiveBufferSize sets the kernel receive buffer size of the socket.
func (u *udpConn) SetReceiveBufferSize(n int) error { return u.fdc.setBufferSizes(0, n) }

// Close closes the socket, discarding pending callbacks.
func (u *udpConn) Close() error {
	u.dest = nil
	return u.fdc.close()
}

// A UDPClient is a datagram socket joined to a multicast group.
type UDPClient struct {
	udpConn
}

// NewUDPClient constructs an unconnected UDP client socket on lp.
func NewUDPClient(lp *loop.Loop) *UDPClient {
	return &UDPClient{udpConn{base: newBase(lp, "udp"), fdc: newFDConn(lp)}}
}

// IsClient implements part of the [Socket] interface.
func (c *UDPClient) IsClient() bool { return true }

// IsServer implements part of the [Socket] interface.
func (c *UDPClient) IsServer() bool { return false }

// Connect opens c, binds it to the wildcard address on the port of group,
// and joins the multicast group. It calls done exactly once.
func (c *UDPClient) Connect(group netip.AddrPort, done Callback) {
	done(c.connect(group))
}

func (c *UDPClient) connect(group netip.AddrPort) error {
	if !group.Addr().Is4() || !group.Addr().IsMulticast() {
		return status.InvalidArgumentf("%v is not an IPv4 multicast address", group)
	}
	if err := c.fdc.open(unix.AF_INET, unix.SOCK_DGRAM, 0); err != nil {
		return netError(err)
	}
	fd := c.fdc.fd
	err := allowAddressSharing(fd)
	if err == nil {
		err = unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 1)
	}
	if err == nil {
		err = unix.Bind(fd, &unix.SockaddrInet4{Port: int(group.Port())})
	}
	if err == nil {
		err = joinGroup(fd, group.Addr())
	}
	if err != nil {
		c.fdc.close()
		return netError(err)
	}
	c.dest = addrPortToSockaddr(group)
	return nil
}

// A UDPServer is a datagram socket that sends to a multicast group of its
// own choosing.
type UDPServer struct {
	udpConn

	join func(fd int, group netip.Addr) error // for testing
}

// NewUDPServer constructs an unbound UDP server socket on lp.
func NewUDPServer(lp *loop.Loop) *UDPServer {
	return &UDPServer{
		udpConn: udpConn{base: newBase(lp, "udp-server"), fdc: newFDConn(lp)},
		join:    joinGroup,
	}
}

// IsClient implements part of the [Socket] interface.
func (s *UDPServer) IsClient() bool { return false }

// IsServer implements part of the [Socket] interface.
func (s *UDPServer) IsServer() bool { return true }

// Bind binds s to a random port and selects a multicast group by probing
// random addresses in 239.0.0.0/8 until one can be joined. It returns a
// channel definition naming the group and a fresh port, to which subsequent
// writes are sent. If no probe succeeds, Bind reports Aborted.
func (s *UDPServer) Bind() (chandef.Def, error) {
	if s.fdc.isOpen() {
		return chandef.Def{}, status.InvalidArgumentf("server is already bound")
	}
	port, err := pickRandomPort(unix.SOCK_DGRAM)
	if err != nil {
		return chandef.Def{}, err
	}
	if err := s.fdc.open(unix.AF_INET, unix.SOCK_DGRAM, 0); err != nil {
		return chandef.Def{}, netError(err)
	}
	fd := s.fdc.fd
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		s.fdc.close()
		return chandef.Def{}, netError(err)
	}

	var group netip.Addr
	for range maxGroupProbes {
		cand := randomMulticastGroup()
		if err = s.join(fd, cand); err == nil {
			leaveGroup(fd, cand)
			group = cand
			break
		}
	}
	if !group.IsValid() {
		s.fdc.close()
		s.log.Error("no multicast group available", zap.Error(err))
		return chandef.Def{}, status.Abortedf("no multicast group available after %d probes: %v", maxGroupProbes, err)
	}

	dport, err := pickRandomPort(unix.SOCK_DGRAM)
	if err != nil {
		s.fdc.close()
		return chandef.Def{}, err
	}
	dest := netip.AddrPortFrom(group, dport)
	s.dest = addrPortToSockaddr(dest)
	s.log.Info("bound multicast group", zap.Stringer("group", dest))
	return chandef.UDPDef(group.String(), dport), nil
}

func joinGroup(fd int, group netip.Addr) error {
	return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &unix.IPMreq{Multiaddr: group.As4()})
}

func leaveGroup(fd int, group netip.Addr) error {
	return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, &unix.IPMreq{Multiaddr: group.As4()})
}
