// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"
)

// HostIPv4 reports the first IPv4 address of an up, non-loopback interface
// of the host. Ethernet-style interfaces ("en*", "eth*") are preferred. If no
// such address is found, it reports the IPv4 loopback address.
func HostIPv4() netip.Addr {
	loopback := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	ifs, err := net.Interfaces()
	if err != nil {
		return loopback
	}
	var fallback netip.Addr
	for _, ifc := range ifs {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			pfx, err := netip.ParsePrefix(a.String())
			if err != nil || !pfx.Addr().Is4() {
				continue
			}
			if strings.HasPrefix(ifc.Name, "en") || strings.HasPrefix(ifc.Name, "eth") {
				return pfx.Addr()
			} else if !fallback.IsValid() {
				fallback = pfx.Addr()
			}
		}
	}
	if fallback.IsValid() {
		return fallback
	}
	return loopback
}

// pickRandomPort reports a port number the kernel considers free for the
// given socket type, by binding a probe socket to port 0.
func pickRandomPort(typ int) (uint16, error) {
	fd, err := unix.Socket(unix.AF_INET, typ, 0)
	if err != nil {
		return 0, netError(err)
	}
	defer unix.Close(fd)
	unix.CloseOnExec(fd)
	if typ == unix.SOCK_DGRAM {
		if err := allowAddressSharing(fd); err != nil {
			return 0, netError(err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		return 0, netError(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, netError(err)
	}
	return sockaddrToAddrPort(sa).Port(), nil
}

// randomMulticastGroup returns a random address in 239.0.0.0/8, the
// administratively scoped multicast block.
func randomMulticastGroup() netip.Addr {
	return netip.AddrFrom4([4]byte{239, byte(rand.IntN(255)), byte(rand.IntN(255)), byte(rand.IntN(255))})
}

// randomSocketName returns a fresh name for a Unix-domain server socket.
func randomSocketName() string {
	return fmt.Sprintf("conduit-%016x", rand.Uint64())
}

func allowAddressSharing(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
