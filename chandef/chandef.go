// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package chandef defines descriptors for transport endpoints.
//
// A [Def] names one live endpoint and its transport type. Exactly one of its
// endpoint fields is populated, consistent with its type:
//
//	TCP, UDP, WS:  IP
//	UDS:           UDS
//	SHM:           SHM (whose broker is itself a TCP or UDS def)
//
// Defs have a compact string form used by the command-line tools and in
// YAML, for example "tcp://10.0.0.5:41000" or "shm+uds://@conduit-1a2b".
package chandef

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/creachadair/conduit/status"
)

// Type identifies a transport type.
type Type byte

const (
	Invalid Type = iota
	TCP
	UDP
	UDS
	SHM
	WS
)

// Types lists all the valid transport types in order.
var Types = []Type{TCP, UDP, UDS, SHM, WS}

var typeNames = [...]string{
	Invalid: "invalid",
	TCP:     "tcp",
	UDP:     "udp",
	UDS:     "uds",
	SHM:     "shm",
	WS:      "ws",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type:%d", byte(t))
}

// ParseType parses the name of a transport type (case-insensitive).
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if strings.EqualFold(s, typeNames[t]) {
			return t, nil
		}
	}
	return Invalid, status.InvalidArgumentf("unknown channel type %q", s)
}

// IPEndpoint is an IP host address and port.
type IPEndpoint struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// AddrPort parses e as an address and port.
func (e IPEndpoint) AddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(e.IP)
	if err != nil {
		return netip.AddrPort{}, status.InvalidArgumentf("invalid IP address %q", e.IP)
	}
	return netip.AddrPortFrom(addr, e.Port), nil
}

func (e IPEndpoint) String() string {
	ap, err := e.AddrPort()
	if err != nil {
		return fmt.Sprintf("%s:%d", e.IP, e.Port)
	}
	return ap.String()
}

// UDSEndpoint is the address of a Unix-domain socket. When
// UseAbstractNamespace is true, SocketPath is a name in the Linux abstract
// socket namespace rather than a filesystem path.
type UDSEndpoint struct {
	SocketPath           string `yaml:"socket_path"`
	UseAbstractNamespace bool   `yaml:"use_abstract_namespace,omitempty"`
}

func (e UDSEndpoint) String() string {
	if e.UseAbstractNamespace {
		return "@" + e.SocketPath
	}
	return e.SocketPath
}

// SHMEndpoint describes a shared-memory channel. The broker endpoint is used
// only to bootstrap the exchange of the shared region's handle.
type SHMEndpoint struct {
	Broker Def
}

// A Def describes one transport endpoint.
type Def struct {
	Type Type
	IP   *IPEndpoint
	UDS  *UDSEndpoint
	SHM  *SHMEndpoint
}

// TCPDef constructs a TCP def for the given address.
func TCPDef(ip string, port uint16) Def { return Def{Type: TCP, IP: &IPEndpoint{IP: ip, Port: port}} }

// UDPDef constructs a UDP def for the given address.
func UDPDef(ip string, port uint16) Def { return Def{Type: UDP, IP: &IPEndpoint{IP: ip, Port: port}} }

// WSDef constructs a WebSocket def for the given address.
func WSDef(ip string, port uint16) Def { return Def{Type: WS, IP: &IPEndpoint{IP: ip, Port: port}} }

// UDSDef constructs a UDS def for the given path.
func UDSDef(path string, abstract bool) Def {
	return Def{Type: UDS, UDS: &UDSEndpoint{SocketPath: path, UseAbstractNamespace: abstract}}
}

// SHMDef constructs a shared-memory def bootstrapped by broker.
func SHMDef(broker Def) Def { return Def{Type: SHM, SHM: &SHMEndpoint{Broker: broker}} }

// Validate reports an InvalidArgument error if d is not a well-formed def.
func (d Def) Validate() error {
	switch d.Type {
	case TCP, UDP, WS:
		if d.IP == nil || d.UDS != nil || d.SHM != nil {
			return status.InvalidArgumentf("%v def must have only an IP endpoint", d.Type)
		}
		if _, err := d.IP.AddrPort(); err != nil {
			return err
		}
		if d.IP.Port == 0 {
			return status.InvalidArgumentf("%v def has port 0", d.Type)
		}
	case UDS:
		if d.UDS == nil || d.IP != nil || d.SHM != nil {
			return status.InvalidArgumentf("uds def must have only a UDS endpoint")
		}
		if d.UDS.SocketPath == "" {
			return status.InvalidArgumentf("uds def has an empty socket path")
		}
	case SHM:
		if d.SHM == nil || d.IP != nil || d.UDS != nil {
			return status.InvalidArgumentf("shm def must have only an SHM endpoint")
		}
		switch d.SHM.Broker.Type {
		case TCP, UDS:
		default:
			return status.InvalidArgumentf("shm broker must be tcp or uds, not %v", d.SHM.Broker.Type)
		}
		if err := d.SHM.Broker.Validate(); err != nil {
			return fmt.Errorf("shm broker: %w", err)
		}
	default:
		return status.InvalidArgumentf("invalid channel type %v", d.Type)
	}
	return nil
}

// Valid reports whether d is a well-formed def.
func (d Def) Valid() bool { return d.Validate() == nil }

// Equal reports whether d and o describe the same endpoint.
func (d Def) Equal(o Def) bool {
	if d.Type != o.Type {
		return false
	}
	switch d.Type {
	case TCP, UDP, WS:
		return d.IP != nil && o.IP != nil && *d.IP == *o.IP
	case UDS:
		return d.UDS != nil && o.UDS != nil && *d.UDS == *o.UDS
	case SHM:
		return d.SHM != nil && o.SHM != nil && d.SHM.Broker.Equal(o.SHM.Broker)
	}
	return false
}

// String renders d in the compact form accepted by [ParseDef].
func (d Def) String() string {
	switch d.Type {
	case TCP, UDP, WS:
		if d.IP != nil {
			return d.Type.String() + "://" + d.IP.String()
		}
	case UDS:
		if d.UDS != nil {
			return "uds://" + d.UDS.String()
		}
	case SHM:
		if d.SHM != nil {
			return "shm+" + d.SHM.Broker.String()
		}
	}
	return d.Type.String() + "://?"
}

// ParseDef parses the compact string form of a def and validates the result.
func ParseDef(s string) (Def, error) {
	d, err := parseDef(s)
	if err != nil {
		return Def{}, err
	}
	return d, d.Validate()
}

func parseDef(s string) (Def, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Def{}, status.InvalidArgumentf("invalid def %q: missing scheme", s)
	}
	if sub, ok := strings.CutPrefix(scheme, "shm+"); ok {
		broker, err := parseDef(sub + "://" + rest)
		if err != nil {
			return Def{}, err
		}
		return SHMDef(broker), nil
	}
	typ, err := ParseType(scheme)
	if err != nil {
		return Def{}, err
	}
	switch typ {
	case TCP, UDP, WS:
		ap, err := netip.ParseAddrPort(rest)
		if err != nil {
			return Def{}, status.InvalidArgumentf("invalid address %q: %v", rest, err)
		}
		return Def{Type: typ, IP: &IPEndpoint{IP: ap.Addr().String(), Port: ap.Port()}}, nil
	case UDS:
		if name, ok := strings.CutPrefix(rest, "@"); ok {
			return UDSDef(name, true), nil
		}
		return UDSDef(rest, false), nil
	}
	return Def{}, status.InvalidArgumentf("invalid def %q", s)
}
