// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"net/netip"

	"github.com/creachadair/conduit/socket"
)

// Default settings.
const (
	DefaultServerMaxWindowBits = 10
	DefaultRegionSize          = 1 << 20
	DefaultMaxMessageSize      = 64 << 20

	// MaxDatagramSize is the largest message buffer of a UDP channel.
	MaxDatagramSize = 64 << 10
)

// Settings are the construction-time options of a channel. Only the section
// matching the type of the channel is consulted.
type Settings struct {
	TCP TCPSettings
	WS  WSSettings
	UDS UDSSettings
	Shm ShmSettings

	// Host, if valid, overrides the address advertised by the definitions of
	// TCP and WS server channels.
	Host netip.Addr

	// DynamicBuffers makes new channels start with dynamic send and receive
	// buffers.
	DynamicBuffers bool

	// MaxMessageSize bounds the payload a dynamic receive buffer grows to
	// hold. Larger messages are reported as OutOfRange. If zero,
	// DefaultMaxMessageSize applies.
	MaxMessageSize int
}

func (s Settings) maxMessageSize() int {
	if s.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return s.MaxMessageSize
}

// TCPSettings are the options of a TCP channel.
type TCPSettings struct {
	UseTLS bool

	// TLSServerContext is required for a TLS server channel.
	TLSServerContext *socket.ServerContext

	// TLSClientConfig is used for a TLS client channel. If nil, defaults apply.
	TLSClientConfig *socket.ClientOptions
}

// WSSettings are the options of a WebSocket channel.
type WSSettings struct {
	PermessageDeflateEnabled bool
	ServerMaxWindowBits      int
}

// UDSSettings are the options of a Unix-domain socket channel.
type UDSSettings struct {
	// AuthFunc, if set, must accept the credentials of each accepted peer.
	AuthFunc socket.AuthFunc
}

// ShmSettings are the options of a shared-memory channel.
type ShmSettings struct {
	RegionSize int
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		WS:  WSSettings{ServerMaxWindowBits: DefaultServerMaxWindowBits},
		Shm: ShmSettings{RegionSize: DefaultRegionSize},
	}
}

func (s WSSettings) options() *socket.WSOptions {
	bits := s.ServerMaxWindowBits
	if bits <= 0 {
		bits = DefaultServerMaxWindowBits
	}
	return &socket.WSOptions{PermessageDeflate: s.PermessageDeflateEnabled, ServerMaxWindowBits: bits}
}

func (s ShmSettings) regionSize() int {
	if s.RegionSize <= 0 {
		return DefaultRegionSize
	}
	return s.RegionSize
}
