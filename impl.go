// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"github.com/creachadair/conduit/shm"
	"github.com/creachadair/conduit/socket"
)

// A ChannelImpl is the byte-level I/O delegate of a [Channel]. Every socket
// satisfies it, and a shared-memory region is adapted to it.
//
// A channel owns its implementation, and closes it when the channel closes.
type ChannelImpl interface {
	IsConnected() bool
	WriteAsync(buf []byte, done socket.Callback)
	ReadAsync(buf []byte, done socket.Callback)
	Close() error
}

var (
	_ ChannelImpl = (*socket.TCPClient)(nil)
	_ ChannelImpl = (*socket.TCPServer)(nil)
	_ ChannelImpl = (*socket.UDPClient)(nil)
	_ ChannelImpl = (*socket.UDPServer)(nil)
	_ ChannelImpl = (*socket.UDSClient)(nil)
	_ ChannelImpl = (*socket.UDSServer)(nil)
	_ ChannelImpl = (*socket.TLSClient)(nil)
	_ ChannelImpl = (*socket.TLSServer)(nil)
	_ ChannelImpl = (*socket.WSClient)(nil)
	_ ChannelImpl = (*socket.WSServer)(nil)
	_ ChannelImpl = regionImpl{}
)

// regionImpl adapts a shared-memory region to the [ChannelImpl] interface.
type regionImpl struct{ *shm.Region }

func (r regionImpl) WriteAsync(buf []byte, done socket.Callback) { r.Region.WriteAsync(buf, done) }
func (r regionImpl) ReadAsync(buf []byte, done socket.Callback)  { r.Region.ReadAsync(buf, done) }

// A memberSet is an implementation that accepts connections.
type memberSet interface {
	Members() *socket.Broadcaster
}

// A messageReader is an implementation that delimits its own messages.
type messageReader interface {
	ReadMessage(done func([]byte, error)) error
}

type sendBufferSetter interface{ SetSendBufferSize(int) error }
type receiveBufferSetter interface{ SetReceiveBufferSize(int) error }
