// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package conduit

import (
	"errors"

	"github.com/creachadair/conduit/buffer"
	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/shm/broker"
	"github.com/creachadair/conduit/socket"
	"github.com/creachadair/conduit/status"
	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

// errNotEnoughBuffer is reported when a message does not fit a fixed buffer.
var errNotEnoughBuffer = status.Abortedf("not enough buffer")

// A Channel exchanges framed messages with one or more peers over a single
// [ChannelImpl]. Use [NewChannel] to construct a channel of a given type,
// then either Connect it to a server, or Listen for clients.
//
// All methods of a Channel must be called on the loop that owns it. At most
// one send and one receive may be in progress at a time; starting a second
// one in the same direction panics.
type Channel struct {
	lp       *loop.Loop
	log      *zap.Logger
	typ      chandef.Type
	settings Settings
	impl     ChannelImpl
	metrics  *channelMetrics

	send     buffer.Buffer
	sendDone func(error)
	recv     buffer.Buffer
	recvDone func([]byte, error)
	header   Header

	// State of a server accepting connections.
	onAccept   func(error)
	handshakes mapset.Set[*socket.TLSServer]

	// State of a shared-memory channel.
	broker broker.Broker

	connecting bool
	closed     bool
}

func newChannel(lp *loop.Loop, typ chandef.Type, s Settings) *Channel {
	c := &Channel{
		lp:         lp,
		log:        zap.L().Named("conduit").With(zap.Stringer("type", typ)),
		typ:        typ,
		settings:   s,
		metrics:    metricsFor(typ),
		handshakes: mapset.New[*socket.TLSServer](),
	}
	c.send.SetDynamic(s.DynamicBuffers)
	c.recv.SetDynamic(s.DynamicBuffers)
	return c
}

// Type reports the channel type of c.
func (c *Channel) Type() chandef.Type { return c.typ }

// Impl returns the implementation of c, or nil if c has not been connected
// or started listening.
func (c *Channel) Impl() ChannelImpl { return c.impl }

// receivesWithHeader reports whether a single read of the implementation
// yields both the header and the payload of a message.
func (c *Channel) receivesWithHeader() bool { return c.typ == chandef.UDP || c.typ == chandef.SHM }

// hasNativeHeader reports whether the transport delimits messages itself, so
// no header is sent.
func (c *Channel) hasNativeHeader() bool { return c.typ == chandef.WS }

// IsConnected reports whether c can currently exchange messages. A server
// channel is connected when at least one of its members is.
func (c *Channel) IsConnected() bool { return c.impl != nil && c.impl.IsConnected() }

// HasReceivers reports whether a message sent on c may reach a peer. For a
// server that accepts connections, this is whether it has any members.
func (c *Channel) HasReceivers() bool {
	if ms, ok := c.impl.(memberSet); ok {
		return ms.Members().Len() > 0
	}
	return c.IsConnected()
}

// IsSending reports whether a send is in progress on c.
func (c *Channel) IsSending() bool { return c.sendDone != nil }

// IsReceiving reports whether a receive is in progress on c.
func (c *Channel) IsReceiving() bool { return c.recvDone != nil }

// SetDynamicSendBuffer sets whether the send buffer of c grows to fit each
// message.
func (c *Channel) SetDynamicSendBuffer(dynamic bool) { c.send.SetDynamic(dynamic) }

// SetDynamicReceiveBuffer sets whether the receive buffer of c grows to fit
// each message.
func (c *Channel) SetDynamicReceiveBuffer(dynamic bool) { c.recv.SetDynamic(dynamic) }

// SendBufferSize reports the current capacity of the send buffer of c.
func (c *Channel) SendBufferSize() int { return c.send.Cap() }

// ReceiveBufferSize reports the current capacity of the receive buffer of c.
func (c *Channel) ReceiveBufferSize() int { return c.recv.Cap() }

// SetSendBufferSize sets the capacity of the send buffer of c. A buffer never
// shrinks. If c is a server, the kernel send buffer of its socket is set too.
func (c *Channel) SetSendBufferSize(n int) error {
	n = c.clampBuffer("send", n)
	c.send.SetCapacity(n)
	if s, ok := c.impl.(sendBufferSetter); ok && c.isServer() {
		return s.SetSendBufferSize(n)
	}
	return nil
}

// SetReceiveBufferSize sets the capacity of the receive buffer of c. A buffer
// never shrinks. If c is a server, the kernel receive buffer of its socket is
// set too.
func (c *Channel) SetReceiveBufferSize(n int) error {
	n = c.clampBuffer("receive", n)
	c.recv.SetCapacity(n)
	if s, ok := c.impl.(receiveBufferSetter); ok && c.isServer() {
		return s.SetReceiveBufferSize(n)
	}
	return nil
}

func (c *Channel) isServer() bool {
	s, ok := c.impl.(interface{ IsServer() bool })
	return ok && s.IsServer()
}

// bufferLimit reports the largest buffer c can use, or 0 if there is no
// limit.
func (c *Channel) bufferLimit() int {
	switch c.typ {
	case chandef.UDP:
		return MaxDatagramSize
	case chandef.SHM:
		if r, ok := c.impl.(regionImpl); ok {
			return r.Size()
		}
	}
	return 0
}

func (c *Channel) clampBuffer(dir string, n int) int {
	if limit := c.bufferLimit(); limit > 0 && n > limit {
		c.log.Warn("buffer size clamped", zap.String("dir", dir), zap.Int("requested", n), zap.Int("size", limit))
		return limit
	}
	return n
}

// Send sends msg to the peers of c, and calls done with the result. The
// contents of msg are copied before Send returns.
func (c *Channel) Send(msg []byte, done func(error)) {
	if c.sendDone != nil {
		panic("conduit: send already in progress")
	}
	if !c.IsConnected() && !c.isServer() {
		done(socket.ErrNotConnected)
		return
	}
	if !c.send.IsDynamic() && !c.send.Allocated() {
		c.log.Debug("send buffer was not allocated, using default size")
		c.send.SetCapacity(buffer.DefaultCapacity)
	}

	size, off := len(msg), 0
	if !c.hasNativeHeader() {
		size, off = size+HeaderSize, HeaderSize
	}
	if limit := c.bufferLimit(); limit > 0 && size > limit {
		done(errNotEnoughBuffer)
		return
	}
	if !c.send.Fit(size) {
		done(errNotEnoughBuffer)
		return
	}
	buf := c.send.Slice(size)
	if off != 0 {
		Header{Size: len(msg)}.Put(buf)
	}
	copy(buf[off:], msg)

	c.sendDone = done
	c.impl.WriteAsync(buf, func(err error) {
		done := c.sendDone
		if done == nil {
			return // closed
		}
		c.sendDone = nil
		c.metrics.sent(len(msg), err)
		done(err)
	})
}

// Receive receives the next message from c and delivers its payload to done.
// The payload is only valid until the next call to Receive, and the caller
// must not retain or modify it.
func (c *Channel) Receive(done func([]byte, error)) {
	if c.recvDone != nil {
		panic("conduit: receive already in progress")
	}
	if c.impl == nil {
		done(nil, socket.ErrNotConnected)
		return
	}
	c.recvDone = done

	switch {
	case c.hasNativeHeader():
		c.receiveMessage()
	case c.receivesWithHeader():
		c.receiveWithHeader()
	default:
		c.receiveHeader()
	}
}

func (c *Channel) prepareReceive(dynamicSize int) {
	if c.recv.IsDynamic() {
		if !c.recv.Allocated() {
			c.recv.SetCapacity(dynamicSize)
		}
	} else if !c.recv.Allocated() {
		c.log.Debug("receive buffer was not allocated, using default size")
		c.recv.SetCapacity(buffer.DefaultCapacity)
	}
}

// receiveHeader reads a header, and then the payload it describes.
func (c *Channel) receiveHeader() {
	c.prepareReceive(HeaderSize)
	if !c.recv.Fit(HeaderSize) {
		c.finishReceive(nil, errNotEnoughBuffer)
		return
	}
	c.impl.ReadAsync(c.recv.Slice(HeaderSize), c.onReceiveHeader)
}

func (c *Channel) onReceiveHeader(err error) {
	if c.recvDone == nil {
		return // closed
	} else if err != nil {
		c.finishReceive(nil, err)
		return
	}
	h, err := ParseHeader(c.recv.Slice(HeaderSize))
	if err != nil {
		c.finishReceive(nil, err)
		return
	}
	if limit := c.settings.maxMessageSize(); c.recv.IsDynamic() && h.Size > limit {
		c.finishReceive(nil, status.OutOfRangef("message of %d bytes exceeds the limit of %d", h.Size, limit))
		return
	} else if !c.recv.Fit(h.Size) {
		c.finishReceive(nil, errNotEnoughBuffer)
		return
	}
	c.header = h
	c.impl.ReadAsync(c.recv.Slice(h.Size), c.onReceivePayload)
}

func (c *Channel) onReceivePayload(err error) {
	if c.recvDone == nil {
		return // closed
	} else if err != nil {
		c.finishReceive(nil, err)
		return
	}
	c.finishReceive(c.recv.Slice(c.header.Size), nil)
}

// receiveWithHeader reads a header and payload together in one read.
func (c *Channel) receiveWithHeader() {
	limit := c.bufferLimit()
	if limit == 0 {
		limit = buffer.DefaultCapacity
	}
	c.prepareReceive(limit)
	c.recv.SetEnoughCapacityIfDynamic(limit)
	c.impl.ReadAsync(c.recv.Bytes(), c.onReceiveWithHeader)
}

func (c *Channel) onReceiveWithHeader(err error) {
	if c.recvDone == nil {
		return // closed
	} else if err != nil {
		c.finishReceive(nil, err)
		return
	}
	buf := c.recv.Bytes()
	h, err := ParseHeader(buf)
	if err != nil {
		c.finishReceive(nil, err)
		return
	}
	if len(buf)-HeaderSize < h.Size {
		c.finishReceive(nil, errNotEnoughBuffer)
		return
	}
	c.finishReceive(buf[HeaderSize:HeaderSize+h.Size], nil)
}

// receiveMessage reads one self-delimited message.
func (c *Channel) receiveMessage() {
	mr, ok := c.impl.(messageReader)
	if !ok {
		c.finishReceive(nil, status.Unimplementedf("receive on a %v server channel", c.typ))
		return
	} else if !c.impl.IsConnected() {
		c.finishReceive(nil, socket.ErrNotConnected)
		return
	}
	if err := mr.ReadMessage(func(msg []byte, err error) {
		if c.recvDone == nil {
			return // closed
		} else if err != nil {
			c.finishReceive(nil, err)
			return
		}
		c.prepareReceive(len(msg))
		if !c.recv.Fit(len(msg)) {
			c.finishReceive(nil, errNotEnoughBuffer)
			return
		}
		n := copy(c.recv.Bytes(), msg)
		c.finishReceive(c.recv.Slice(n), nil)
	}); err != nil {
		c.finishReceive(nil, err)
	}
}

func (c *Channel) finishReceive(msg []byte, err error) {
	done := c.recvDone
	c.recvDone = nil
	c.metrics.received(len(msg), err)
	if err != nil && !errors.Is(err, socket.ErrConnectionClosed) {
		c.log.Debug("receive failed", zap.Error(err))
	}
	done(msg, err)
}

// Close closes c and its implementation. Pending callbacks are discarded.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.sendDone, c.recvDone, c.onAccept = nil, nil, nil
	for _, s := range c.handshakes.Slice() {
		s.Close()
	}
	c.handshakes = mapset.New[*socket.TLSServer]()

	var errs []error
	if c.broker != nil {
		errs = append(errs, c.broker.Close())
		c.broker = nil
	}
	if c.impl != nil {
		errs = append(errs, c.impl.Close())
	}
	return errors.Join(errs...)
}
