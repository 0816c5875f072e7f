// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package conduit implements message channels between the nodes of a
// distributed publish/subscribe system.
//
// A [Channel] exchanges framed messages over one of several transports: TCP
// (optionally with TLS), UDP multicast, Unix-domain sockets, shared memory,
// and WebSocket. All channels present the same asynchronous contract. Every
// operation reports its result to a callback exactly once, and all methods
// must be called on the [loop.Loop] that owns the channel.
//
// # Channels
//
// To create a channel, use [NewChannel] with a channel type and settings:
//
//	ch, err := conduit.NewChannel(lp, chandef.TCP, conduit.DefaultSettings())
//
// A server channel calls Listen, which reports a [chandef.Def] that clients
// use to connect. Stream servers then admit clients with AcceptLoop:
//
//	def, err := ch.Listen()
//	...
//	ch.AcceptLoop(func(err error) { ... })
//
// A message sent on a server is delivered to every client it has admitted.
// A client channel calls Connect with the definition of its server:
//
//	ch.Connect(def, func(err error) { ... })
//
// # Framing
//
// On stream transports each message is preceded by a [Header], which gives
// the length of the payload. A datagram or shared-memory message carries the
// header and the payload together in a single read. A WebSocket message is
// delimited by the WebSocket protocol, and has no header.
//
// Each channel stages messages in a send buffer and a receive buffer. A
// buffer is either fixed, so that a message that does not fit is rejected
// with an Aborted error, or dynamic, so that it grows to fit.
//
// # Blocking Use
//
// To use a channel from ordinary goroutines, see package
// [github.com/creachadair/conduit/relay].
//
// # Metrics
//
// Channels maintain activity counters for each channel type. Use [Metrics]
// to obtain an [expvar.Map] of these counters. The counters for each type
// include:
//
//   - messages_sent: counter of messages sent successfully
//   - messages_sent_failed: counter of sends reporting an error
//   - bytes_sent: counter of payload bytes sent
//   - messages_received: counter of messages received
//   - messages_received_failed: counter of receives reporting an error
//   - bytes_received: counter of payload bytes received
//   - connects, connects_failed: counters of client connections
//   - accepts, accepts_failed: counters of clients admitted by servers
package conduit
