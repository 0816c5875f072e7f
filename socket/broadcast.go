// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package socket

import (
	"errors"

	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"
)

// A Broadcaster writes each buffer to every member of a set of stream
// sockets, and reports one aggregate result.
//
// A member whose connection is reset during a broadcast is closed, but it
// remains in the set until the start of the next broadcast.
type Broadcaster struct {
	members   mapset.Set[StreamSocket]
	hasClosed bool

	pending int
	lastErr error
	done    Callback
	log     *zap.Logger
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		members: mapset.New[StreamSocket](),
		log:     zap.L().Named("socket").Named("broadcast"),
	}
}

// Add adds m to the member set of b.
func (b *Broadcaster) Add(m StreamSocket) { b.members.Add(m) }

// Len reports the number of members of b, including members closed during
// the last broadcast that have not yet been pruned.
func (b *Broadcaster) Len() int { return b.members.Len() }

// AnyConnected reports whether any member of b is connected.
func (b *Broadcaster) AnyConnected() bool {
	for _, m := range b.members.Slice() {
		if m.IsConnected() {
			return true
		}
	}
	return false
}

// Broadcast writes all of buf to each member of b. It calls done exactly once,
// after every member write has completed, with the last error reported by any
// member, or nil if all succeeded. If b has no members, done is called
// immediately with [ErrNotConnected].
//
// At most one broadcast may be in progress at a time.
func (b *Broadcaster) Broadcast(buf []byte, done Callback) {
	if b.done != nil {
		panic("socket: broadcast already pending")
	}
	b.pruneClosed()
	if b.members.Len() == 0 {
		done(ErrNotConnected)
		return
	}

	b.pending = b.members.Len()
	b.lastErr = nil
	b.done = done
	for _, m := range b.members.Slice() {
		WriteRepeating(m, buf, func(err error) { b.onWrite(m, err) })
	}
}

func (b *Broadcaster) onWrite(m StreamSocket, err error) {
	if err != nil {
		if isResetError(err) || errors.Is(err, ErrConnectionClosed) {
			m.Close()
		}
		if !m.IsConnected() {
			b.hasClosed = true
		}
		b.log.Warn("broadcast write failed", zap.Stringer("transport", m.Transport()), zap.Error(err))
		b.lastErr = err
	}
	b.pending--
	if b.pending == 0 && b.done != nil {
		done, err := b.done, b.lastErr
		b.done, b.lastErr = nil, nil
		done(err)
	}
}

// pruneClosed removes the members closed since the last prune.
func (b *Broadcaster) pruneClosed() {
	if !b.hasClosed {
		return
	}
	for _, m := range b.members.Slice() {
		if !m.IsConnected() {
			b.members.Remove(m)
		}
	}
	b.hasClosed = false
}

func (b *Broadcaster) each(f func(StreamSocket) error) error {
	var last error
	for _, m := range b.members.Slice() {
		if err := f(m); err != nil {
			last = err
		}
	}
	return last
}

// CloseAll closes and removes every member of b. A pending broadcast is
// abandoned without calling its callback.
func (b *Broadcaster) CloseAll() {
	for _, m := range b.members.Slice() {
		m.Close()
	}
	b.members = mapset.New[StreamSocket]()
	b.done, b.pending, b.lastErr, b.hasClosed = nil, 0, nil, false
}
