// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package buffer provides the byte storage used by channels to stage
// outgoing and incoming messages.
package buffer

// DefaultCapacity is the capacity given to a fixed-mode buffer that has not
// been explicitly sized when it is first needed.
const DefaultCapacity = 1 << 10

// A Buffer is owned byte storage with either a fixed or a dynamic capacity
// policy. A fixed buffer keeps the capacity it is given; a dynamic buffer
// grows to fit the largest message it has been asked to hold. In neither mode
// does the capacity ever shrink.
//
// The zero value is an empty fixed-mode buffer with no storage.
type Buffer struct {
	buf     []byte
	dynamic bool
}

// New constructs a fixed-mode buffer with the given capacity.
func New(capacity int) *Buffer {
	b := new(Buffer)
	b.SetCapacity(capacity)
	return b
}

// NewDynamic constructs a dynamic-mode buffer with no storage.
func NewDynamic() *Buffer { return &Buffer{dynamic: true} }

// Allocated reports whether b has any storage.
func (b *Buffer) Allocated() bool { return len(b.buf) != 0 }

// Cap reports the current capacity of b in bytes.
func (b *Buffer) Cap() int { return len(b.buf) }

// IsDynamic reports whether b is in dynamic mode.
func (b *Buffer) IsDynamic() bool { return b.dynamic }

// SetDynamic sets whether b is in dynamic mode.
func (b *Buffer) SetDynamic(dynamic bool) { b.dynamic = dynamic }

// SetCapacity ensures b has at least n bytes of capacity, regardless of mode.
// Existing contents are preserved.
func (b *Buffer) SetCapacity(n int) {
	if n <= len(b.buf) {
		return
	}
	nb := make([]byte, n)
	copy(nb, b.buf)
	b.buf = nb
}

// Fit reports whether b can hold n bytes. If b is dynamic and too small, it
// is grown to n bytes first. A fixed buffer is never resized by Fit.
func (b *Buffer) Fit(n int) bool {
	if n <= len(b.buf) {
		return true
	}
	if !b.dynamic {
		return false
	}
	b.SetCapacity(n)
	return true
}

// SetEnoughCapacityIfDynamic grows b to at least n bytes if b is dynamic.
// It does nothing to a fixed buffer.
func (b *Buffer) SetEnoughCapacityIfDynamic(n int) {
	if b.dynamic {
		b.SetCapacity(n)
	}
}

// Bytes returns the full storage of b. The buffer retains ownership of the
// slice, which is only valid until the next change of capacity.
func (b *Buffer) Bytes() []byte { return b.buf }

// Slice returns the first n bytes of storage. It panics if n > b.Cap().
func (b *Buffer) Slice(n int) []byte { return b.buf[:n] }
