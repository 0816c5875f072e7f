// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes the small binary blobs that conduit exchanges out
// of band, such as the description of a shared-memory region handed out by
// a broker.
//
// Values are written with a [Builder] and read back with a [Scanner].
// Integers are big-endian, except for [Vint30], which is a self-framing
// variable-width encoding used for lengths.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Builder accumulates the encoding of a packet. The zero value is ready
// for use as an empty builder.
type Builder struct {
	buf []byte
}

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the bytes of s to b without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// VPut appends vs to b prefixed by its length as a [Vint30].
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.Vint30(uint32(len(vs)))
	b.buf = append(b.buf, vs...)
}

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Vint30 appends v to b as a [Vint30].
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// Bytes returns the contents of b. The slice is owned by b, and is only
// valid until the next modification.
func (b *Builder) Bytes() []byte { return b.buf }

// Grow ensures that at least n more bytes can be added to b without another
// allocation.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded values from the contents of a packet. A value
// that is cut off by the end of the input reports [io.ErrUnexpectedEOF].
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that consumes input. Values scanned as
// byte slices alias input, which must not be modified while they are in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

func (s *Scanner) truncated(what string, want int) error {
	return fmt.Errorf("%s at offset %d truncated (%d < %d bytes): %w",
		what, s.offset, len(s.rest), want, io.ErrUnexpectedEOF)
}

func (s *Scanner) take(n int) []byte {
	out := s.rest[:n]
	s.rest = s.rest[n:]
	s.offset += n
	return out
}

// Expect consumes lit from the head of the input, or reports an error
// without consuming anything if the input does not begin with lit.
func (s *Scanner) Expect(lit string) error {
	if len(s.rest) < len(lit) {
		return s.truncated("tag", len(lit))
	} else if got := string(s.rest[:len(lit)]); got != lit {
		return fmt.Errorf("at offset %d: got tag %q, want %q", s.offset, got, lit)
	}
	s.take(len(lit))
	return nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, s.truncated("byte", 1)
	}
	return s.take(1)[0], nil
}

// Uint32 scans a big-endian uint32 from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, s.truncated("uint32", 4)
	}
	return binary.BigEndian.Uint32(s.take(4)), nil
}

// Vint30 scans a [Vint30] from the head of the input. It reports [io.EOF] if
// the input is empty.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	nb := int(s.rest[0]&3) + 1
	if len(s.rest) < nb {
		return 0, s.truncated("vint30", nb)
	}
	var w uint32
	for i, c := range s.take(nb) {
		w |= uint32(c) << (8 * i)
	}
	return int(w >> 2), nil
}

// Len reports the number of unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// VLen reports the size of the [Builder.VPut] encoding of an n-byte value.
func VLen(n int) int { return Vint30(n).Size() + n }

// VGet scans a value prefixed by its length as a [Vint30].
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	nb, err := s.Vint30()
	if err != nil {
		return out, err
	} else if len(s.rest) < nb {
		return out, s.truncated("value", nb)
	}
	return Str(s.take(nb)), nil
}

// Vint30 is an unsigned 30-bit integer with a variable-width encoding of 1
// to 4 bytes. Values below 1<<6, 1<<14, 1<<22, and 1<<30 use 1, 2, 3, and 4
// bytes respectively.
//
// The encoding is the little-endian form of v<<2 | (n-1), truncated to n
// bytes, so the low two bits of the first byte give the length.
type Vint30 uint32

// MaxVint30 is the largest value a [Vint30] can encode.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes needed to encode v, or -1 if v is too
// large to encode.
func (v Vint30) Size() int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<22:
		return 3
	case v < 1<<30:
		return 4
	}
	return -1
}

// Append appends the encoding of v to buf. It panics if v > MaxVint30.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("packet: vint30 value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
