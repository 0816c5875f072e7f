// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package conduit

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/conduit/status"
)

// HeaderSize is the size in bytes of an encoded message [Header].
const HeaderSize = 8

// headerVersion is the only framing version understood by this package.
const headerVersion = 0

// A Header precedes each message sent on a channel that does not have its own
// framing. The binary format is:
//
//	+-----+-----+---------+-------+-----------------------+
//	| 'C' | 'D' | version | flags | payload length (BE32) |
//	+-----+-----+---------+-------+-----------------------+
//
// The version and flags are currently always zero.
type Header struct {
	Flags byte
	Size  int // payload length in bytes
}

// Put encodes h into the first [HeaderSize] bytes of buf.
// It panics if buf is too short.
func (h Header) Put(buf []byte) {
	_ = buf[HeaderSize-1]
	buf[0], buf[1], buf[2], buf[3] = 'C', 'D', headerVersion, h.Flags
	binary.BigEndian.PutUint32(buf[4:], uint32(h.Size))
}

// Encode encodes h in binary format.
func (h Header) Encode() []byte {
	var buf [HeaderSize]byte
	h.Put(buf[:])
	return buf[:]
}

func (h Header) String() string { return fmt.Sprintf("Header(CD%d, %d bytes)", headerVersion, h.Size) }

// ParseHeader decodes a header from the front of buf. It reports DataLoss if
// buf is too short, or does not begin with a valid header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, status.DataLossf("short message header (%d < %d bytes)", len(buf), HeaderSize)
	}
	if m := string(buf[:3]); m != "CD\x00" {
		return Header{}, status.DataLossf("invalid message header %q", m)
	}
	return Header{Flags: buf[3], Size: int(binary.BigEndian.Uint32(buf[4:]))}, nil
}

// WriteMessage writes msg to w with a header, in the format used by stream
// channels. It reports the number of bytes written.
func WriteMessage(w io.Writer, msg []byte) (int64, error) {
	nw, err := w.Write(Header{Size: len(msg)}.Encode())
	if err == nil && len(msg) != 0 {
		var np int
		np, err = w.Write(msg)
		nw += np
	}
	return int64(nw), err
}

// ReadMessage reads one message with a header from r, in the format used by
// stream channels. A message larger than maxSize bytes is rejected with
// Aborted; if maxSize ≤ 0 no limit is enforced.
func ReadMessage(r io.Reader, maxSize int) ([]byte, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("short message header: %w", err)
	}
	h, err := ParseHeader(buf[:])
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && h.Size > maxSize {
		return nil, status.Abortedf("message of %d bytes exceeds limit of %d", h.Size, maxSize)
	}
	msg := make([]byte, h.Size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("short payload: %w", err)
	}
	return msg, nil
}
