// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package shm implements shared-memory regions for exchanging messages
// between processes on one host.
//
// A [Region] has a single writer and any number of readers. Writes and reads
// are coordinated by a sequence lock in the header of the region: a writer
// makes the version odd while it copies, and even again when done. A reader
// accepts a copy only if the version was even and unchanged across the copy,
// and differs from the last version it accepted.
//
// The descriptors of a region are passed between processes by a broker (see
// package [github.com/creachadair/conduit/shm/broker]), along with the
// [Metadata] a reader needs to map the region.
package shm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/creachadair/conduit/packet"
	"github.com/creachadair/conduit/status"
)

// Mode is the access mode of a region.
type Mode byte

const (
	ReadOnly Mode = iota
	Writable
)

func (m Mode) String() string {
	if m == Writable {
		return "writable"
	}
	return "read-only"
}

// Metadata describes a region to the process that will map it.
type Metadata struct {
	Mode Mode
	Size int      // payload capacity in bytes
	ID   [16]byte // random identifier of the region
}

// NewMetadata returns metadata for a region of the given mode and size, with
// a fresh random ID.
func NewMetadata(mode Mode, size int) Metadata {
	m := Metadata{Mode: mode, Size: size}
	rand.Read(m.ID[:])
	return m
}

func (m Metadata) String() string {
	return fmt.Sprintf("shm:%s:%d:%s", m.Mode, m.Size, hex.EncodeToString(m.ID[:]))
}

// metadataMagic identifies an encoded metadata blob.
const metadataMagic = "SM\x00"

// Encode encodes m in binary format.
func (m Metadata) Encode() []byte {
	var b packet.Builder
	b.Grow(len(metadataMagic) + 1 + 4 + packet.VLen(len(m.ID)))
	b.PutString(metadataMagic)
	b.Put(byte(m.Mode))
	b.Uint32(uint32(m.Size))
	b.VPut(m.ID[:])
	return b.Bytes()
}

// DecodeMetadata decodes metadata from its binary format. It reports
// DataLoss if data is not a valid encoding.
func DecodeMetadata(data []byte) (Metadata, error) {
	s := packet.NewScanner(data)
	if err := s.Expect(metadataMagic); err != nil {
		return Metadata{}, status.DataLossf("invalid metadata: %v", err)
	}
	mode, err := s.Byte()
	if err != nil {
		return Metadata{}, status.DataLossf("truncated metadata: %v", err)
	} else if Mode(mode) != ReadOnly && Mode(mode) != Writable {
		return Metadata{}, status.DataLossf("invalid region mode %d", mode)
	}
	size, err := s.Uint32()
	if err != nil {
		return Metadata{}, status.DataLossf("invalid region size: %v", err)
	} else if size > 1<<30 {
		return Metadata{}, status.DataLossf("region size %d out of range", size)
	}
	id, err := packet.VGet[[]byte](s)
	if err != nil {
		return Metadata{}, status.DataLossf("invalid region ID: %v", err)
	} else if len(id) != 16 {
		return Metadata{}, status.DataLossf("region ID has %d bytes, want 16", len(id))
	} else if s.Len() != 0 {
		return Metadata{}, status.DataLossf("extra data at offset %d (%d bytes)", s.Offset(), s.Len())
	}
	m := Metadata{Mode: Mode(mode), Size: int(size)}
	copy(m.ID[:], id)
	return m, nil
}
