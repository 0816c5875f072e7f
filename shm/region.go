// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/creachadair/conduit/status"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// headerSize is the size in bytes of the region header, comprising the
	// version and the payload capacity as uint32 values.
	headerSize = 8

	// maxContention bounds the number of attempts of one Read.
	maxContention = 10
)

// A Region is a mapped shared-memory region.
type Region struct {
	mem  []byte
	fd   int // -1 if not held
	rofd int // -1 if not held
	mode Mode

	lastVersion uint32
	log         *zap.Logger
}

// Create allocates a new writable region with capacity for size bytes of
// payload. The region holds a writable and a read-only descriptor for its
// memory, which are reported by Handles.
func Create(size int) (*Region, error) {
	if size <= 0 || size > 1<<30 {
		return nil, status.InvalidArgumentf("invalid region size %d", size)
	}
	fd, rofd, err := allocate(headerSize + size)
	if err != nil {
		return nil, status.Unavailablef("allocate shared memory: %v", err)
	}
	mem, err := unix.Mmap(fd, 0, headerSize+size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Close(rofd)
		return nil, status.Unavailablef("map shared memory: %v", err)
	}
	r := &Region{mem: mem, fd: fd, rofd: rofd, mode: Writable, log: zap.L().Named("shm")}
	r.capacity().Store(uint32(size))
	r.log.Debug("created region", zap.Int("size", size), zap.Int("fd", fd), zap.Int("rofd", rofd))
	return r, nil
}

// Open maps a region from a descriptor received from its creator. In
// ReadOnly mode fd should be the read-only descriptor of the region. The
// region takes ownership of fd, whether or not Open succeeds.
func Open(fd, size int, mode Mode) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, status.Unavailablef("stat shared memory: %v", err)
	} else if st.Size < int64(headerSize+size) {
		unix.Close(fd)
		return nil, status.InvalidArgumentf("region has %d bytes, want %d", st.Size, headerSize+size)
	}
	prot := unix.PROT_READ
	if mode == Writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(fd, 0, headerSize+size, prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, status.Unavailablef("map shared memory: %v", err)
	}
	r := &Region{mem: mem, fd: -1, rofd: -1, mode: mode, log: zap.L().Named("shm")}
	if mode == Writable {
		r.fd = fd
	} else {
		r.rofd = fd
	}
	if got := int(r.capacity().Load()); got != size {
		r.log.Error("region size mismatch", zap.Int("header", got), zap.Int("want", size))
		r.Close()
		return nil, status.DataLossf("region header reports size %d, want %d", got, size)
	}
	return r, nil
}

func (r *Region) version() *atomic.Uint32  { return (*atomic.Uint32)(unsafe.Pointer(&r.mem[0])) }
func (r *Region) capacity() *atomic.Uint32 { return (*atomic.Uint32)(unsafe.Pointer(&r.mem[4])) }

// Mode reports the access mode of r.
func (r *Region) Mode() Mode { return r.mode }

// Size reports the payload capacity of r in bytes.
func (r *Region) Size() int {
	if r.mem == nil {
		return 0
	}
	return len(r.mem) - headerSize
}

// Handles reports the writable and read-only descriptors of r. Either may be
// -1 if r does not hold it. The descriptors remain owned by r.
func (r *Region) Handles() (fd, rofd int) { return r.fd, r.rofd }

// IsConnected reports whether r is mapped.
func (r *Region) IsConnected() bool { return r.mem != nil }

// Write copies p into r. It reports OutOfRange if p is larger than the
// capacity of r.
func (r *Region) Write(p []byte) error {
	if r.mem == nil {
		return status.Unavailablef("region is closed")
	} else if r.mode != Writable {
		return status.PermissionDeniedf("region is read-only")
	} else if len(p) > r.Size() {
		return status.OutOfRangef("message of %d bytes exceeds region of %d", len(p), r.Size())
	}
	v := r.version()
	seq := v.Load()
	v.Store(seq + 1)
	copy(r.mem[headerSize:], p)
	v.Store(seq + 2)
	return nil
}

// Read copies the latest contents of r into buf, and reports the number of
// bytes copied. It reports Unavailable if no consistent new contents could
// be read after several attempts, either because the writer kept changing
// the region or because nothing was written since the last Read.
func (r *Region) Read(buf []byte) (int, error) {
	if r.mem == nil {
		return 0, status.Unavailablef("region is closed")
	}
	v := r.version()
	n := min(len(buf), r.Size())
	for range maxContention {
		seq := v.Load()
		if seq%2 != 0 || seq == r.lastVersion {
			continue
		}
		copy(buf[:n], r.mem[headerSize:])
		if v.Load() != seq {
			continue
		}
		r.lastVersion = seq
		return n, nil
	}
	return 0, status.Unavailablef("reached maximum contention count")
}

// WriteAsync writes buf to r and calls done with the result.
func (r *Region) WriteAsync(buf []byte, done func(error)) { done(r.Write(buf)) }

// ReadAsync reads the contents of r into buf and calls done with the result.
func (r *Region) ReadAsync(buf []byte, done func(error)) {
	_, err := r.Read(buf)
	done(err)
}

// Close unmaps r and closes its descriptors.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	for _, fd := range []*int{&r.fd, &r.rofd} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	return err
}
