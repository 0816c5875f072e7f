// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

// allocate creates an unlinked temporary file of n bytes, and returns a
// writable and a read-only descriptor for it.
func allocate(n int) (fd, rofd int, err error) {
	f, err := os.CreateTemp("", "conduit-shm-*")
	if err != nil {
		return -1, -1, err
	}
	path := f.Name()
	defer os.Remove(path)
	defer f.Close()

	if err := f.Truncate(int64(n)); err != nil {
		return -1, -1, err
	}
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, -1, err
	}
	rofd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return -1, -1, err
	}
	return fd, rofd, nil
}
