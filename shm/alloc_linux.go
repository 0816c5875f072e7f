// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocate creates an anonymous memory file of n bytes, and returns a
// writable and a read-only descriptor for it.
func allocate(n int) (fd, rofd int, err error) {
	fd, err = unix.MemfdCreate("conduit-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, -1, err
	}
	if err := unix.Ftruncate(fd, int64(n)); err != nil {
		unix.Close(fd)
		return -1, -1, err
	}
	rofd, err = unix.Open(fmt.Sprintf("/proc/self/fd/%d", fd), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return -1, -1, err
	}
	return fd, rofd, nil
}
