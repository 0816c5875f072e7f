// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package socket

import "golang.org/x/sys/unix"

func peerCredentials(fd int) (Credentials, error) {
	uc, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{PID: int(uc.Pid), UID: int(uc.Uid), GID: int(uc.Gid)}, nil
}
