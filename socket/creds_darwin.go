// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package socket

import "golang.org/x/sys/unix"

func peerCredentials(fd int) (Credentials, error) {
	xc, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return Credentials{}, err
	}
	pid, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	if err != nil {
		return Credentials{}, err
	}
	cred := Credentials{PID: pid, UID: int(xc.Uid), GID: -1}
	if xc.Ngroups > 0 {
		cred.GID = int(xc.Groups[0])
	}
	return cred, nil
}
