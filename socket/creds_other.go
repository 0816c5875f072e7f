// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux && !darwin

package socket

import "errors"

func peerCredentials(int) (Credentials, error) {
	return Credentials{}, errors.ErrUnsupported
}
