// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build !unix

package loop

import "errors"

// noPoller is used on platforms without descriptor readiness support. Tasks
// can still be posted, but watches cannot be armed.
type noPoller struct{}

func newPoller() (poller, error) { return noPoller{}, nil }

func (noPoller) arm(int, Event, func()) error { return errors.ErrUnsupported }
func (noPoller) disarm(int, Event)            {}
func (noPoller) close() error                 { return nil }
