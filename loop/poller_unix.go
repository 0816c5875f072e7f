// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix && !linux

package loop

import (
	"errors"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a waiter sleeps in poll(2) before it checks
// whether its registration was cancelled.
const pollInterval = 50 * time.Millisecond

// pollPoller runs one waiter goroutine per armed registration, each blocked
// in poll(2) on a single descriptor.
type pollPoller struct {
	μ      sync.Mutex
	regs   map[regKey]*pollReg
	closed bool
	tasks  *taskgroup.Group
}

type regKey struct {
	fd int
	ev Event
}

type pollReg struct {
	cancelled bool
}

func newPoller() (poller, error) {
	return &pollPoller{regs: make(map[regKey]*pollReg), tasks: taskgroup.New(nil)}, nil
}

func (p *pollPoller) arm(fd int, ev Event, fire func()) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		return errors.New("poller is closed")
	}
	key := regKey{fd, ev}
	if _, ok := p.regs[key]; ok {
		panic("loop: watch already armed")
	}
	reg := new(pollReg)
	p.regs[key] = reg

	var events int16
	if ev&Readable != 0 {
		events |= unix.POLLIN
	}
	if ev&Writable != 0 {
		events |= unix.POLLOUT
	}
	p.tasks.Go(func() error {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
		for {
			n, err := unix.Poll(pfd, int(pollInterval/time.Millisecond))
			p.μ.Lock()
			if reg.cancelled || p.closed {
				p.μ.Unlock()
				return nil
			}
			if errors.Is(err, unix.EINTR) || (err == nil && n == 0) {
				p.μ.Unlock()
				continue
			}
			// Ready, failed, or hung up: in every case the watch fires.
			delete(p.regs, key)
			p.μ.Unlock()
			fire()
			return nil
		}
	})
	return nil
}

func (p *pollPoller) disarm(fd int, ev Event) {
	p.μ.Lock()
	defer p.μ.Unlock()
	key := regKey{fd, ev}
	if reg, ok := p.regs[key]; ok {
		reg.cancelled = true
		delete(p.regs, key)
	}
}

func (p *pollPoller) close() error {
	p.μ.Lock()
	p.closed = true
	p.μ.Unlock()
	return p.tasks.Wait()
}
