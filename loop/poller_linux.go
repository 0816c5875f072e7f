// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build linux

package loop

import (
	"errors"
	"sync"

	"github.com/creachadair/taskgroup"
	"golang.org/x/sys/unix"
)

// epollPoller multiplexes one-shot watches over a single epoll instance. A
// background goroutine waits for events and fires the matching callbacks.
type epollPoller struct {
	epfd int
	efd  int // eventfd used to interrupt the waiter on close

	μ      sync.Mutex
	fds    map[int]*interest
	closed bool

	wait *taskgroup.Group
}

type interest struct {
	read, write func()
}

func (in *interest) mask() uint32 {
	var ev uint32
	if in.read != nil {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in.write != nil {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(efd),
	}); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{epfd: epfd, efd: efd, fds: make(map[int]*interest)}
	p.wait = taskgroup.New(nil)
	p.wait.Go(p.run)
	return p, nil
}

func (p *epollPoller) arm(fd int, ev Event, fire func()) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		return errors.New("poller is closed")
	}
	in, ok := p.fds[fd]
	if !ok {
		in = new(interest)
	}
	if ev&Readable != 0 {
		if in.read != nil {
			panic("loop: read watch already armed")
		}
		in.read = fire
	}
	if ev&Writable != 0 {
		if in.write != nil {
			panic("loop: write watch already armed")
		}
		in.write = fire
	}
	op := unix.EPOLL_CTL_MOD
	if !ok {
		op = unix.EPOLL_CTL_ADD
	}
	err := unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{
		Events: in.mask() | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	})
	if errors.Is(err, unix.ENOENT) && op == unix.EPOLL_CTL_MOD {
		// The descriptor was disarmed after its last event fired.
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: in.mask() | unix.EPOLLONESHOT,
			Fd:     int32(fd),
		})
	}
	if err != nil {
		return err
	}
	p.fds[fd] = in
	return nil
}

func (p *epollPoller) disarm(fd int, ev Event) {
	p.μ.Lock()
	defer p.μ.Unlock()
	in, ok := p.fds[fd]
	if !ok {
		return
	}
	if ev&Readable != 0 {
		in.read = nil
	}
	if ev&Writable != 0 {
		in.write = nil
	}
	p.update(fd, in)
}

// update re-registers or removes fd to match in. The caller must hold p.μ.
func (p *epollPoller) update(fd int, in *interest) {
	if in.read == nil && in.write == nil {
		delete(p.fds, fd)
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: in.mask() | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	})
}

func (p *epollPoller) run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return err
		}
		var fire []func()
		p.μ.Lock()
		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			if fd == p.efd {
				if p.closed {
					p.μ.Unlock()
					return nil
				}
				continue
			}
			in, ok := p.fds[fd]
			if !ok {
				continue
			}
			failed := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
			if in.read != nil && (failed || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0) {
				fire = append(fire, in.read)
				in.read = nil
			}
			if in.write != nil && (failed || ev.Events&unix.EPOLLOUT != 0) {
				fire = append(fire, in.write)
				in.write = nil
			}
			// The registration is one-shot, so re-arm whatever interest remains.
			p.update(fd, in)
		}
		p.μ.Unlock()
		for _, f := range fire {
			f()
		}
	}
}

func (p *epollPoller) close() error {
	p.μ.Lock()
	if p.closed {
		p.μ.Unlock()
		return nil
	}
	p.closed = true
	p.μ.Unlock()

	var one [8]byte
	one[0] = 1
	unix.Write(p.efd, one[:])
	err := p.wait.Wait()
	unix.Close(p.efd)
	unix.Close(p.epfd)
	return err
}
