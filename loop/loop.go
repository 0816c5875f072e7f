// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package loop implements the single-goroutine event loop that owns every
// channel, socket, and TLS session of a process.
//
// Tasks posted to a [Loop] run one at a time, in order, on the goroutine
// that called [Loop.Run]. The only suspension points are OS readiness events:
// a caller arms a one-shot [Watch] on a descriptor, and when the descriptor
// becomes ready the watch callback is posted back onto the loop. Work that
// must block (for example a blocking handshake with a peer process) runs on a
// helper goroutine and posts its result to the loop with [Loop.Post].
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/eapache/queue"
)

// ErrStopped is reported by Run when the loop was stopped with Stop.
var ErrStopped = errors.New("loop stopped")

// A Loop is a serial task runner with OS readiness notification.
// A Loop must be constructed with [New].
type Loop struct {
	μ      sync.Mutex
	inbox  *queue.Queue // of func()
	closed bool

	wake chan struct{}
	stop chan struct{}
	once sync.Once

	poller poller
}

// New constructs a new loop. The caller must call Run to start processing
// tasks, and Close when the loop is no longer needed.
func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{
		inbox:  queue.New(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		poller: p,
	}, nil
}

// Post adds fn to the end of the task queue. It reports false if the loop has
// been stopped, in which case fn will never run.
// Post is safe for concurrent use by multiple goroutines.
func (l *Loop) Post(fn func()) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.closed {
		return false
	}
	l.inbox.Add(fn)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed arranges for fn to be posted to l after d has elapsed. The
// returned function cancels the timer, and reports whether it stopped the
// timer before fn was posted.
func (l *Loop) PostDelayed(d time.Duration, fn func()) (cancel func() bool) {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

// Do posts fn to l and blocks until it has run. It reports false without
// waiting if the loop has been stopped. Do must not be called by a task
// running on l.
func (l *Loop) Do(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() { defer close(done); fn() }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.stop:
		return false
	}
}

func (l *Loop) next() (func(), bool) {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.inbox.Length() == 0 {
		return nil, false
	}
	return l.inbox.Remove().(func()), true
}

// Run executes tasks until ctx ends or Stop is called. It reports
// [ErrStopped] after Stop, or the context error if ctx ended.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
			select {
			case <-l.stop:
				return ErrStopped
			default:
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return ErrStopped
		case <-l.wake:
		}
	}
}

// Start runs l on a new goroutine. The returned function stops the loop,
// waits for Run to return, and releases the poller.
func (l *Loop) Start(ctx context.Context) (stop func()) {
	run := taskgroup.Go(func() error { return l.Run(ctx) })
	return func() {
		l.Stop()
		run.Wait()
		l.Close()
	}
}

// Stop causes Run to return after the current task, and causes all further
// calls to Post to fail. Pending tasks are discarded.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.μ.Lock()
		l.closed = true
		for l.inbox.Length() != 0 {
			l.inbox.Remove()
		}
		l.μ.Unlock()
		close(l.stop)
	})
}

// Close stops l if it is running and releases its poller.
func (l *Loop) Close() error {
	l.Stop()
	return l.poller.close()
}

// Event is a set of readiness conditions on a descriptor.
type Event byte

const (
	Readable Event = 1 << iota
	Writable
)

func (e Event) String() string {
	switch e {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	}
	return "none"
}

// A Watch is a one-shot registration of interest in one readiness event on a
// descriptor. Its callback runs on the loop at most once.
type Watch struct {
	l    *Loop
	fd   int
	ev   Event
	fn   func()
	done bool
}

// Watch arranges for fn to run on l once fd reports ev. An error or hangup on
// fd also triggers the watch. At most one watch per direction may be armed on
// a given descriptor at a time.
//
// Watch must be called from a task running on l.
func (l *Loop) Watch(fd int, ev Event, fn func()) (*Watch, error) {
	w := &Watch{l: l, fd: fd, ev: ev, fn: fn}
	if err := l.poller.arm(fd, ev, func() { l.Post(w.fire) }); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watch) fire() {
	if w.done {
		return
	}
	w.done = true
	w.fn()
}

// Cancel disarms w. After Cancel returns, the callback of w will not run.
// Cancel must be called from a task running on the loop; it is safe to call
// more than once.
func (w *Watch) Cancel() {
	if w == nil || w.done {
		return
	}
	w.done = true
	w.l.poller.disarm(w.fd, w.ev)
}

// A poller delivers one-shot readiness notifications. The fire callback of an
// armed registration is invoked at most once, from a goroutine belonging to
// the poller.
type poller interface {
	arm(fd int, ev Event, fire func()) error
	disarm(fd int, ev Event)
	close() error
}
