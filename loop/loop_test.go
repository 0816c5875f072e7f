// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package loop_test

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/conduit/loop"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func startLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	l, err := loop.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, l.Start(t.Context())
}

func TestPostOrder(t *testing.T) {
	defer leaktest.Check(t)()
	l, stop := startLoop(t)
	defer stop()

	var got []int
	for i := range 10 {
		l.Post(func() { got = append(got, i) })
	}
	if !l.Do(func() {}) {
		t.Fatal("Do: loop is stopped")
	}
	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Task order (-want, +got):\n%s", diff)
	}
}

func TestStop(t *testing.T) {
	l, err := loop.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- l.Run(t.Context()) }()

	l.Do(func() {})
	l.Stop()
	if err := <-errc; !errors.Is(err, loop.ErrStopped) {
		t.Errorf("Run: got %v, want %v", err, loop.ErrStopped)
	}
	if l.Post(func() { t.Error("Task ran after stop") }) {
		t.Error("Post after Stop reported success")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPostDelayed(t *testing.T) {
	l, stop := startLoop(t)
	defer stop()

	done := make(chan struct{})
	l.PostDelayed(10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Delayed task did not run")
	}

	cancel := l.PostDelayed(time.Hour, func() { t.Error("Cancelled task ran") })
	if !cancel() {
		t.Error("Cancel did not stop the timer")
	}
}

func TestWatch(t *testing.T) {
	defer leaktest.Check(t)()
	l, stop := startLoop(t)
	defer stop()

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	ready := make(chan loop.Event, 2)
	l.Do(func() {
		if _, err := l.Watch(p[0], loop.Readable, func() { ready <- loop.Readable }); err != nil {
			t.Errorf("Watch readable: %v", err)
		}
		if _, err := l.Watch(p[1], loop.Writable, func() { ready <- loop.Writable }); err != nil {
			t.Errorf("Watch writable: %v", err)
		}
	})

	// The write end of an empty pipe is immediately writable.
	if ev := <-ready; ev != loop.Writable {
		t.Errorf("First event: got %v, want %v", ev, loop.Writable)
	}
	select {
	case ev := <-ready:
		t.Fatalf("Unexpected event before write: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	unix.Write(p[1], []byte("x"))
	if ev := <-ready; ev != loop.Readable {
		t.Errorf("Second event: got %v, want %v", ev, loop.Readable)
	}
}

func TestWatchCancel(t *testing.T) {
	l, stop := startLoop(t)
	defer stop()

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	l.Do(func() {
		w, err := l.Watch(p[0], loop.Readable, func() { t.Error("Cancelled watch fired") })
		if err != nil {
			t.Errorf("Watch: %v", err)
			return
		}
		w.Cancel()
		w.Cancel() // idempotent
	})
	unix.Write(p[1], []byte("x"))

	// Re-arming the same direction after a cancel is permitted.
	fired := make(chan struct{})
	l.Do(func() {
		if _, err := l.Watch(p[0], loop.Readable, func() { close(fired) }); err != nil {
			t.Errorf("Watch: %v", err)
		}
	})
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("Re-armed watch did not fire")
	}
}
