// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package broker_test

import (
	"strings"
	"testing"
	"time"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/shm"
	"github.com/creachadair/conduit/shm/broker"
	"github.com/creachadair/conduit/status"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func startLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	lp, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	return lp, lp.Start(t.Context())
}

type result struct {
	data broker.Data
	err  error
}

func waitData(t *testing.T, lp *loop.Loop, b broker.Broker, def chandef.Def) result {
	t.Helper()
	ch := make(chan result, 1)
	lp.Post(func() {
		b.WaitForBroker(def, func(d broker.Data, err error) { ch <- result{d, err} })
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for the broker")
	}
	panic("unreachable")
}

func TestExchange(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	const size = 128
	region, err := shm.Create(size)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()
	meta := shm.NewMetadata(shm.ReadOnly, size)

	var fills int
	pub := broker.New(lp)
	var def chandef.Def
	lp.Do(func() {
		def, err = pub.Setup(func(d *broker.Data) error {
			fills++
			d.Handle, d.ReadOnlyHandle = region.Handles()
			d.Blob = meta.Encode()
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer lp.Do(func() { pub.Close() })

	sub := broker.New(lp)
	defer lp.Do(func() { sub.Close() })

	// Each subscriber gets its own copy of the handles.
	for i := range 2 {
		r := waitData(t, lp, sub, chandef.SHMDef(def))
		if r.err != nil {
			t.Fatalf("WaitForBroker %d: %v", i+1, r.err)
		}
		got, err := shm.DecodeMetadata(r.data.Blob)
		if err != nil {
			t.Fatalf("DecodeMetadata: %v", err)
		}
		if diff := cmp.Diff(meta, got); diff != "" {
			t.Errorf("Metadata (-want, +got):\n%s", diff)
		}
		if r.data.Handle < 0 || r.data.ReadOnlyHandle < 0 {
			t.Fatalf("WaitForBroker: got handles %d, %d", r.data.Handle, r.data.ReadOnlyHandle)
		}
		unix.Close(r.data.Handle)

		rd, err := shm.Open(r.data.ReadOnlyHandle, got.Size, got.Mode)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		msg := "message " + strings.Repeat("x", i)
		if err := region.Write([]byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		buf := make([]byte, size)
		if _, err := rd.Read(buf); err != nil {
			t.Errorf("Read: %v", err)
		} else if got := string(buf[:len(msg)]); got != msg {
			t.Errorf("Read: got %q, want %q", got, msg)
		}
		rd.Close()
	}
	lp.Do(func() {
		if fills != 2 {
			t.Errorf("Fill calls: got %d, want 2", fills)
		}
	})
}

func TestOversizedBlob(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	pub := broker.New(lp)
	var def chandef.Def
	var err error
	lp.Do(func() {
		def, err = pub.Setup(func(d *broker.Data) error {
			d.Blob = make([]byte, broker.MaxBlobSize+1)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer lp.Do(func() { pub.Close() })

	sub := broker.New(lp)
	defer lp.Do(func() { sub.Close() })
	if r := waitData(t, lp, sub, def); !status.Is(r.err, status.DataLoss) {
		t.Errorf("WaitForBroker: got %v, want DataLoss", r.err)
	}
}

func TestInvalidDef(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	sub := broker.New(lp)
	defer lp.Do(func() { sub.Close() })
	r := waitData(t, lp, sub, chandef.TCPDef("127.0.0.1", 80))
	if !status.Is(r.err, status.InvalidArgument) {
		t.Errorf("WaitForBroker: got %v, want InvalidArgument", r.err)
	}
}

// setupFill starts a publisher on lp that fills each exchange with fill.
func setupFill(t *testing.T, lp *loop.Loop, fill broker.FillFunc) (broker.Broker, chandef.Def) {
	t.Helper()
	pub := broker.New(lp)
	var def chandef.Def
	var err error
	lp.Do(func() { def, err = pub.Setup(fill) })
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return pub, def
}

func TestPrimaryHandleOnly(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	region, err := shm.Create(64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()
	meta := shm.NewMetadata(shm.Writable, 64)

	pub, def := setupFill(t, lp, func(d *broker.Data) error {
		d.Handle, _ = region.Handles()
		d.Blob = meta.Encode()
		return nil
	})
	defer lp.Do(func() { pub.Close() })

	sub := broker.New(lp)
	defer lp.Do(func() { sub.Close() })
	r := waitData(t, lp, sub, def)
	if r.err != nil {
		t.Fatalf("WaitForBroker: %v", r.err)
	}
	if r.data.Handle < 0 || r.data.ReadOnlyHandle >= 0 {
		t.Fatalf("WaitForBroker: got handles %d, %d; want primary only", r.data.Handle, r.data.ReadOnlyHandle)
	}

	// The primary handle maps the writable region.
	rw, err := shm.Open(r.data.Handle, meta.Size, meta.Mode)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rw.Close()
	if err := rw.Write([]byte("from the subscriber")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	const want = "from the subscriber"
	buf := make([]byte, 64)
	if _, err := region.Read(buf); err != nil {
		t.Errorf("Read: %v", err)
	} else if got := string(buf[:len(want)]); got != want {
		t.Errorf("Read: got %q, want %q", got, want)
	}
}

func TestReadOnlyWithoutPrimary(t *testing.T) {
	defer leaktest.Check(t)()
	lp, stop := startLoop(t)
	defer stop()

	region, err := shm.Create(64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()

	pub, def := setupFill(t, lp, func(d *broker.Data) error {
		_, d.ReadOnlyHandle = region.Handles()
		d.Blob = []byte("meta")
		return nil
	})
	defer lp.Do(func() { pub.Close() })

	sub := broker.New(lp)
	defer lp.Do(func() { sub.Close() })
	if r := waitData(t, lp, sub, def); !status.Is(r.err, status.DataLoss) {
		t.Errorf("WaitForBroker: got %v, want DataLoss", r.err)
	}
}
