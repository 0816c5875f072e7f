// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package broker_test

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/loop"
	"github.com/creachadair/conduit/shm/broker"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestPipeServesInTurn(t *testing.T) {
	defer leaktest.Check(t)()
	lp, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	defer lp.Start(t.Context())()

	// Each exchange gets a distinct blob, so two subscribers sharing an
	// exchange would show up as a duplicate.
	var next int
	pub := broker.NewPipe(lp)
	defer pub.Close()
	var def chandef.Def
	lp.Do(func() {
		def, err = pub.Setup(func(d *broker.Data) error {
			next++
			d.Blob = fmt.Appendf(nil, "blob-%d", next)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	const numSubs = 4
	sub := broker.NewPipe(lp)
	defer sub.Close()
	ch := make(chan string, numSubs)
	for range numSubs {
		lp.Post(func() {
			sub.WaitForBroker(def, func(d broker.Data, err error) {
				if err != nil {
					ch <- err.Error()
				} else {
					ch <- string(d.Blob)
				}
			})
		})
	}

	var got []string
	for range numSubs {
		select {
		case s := <-ch:
			got = append(got, s)
		case <-time.After(10 * time.Second):
			t.Fatal("Timed out waiting for the broker")
		}
	}
	sort.Strings(got)
	want := []string{"blob-1", "blob-2", "blob-3", "blob-4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Blobs (-want, +got):\n%s", diff)
	}
}
