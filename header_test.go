// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package conduit_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/conduit"
	"github.com/creachadair/conduit/status"
	"github.com/google/go-cmp/cmp"
)

func TestHeader(t *testing.T) {
	h := conduit.Header{Size: 0x01020304}
	enc := h.Encode()
	if diff := cmp.Diff([]byte{'C', 'D', 0, 0, 1, 2, 3, 4}, enc); diff != "" {
		t.Errorf("Encode (-want, +got):\n%s", diff)
	}
	got, err := conduit.ParseHeader(enc)
	if err != nil {
		t.Fatalf("ParseHeader: unexpected error: %v", err)
	}
	if got != h {
		t.Errorf("ParseHeader: got %+v, want %+v", got, h)
	}

	for _, bad := range []string{"", "CD\x00\x00", "XY\x00\x00\x00\x00\x00\x01", "CD\x01\x00\x00\x00\x00\x01"} {
		if h, err := conduit.ParseHeader([]byte(bad)); !status.Is(err, status.DataLoss) {
			t.Errorf("ParseHeader(%q): got (%+v, %v), want DataLoss", bad, h, err)
		}
	}
}

func TestMessageIO(t *testing.T) {
	var buf bytes.Buffer
	msgs := []string{"hello", "", strings.Repeat("x", 5000)}
	for _, m := range msgs {
		nw, err := conduit.WriteMessage(&buf, []byte(m))
		if err != nil {
			t.Fatalf("WriteMessage: unexpected error: %v", err)
		}
		if want := int64(conduit.HeaderSize + len(m)); nw != want {
			t.Errorf("WriteMessage: wrote %d bytes, want %d", nw, want)
		}
	}
	for _, want := range msgs {
		got, err := conduit.ReadMessage(&buf, 0)
		if err != nil {
			t.Fatalf("ReadMessage: unexpected error: %v", err)
		}
		if string(got) != want {
			t.Errorf("ReadMessage: got %d bytes, want %d", len(got), len(want))
		}
	}
	if msg, err := conduit.ReadMessage(&buf, 0); !errors.Is(err, io.EOF) {
		t.Errorf("ReadMessage at end: got (%q, %v), want EOF", msg, err)
	}

	t.Run("Limit", func(t *testing.T) {
		var buf bytes.Buffer
		conduit.WriteMessage(&buf, make([]byte, 100))
		if _, err := conduit.ReadMessage(&buf, 99); !status.Is(err, status.Aborted) {
			t.Errorf("ReadMessage: got %v, want Aborted", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		enc := append(conduit.Header{Size: 10}.Encode(), "short"...)
		if _, err := conduit.ReadMessage(bytes.NewReader(enc), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadMessage: got %v, want %v", err, io.ErrUnexpectedEOF)
		}
	})
}
