// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chandef_test

import (
	"testing"

	"github.com/creachadair/conduit/chandef"
	"github.com/creachadair/conduit/status"
	"github.com/google/go-cmp/cmp"
)

func TestParseDef(t *testing.T) {
	tests := []struct {
		input string
		want  chandef.Def
	}{
		{"tcp://10.0.0.5:41000", chandef.TCPDef("10.0.0.5", 41000)},
		{"udp://239.1.2.3:5000", chandef.UDPDef("239.1.2.3", 5000)},
		{"ws://[::1]:8080", chandef.WSDef("::1", 8080)},
		{"uds:///tmp/conduit.sock", chandef.UDSDef("/tmp/conduit.sock", false)},
		{"uds://@conduit-1a2b", chandef.UDSDef("conduit-1a2b", true)},
		{"shm+uds://@conduit-1a2b", chandef.SHMDef(chandef.UDSDef("conduit-1a2b", true))},
		{"shm+tcp://127.0.0.1:9", chandef.SHMDef(chandef.TCPDef("127.0.0.1", 9))},
	}
	for _, tc := range tests {
		got, err := chandef.ParseDef(tc.input)
		if err != nil {
			t.Errorf("ParseDef(%q): unexpected error: %v", tc.input, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseDef(%q) (-want, +got):\n%s", tc.input, diff)
		}
		if s := got.String(); s != tc.input {
			t.Errorf("String: got %q, want %q", s, tc.input)
		}
	}
}

func TestParseDefErrors(t *testing.T) {
	for _, bad := range []string{
		"",
		"tcp:10.0.0.5:41000",    // missing scheme separator
		"quic://10.0.0.5:4100",  // unknown type
		"tcp://example.com:80",  // not an IP
		"tcp://10.0.0.5:0",      // zero port
		"uds://",                // empty path
		"shm+udp://239.1.2.3:5", // bad broker type
	} {
		d, err := chandef.ParseDef(bad)
		if err == nil {
			t.Errorf("ParseDef(%q): got %v, want error", bad, d)
		} else if !status.Is(err, status.InvalidArgument) {
			t.Errorf("ParseDef(%q): got %v, want InvalidArgument", bad, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  chandef.Def
		ok   bool
	}{
		{"TCP", chandef.TCPDef("127.0.0.1", 80), true},
		{"NoEndpoint", chandef.Def{Type: chandef.TCP}, false},
		{"MixedEndpoints", chandef.Def{
			Type: chandef.UDS,
			IP:   &chandef.IPEndpoint{IP: "127.0.0.1", Port: 80},
			UDS:  &chandef.UDSEndpoint{SocketPath: "x"},
		}, false},
		{"WrongVariant", chandef.Def{Type: chandef.UDP, UDS: &chandef.UDSEndpoint{SocketPath: "x"}}, false},
		{"InvalidType", chandef.Def{}, false},
		{"SHM", chandef.SHMDef(chandef.UDSDef("b", true)), true},
		{"SHMBadBroker", chandef.SHMDef(chandef.Def{Type: chandef.TCP}), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.def.Valid(); got != tc.ok {
				t.Errorf("Valid(%v): got %v, want %v (err=%v)", tc.def, got, tc.ok, tc.def.Validate())
			}
		})
	}
}

func TestEqual(t *testing.T) {
	a := chandef.TCPDef("127.0.0.1", 80)
	if !a.Equal(chandef.TCPDef("127.0.0.1", 80)) {
		t.Error("Equal defs compare unequal")
	}
	if a.Equal(chandef.WSDef("127.0.0.1", 80)) {
		t.Error("Defs of different types compare equal")
	}
	if a.Equal(chandef.TCPDef("127.0.0.1", 81)) {
		t.Error("Defs with different ports compare equal")
	}
	s := chandef.SHMDef(chandef.UDSDef("x", true))
	if !s.Equal(chandef.SHMDef(chandef.UDSDef("x", true))) {
		t.Error("Equal SHM defs compare unequal")
	}
	if s.Equal(chandef.SHMDef(chandef.UDSDef("x", false))) {
		t.Error("SHM defs with different brokers compare equal")
	}
}

func TestSource(t *testing.T) {
	src := chandef.Source{Defs: []chandef.Def{
		chandef.TCPDef("10.0.0.1", 5000),
		chandef.UDSDef("conduit-x", true),
	}}
	if !src.Valid() {
		t.Fatalf("Source %v is not valid", src)
	}
	if d, ok := src.Find(chandef.UDS); !ok || d.UDS.SocketPath != "conduit-x" {
		t.Errorf("Find(UDS): got %v, %v", d, ok)
	}
	if _, ok := src.Find(chandef.WS); ok {
		t.Error("Find(WS): unexpectedly found")
	}

	rev := chandef.Source{Defs: []chandef.Def{src.Defs[1], src.Defs[0]}}
	if !src.Same(rev) {
		t.Error("Same: reordered source does not match")
	}

	dup := chandef.Source{Defs: []chandef.Def{src.Defs[0], chandef.TCPDef("10.0.0.2", 5000)}}
	if dup.Valid() {
		t.Error("Source with duplicate types reported valid")
	}
	if (chandef.Source{}).Valid() {
		t.Error("Empty source reported valid")
	}

	text, err := src.EncodeYAML()
	if err != nil {
		t.Fatalf("EncodeYAML: %v", err)
	}
	t.Logf("YAML:\n%s", text)
	got, err := chandef.DecodeSource(text)
	if err != nil {
		t.Fatalf("DecodeSource: %v", err)
	}
	if !got.Same(src) {
		t.Errorf("DecodeSource: got %v, want %v", got, src)
	}
}
