// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/conduit/config"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatalf("Write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONDUIT_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("Config (-want, +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "conduit.yaml", `
log:
  level: debug
  format: json
  outputs: [stdout]
net:
  host: 127.0.0.1
  send_buffer_size: 4096
  dynamic_buffers: true
tls:
  enable: true
  handshake_timeout: 3s
ws:
  permessage_deflate: true
  server_max_window_bits: 12
`)
	t.Setenv("CONDUIT_SHM_REGION_SIZE", "65536")
	t.Setenv("CONDUIT_LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}

	want := config.Default()
	want.Log.Level = "warn" // from the environment
	want.Log.Format = "json"
	want.Log.Outputs = []string{"stdout"}
	want.Net = config.NetConfig{Host: "127.0.0.1", SendBufferSize: 4096, DynamicBuffers: true}
	want.TLS.Enable = true
	want.TLS.HandshakeTimeout = 3 * time.Second
	want.WS = config.WSConfig{PermessageDeflate: true, ServerMaxWindowBits: 12}
	want.Shm.RegionSize = 65536
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Config (-want, +got):\n%s", diff)
	}
}

func TestLoadEnvPath(t *testing.T) {
	path := writeFile(t, "other.yaml", "shm:\n  region_size: 8192\n")
	t.Setenv("CONDUIT_CONFIG", path)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if got, want := cfg.Shm.RegionSize, 8192; got != want {
		t.Errorf("Region size: got %d, want %d", got, want)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, text string
	}{
		{"Syntax", "log: [\n"},
		{"Level", "log:\n  level: loud\n"},
		{"Format", "log:\n  format: xml\n"},
		{"Buffers", "net:\n  receive_buffer_size: -1\n"},
		{"KeyPair", "tls:\n  cert_file: cert.pem\n"},
		{"WindowBits", "ws:\n  server_max_window_bits: 20\n"},
		{"RegionSize", "shm:\n  region_size: -5\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "bad.yaml", tc.text)
			if cfg, err := config.Load(path); err == nil {
				t.Errorf("Load: got %+v, want error", cfg)
			}
		})
	}
}
