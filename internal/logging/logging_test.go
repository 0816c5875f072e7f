// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package logging_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/creachadair/conduit/config"
	"github.com/creachadair/conduit/internal/logging"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func restoreGlobals(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })
}

// readRecords returns the messages and levels logged as JSON to path.
func readRecords(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open log: %v", err)
	}
	defer f.Close()

	var got []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		var rec struct {
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		if err := json.Unmarshal(s.Bytes(), &rec); err != nil {
			t.Fatalf("Decode log record %q: %v", s.Text(), err)
		}
		got = append(got, rec.Level+" "+rec.Msg)
	}
	return got
}

func TestSetup(t *testing.T) {
	for _, rotate := range []bool{false, true} {
		name := map[bool]string{false: "File", true: "Rotated"}[rotate]
		t.Run(name, func(t *testing.T) {
			restoreGlobals(t)
			path := filepath.Join(t.TempDir(), "logs", "conduit.log")

			c := config.Default().Log
			c.Level = "warning"
			c.Format = "json"
			c.Outputs = []string{path}
			c.Rotation.Enable = rotate
			log, closer, err := logging.Setup(c)
			if err != nil {
				t.Fatalf("Setup: unexpected error: %v", err)
			}

			zap.L().Named("test").Info("hidden")
			zap.L().Named("test").Warn("shown", zap.Int("n", 1))
			log.Error("also shown")
			log.Sync()
			if err := closer.Close(); err != nil {
				t.Errorf("Close: unexpected error: %v", err)
			}

			want := []string{"warn shown", "error also shown"}
			if diff := cmp.Diff(want, readRecords(t, path)); diff != "" {
				t.Errorf("Log records (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestSetupErrors(t *testing.T) {
	restoreGlobals(t)
	for _, c := range []config.LogConfig{
		{Level: "loud"},
		{Level: "info", Format: "xml"},
		{Level: "info", Outputs: []string{filepath.Join(t.TempDir(), "missing", "\x00", "log")}},
	} {
		if log, _, err := logging.Setup(c); err == nil {
			t.Errorf("Setup(%+v): got %v, want error", c, log)
		}
	}
}
