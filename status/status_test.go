// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package status_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/creachadair/conduit/status"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want status.Kind
	}{
		{nil, status.OK},
		{io.EOF, status.NetworkError},
		{status.InvalidArgumentf("bad port %d", 0), status.InvalidArgument},
		{status.Abortedf("not enough buffer"), status.Aborted},
		{fmt.Errorf("wrapped: %w", status.DataLossf("short")), status.DataLoss},
		{status.WithCode(status.NetworkError, "ERR_CONNECTION_RESET", nil), status.NetworkError},
	}
	for _, tc := range tests {
		if got := status.KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIs(t *testing.T) {
	reset := status.WithCode(status.NetworkError, "ERR_CONNECTION_RESET", errors.New("boom"))

	if !errors.Is(reset, &status.Error{Kind: status.NetworkError}) {
		t.Error("Kind-only target did not match")
	}
	if !errors.Is(reset, &status.Error{Kind: status.NetworkError, Code: "ERR_CONNECTION_RESET"}) {
		t.Error("Code target did not match")
	}
	if errors.Is(reset, &status.Error{Kind: status.NetworkError, Code: "ERR_CONNECTION_CLOSED"}) {
		t.Error("Mismatched code target matched")
	}
	if errors.Is(reset, &status.Error{Kind: status.Aborted}) {
		t.Error("Mismatched kind target matched")
	}
	if got := status.CodeOf(fmt.Errorf("x: %w", reset)); got != "ERR_CONNECTION_RESET" {
		t.Errorf("CodeOf: got %q, want ERR_CONNECTION_RESET", got)
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *status.Error
		want string
	}{
		{status.Unavailablef("bind failed"), "UNAVAILABLE: bind failed"},
		{status.WithCode(status.NetworkError, "ERR_TIMED_OUT", nil), "NETWORK_ERROR: ERR_TIMED_OUT"},
		{status.WithCode(status.NetworkError, "ERR_FAILED", errors.New("oops")), "NETWORK_ERROR: ERR_FAILED: oops"},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error: got %q, want %q", got, tc.want)
		}
	}
}
