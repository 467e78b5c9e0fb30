// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"os/exec"
	"testing"

	"golang.org/x/sys/unix"
)

func TestExitCodeNil(t *testing.T) {
	t.Parallel()
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil): got %d, want 0", got)
	}
}

func TestExitCodeNonZero(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected non-nil error from exit 3")
	}
	if got := ExitCode(err); got != 3 {
		t.Errorf("ExitCode: got %d, want 3", got)
	}
}

func TestExitCodeSignal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kill string
		want int
	}{
		{kill: "TERM", want: 128 + int(unix.SIGTERM)},
		{kill: "KILL", want: 128 + int(unix.SIGKILL)},
	}
	for _, test := range tests {
		cmd := exec.Command("/bin/sh", "-c", "kill -"+test.kill+" $$")
		err := cmd.Run()
		if err == nil {
			t.Fatalf("expected non-nil error from SIG%s death", test.kill)
		}
		if got := ExitCode(err); got != test.want {
			t.Errorf("ExitCode after SIG%s: got %d, want %d", test.kill, got, test.want)
		}
	}
}

func TestExitCodeNonExitError(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("/nonexistent/binary")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected error starting nonexistent binary")
	}
	if got := ExitCode(err); got != 255 {
		t.Errorf("ExitCode: got %d, want 255", got)
	}
}
