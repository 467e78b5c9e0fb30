// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint and exit-status helpers
// for Domex daemons. Fatal centralizes pre-logger error reporting in
// main(); ExitCode converts the error from exec.Cmd.Wait into the
// integer exit code that Domex propagates across domains.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard Domex binary entrypoint error handler. Use it in main()
// for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode converts the error returned by exec.Cmd.Wait into a process
// exit code. A nil error is exit 0. A process killed by a signal maps
// to 128+signal, the shell convention, so a SIGPIPE death on the target
// side reaches the client as 141 rather than as a lost status. Errors
// that are not exit statuses (wait failures) map to 255.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 255
	}
	// os/exec reports the status as a syscall.WaitStatus; convert so
	// the signal decoding matches the x/sys constants used elsewhere.
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws := unix.WaitStatus(status); ws.Signaled() {
			return 128 + int(ws.Signal())
		}
	}
	return exitErr.ExitCode()
}
