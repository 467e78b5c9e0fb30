// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package client invokes Domex services through the local agent's
// client socket and streams the caller's stdin/stdout/stderr across.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/domex-project/domex/lib/wire"
)

// RefusalError is a refused invocation: the service never ran (or was
// aborted mid-flight) and Reason says why.
type RefusalError struct {
	Reason string
	Detail string
}

func (e *RefusalError) Error() string {
	if e.Detail == "" {
		return "invocation refused: " + e.Reason
	}
	return fmt.Sprintf("invocation refused: %s (%s)", e.Reason, e.Detail)
}

// ExitStatus maps the refusal to the CLI exit code convention:
// policy denials exit 126, everything else 125.
func (e *RefusalError) ExitStatus() int {
	if e.Reason == wire.ReasonPolicyDenied {
		return 126
	}
	return 125
}

// Invoke calls a service and relays the three standard streams,
// returning the service's exit code. target is a domain name,
// "@adminvm", or empty to let policy pick. A refusal returns a
// *RefusalError; transport failures return other errors. stdin may be
// nil for a service that gets no input.
func Invoke(ctx context.Context, socket, target, service string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	raw, err := net.Dial("unix", socket)
	if err != nil {
		return 0, fmt.Errorf("dial agent: %w", err)
	}
	c := raw.(*net.UnixConn)
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	invoke, err := wire.ControlFrame(0, wire.Control{
		Type:    wire.TypeInvoke,
		Service: service,
		Target:  target,
	})
	if err != nil {
		return 0, err
	}
	if err := wire.WriteFrame(c, invoke); err != nil {
		return 0, fmt.Errorf("send invoke: %w", err)
	}

	// Input pumps on its own goroutine so a service that floods output
	// while we flood input cannot wedge either direction. Writes hitting
	// a torn-down socket just end the pump: the service is gone and the
	// verdict arrives on the read side.
	go pumpStdin(c, stdin)

	return await(ctx, c, stdout, stderr)
}

// pumpStdin copies stdin to the agent as stdin frames followed by the
// EOF marker, half-closing the socket's write side when done.
func pumpStdin(c *net.UnixConn, stdin io.Reader) {
	defer c.CloseWrite()
	buffer := make([]byte, wire.MaxPayload)
	for stdin != nil {
		n, err := stdin.Read(buffer)
		if n > 0 {
			if wire.WriteFrame(c, wire.DataFrame(0, wire.StreamStdin, buffer[:n])) != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}
	_ = wire.WriteFrame(c, wire.EOFFrame(0, wire.StreamStdin))
}

// await drains output frames until the terminal control arrives.
func await(ctx context.Context, c io.Reader, stdout, stderr io.Writer) (int, error) {
	for {
		frame, err := wire.ReadFrame(c)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("agent connection lost: %w", err)
		}
		switch frame.Stream {
		case wire.StreamStdout:
			if !frame.EOF() && stdout != nil {
				if _, err := stdout.Write(frame.Payload); err != nil {
					return 0, fmt.Errorf("write output: %w", err)
				}
			}
		case wire.StreamStderr:
			if !frame.EOF() && stderr != nil {
				if _, err := stderr.Write(frame.Payload); err != nil {
					return 0, fmt.Errorf("write diagnostics: %w", err)
				}
			}
		case wire.StreamControl:
			control, err := wire.ParseControl(frame)
			if err != nil {
				return 0, fmt.Errorf("malformed control from agent: %w", err)
			}
			switch control.Type {
			case wire.TypeAccepted:
			case wire.TypeRefused:
				return 0, &RefusalError{Reason: control.Reason, Detail: control.Detail}
			case wire.TypeExit:
				if control.ExitCode == nil {
					return 0, errors.New("exit control without a code")
				}
				return *control.ExitCode, nil
			}
		}
	}
}
