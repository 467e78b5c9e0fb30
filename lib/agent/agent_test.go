// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/domex-project/domex/lib/link"
	"github.com/domex-project/domex/lib/testutil"
	"github.com/domex-project/domex/lib/wire"
)

// brokerStub plays the broker's side of an agent link: accept, check
// the hello, reply, and hand the test a running link.
func brokerStub(t *testing.T, directory string) (*link.Link, *collectRouter) {
	t.Helper()
	brokerSocket := filepath.Join(directory, "broker.sock")
	listener, err := net.Listen("unix", brokerSocket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	links := make(chan *link.Link, 1)
	go func() {
		transport, err := listener.Accept()
		if err != nil {
			return
		}
		lk := link.New(transport, testLogger())
		frame, err := lk.ReadFrame()
		if err != nil {
			lk.Close()
			return
		}
		hello, err := wire.ParseControl(frame)
		if err != nil || hello.Type != wire.TypeHello || hello.Domain != "work" {
			t.Errorf("handshake: got %+v, %v", hello, err)
			lk.Close()
			return
		}
		reply := wire.Control{Type: wire.TypeHello, Domain: "adminvm"}
		if err := lk.SendControl(0, reply); err != nil {
			lk.Close()
			return
		}
		links <- lk
	}()

	ctx, cancel := context.WithCancel(context.Background())
	agentSide := New(Options{
		Domain:           "work",
		BrokerSocket:     brokerSocket,
		ClientSocket:     filepath.Join(directory, "client.sock"),
		ServiceDirectory: directory,
	}, testLogger())
	runDone := make(chan error, 1)
	go func() { runDone <- agentSide.Run(ctx) }()

	lk := testutil.RequireReceive(t, links, 5*time.Second, "agent link")
	router := newCollectRouter()
	go func() { _ = lk.Run(ctx, router) }()
	t.Cleanup(func() {
		cancel()
		err := testutil.RequireReceive(t, runDone, 10*time.Second, "agent shutdown")
		if err != nil && !errors.Is(err, ErrLinkClosed) {
			t.Errorf("agent run: %v", err)
		}
		lk.Close()
	})
	return lk, router
}

func TestAgentExecutesService(t *testing.T) {
	t.Parallel()
	directory := testutil.SocketDir(t)
	if err := os.WriteFile(filepath.Join(directory, "test.Echo"), []byte("#!/bin/sh\ncat\n"), 0o755); err != nil {
		t.Fatalf("write service: %v", err)
	}
	lk, router := brokerStub(t, directory)

	exec := wire.Control{
		Type:       wire.TypeExec,
		Service:    "test.Echo",
		Source:     "personal",
		TargetType: wire.TargetByName,
		Target:     "work",
	}
	if err := lk.SendControl(2, exec); err != nil {
		t.Fatalf("send exec: %v", err)
	}
	// Payload frames ride right behind the exec; none may be dropped.
	if err := lk.Send(wire.DataFrame(2, wire.StreamStdin, []byte("hi"))); err != nil {
		t.Fatalf("send stdin: %v", err)
	}
	if err := lk.Send(wire.EOFFrame(2, wire.StreamStdin)); err != nil {
		t.Fatalf("send stdin EOF: %v", err)
	}

	var stdout bytes.Buffer
	accepted := false
	for {
		frame := testutil.RequireReceive(t, router.frames, 5*time.Second, "agent frame")
		if frame.Connection != 2 {
			t.Fatalf("frame on connection %d, want 2", frame.Connection)
		}
		if frame.Stream == wire.StreamControl {
			control, err := wire.ParseControl(frame)
			if err != nil {
				t.Fatalf("ParseControl: %v", err)
			}
			switch control.Type {
			case wire.TypeAccepted:
				accepted = true
				continue
			case wire.TypeExit:
				if !accepted {
					t.Error("exit before accepted")
				}
				if control.ExitCode == nil || *control.ExitCode != 0 {
					t.Errorf("exit: got %+v, want code 0", control)
				}
				if stdout.String() != "hi" {
					t.Errorf("echo: got %q, want %q", stdout.String(), "hi")
				}
				return
			default:
				t.Fatalf("unexpected control %q", control.Type)
			}
		}
		if frame.Stream == wire.StreamStdout && !frame.EOF() {
			stdout.Write(frame.Payload)
		}
	}
}

// waitForAccepted reads link frames until the accepted control for the
// given connection arrives.
func waitForAccepted(t *testing.T, router *collectRouter, connection uint32) {
	t.Helper()
	for {
		frame := testutil.RequireReceive(t, router.frames, 5*time.Second, "accept control")
		if frame.Connection != connection || frame.Stream != wire.StreamControl {
			continue
		}
		control, err := wire.ParseControl(frame)
		if err != nil {
			t.Fatalf("ParseControl: %v", err)
		}
		if control.Type == wire.TypeAccepted {
			return
		}
		t.Fatalf("unexpected control %q before accept", control.Type)
	}
}

// A broker that drops the link cleanly must still take running
// services down with it; their output has nowhere left to go.
func TestAgentLinkLossKillsService(t *testing.T) {
	t.Parallel()
	directory := testutil.SocketDir(t)
	pidPath := filepath.Join(directory, "pid")
	script := "#!/bin/sh\necho $$ > " + pidPath + "\nexec sleep 30\n"
	if err := os.WriteFile(filepath.Join(directory, "test.Sleep"), []byte(script), 0o755); err != nil {
		t.Fatalf("write service: %v", err)
	}
	lk, router := brokerStub(t, directory)

	exec := wire.Control{
		Type:       wire.TypeExec,
		Service:    "test.Sleep",
		Source:     "personal",
		TargetType: wire.TargetByName,
		Target:     "work",
	}
	if err := lk.SendControl(2, exec); err != nil {
		t.Fatalf("send exec: %v", err)
	}
	waitForAccepted(t, router, 2)

	pid := readPID(t, pidPath)
	lk.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return // process is gone
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("service pid %d still running after link loss", pid)
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				t.Fatalf("parse pid %q: %v", data, err)
			}
			return pid
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pid file %s never appeared", path)
	return 0
}

func TestAgentRefusesMissingService(t *testing.T) {
	t.Parallel()
	directory := testutil.SocketDir(t)
	lk, router := brokerStub(t, directory)

	exec := wire.Control{
		Type:       wire.TypeExec,
		Service:    "test.Nope",
		Source:     "personal",
		TargetType: wire.TargetByName,
		Target:     "work",
	}
	if err := lk.SendControl(4, exec); err != nil {
		t.Fatalf("send exec: %v", err)
	}

	frame := testutil.RequireReceive(t, router.frames, 5*time.Second, "refusal frame")
	control, err := wire.ParseControl(frame)
	if err != nil {
		t.Fatalf("ParseControl: %v", err)
	}
	if control.Type != wire.TypeRefused || control.Reason != wire.ReasonSpawnFailed {
		t.Errorf("refusal: got %+v, want %s", control, wire.ReasonSpawnFailed)
	}
}
