// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/domex-project/domex/lib/ident"
	"github.com/domex-project/domex/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeService(t *testing.T, directory, name, script string) {
	t.Helper()
	path := filepath.Join(directory, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write service %s: %v", name, err)
	}
}

func mustService(t *testing.T, full string) ident.Service {
	t.Helper()
	service, err := ident.ParseService(full)
	if err != nil {
		t.Fatalf("ParseService(%q): %v", full, err)
	}
	return service
}

func TestExecutorProcessEcho(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	writeService(t, directory, "test.Echo", "cat")
	executor := &Executor{ServiceDirectory: directory, Logger: testLogger()}

	running, err := executor.Start(t.Context(), Invocation{
		Service: mustService(t, "test.Echo"),
		Source:  "work",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := running.Stdin().Write([]byte("hello")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := running.Stdin().Close(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}
	output, err := io.ReadAll(running.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(output) != "hello" {
		t.Errorf("echo output: got %q, want %q", output, "hello")
	}
	if code := running.Wait(); code != 0 {
		t.Errorf("exit code: got %d, want 0", code)
	}
}

func TestExecutorExitCode(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	writeService(t, directory, "test.Exit", "exit 3")
	executor := &Executor{ServiceDirectory: directory, Logger: testLogger()}

	running, err := executor.Start(t.Context(), Invocation{
		Service: mustService(t, "test.Exit"),
		Source:  "work",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	running.Stdin().Close()
	io.Copy(io.Discard, running.Stdout())
	io.Copy(io.Discard, running.Stderr())
	if code := running.Wait(); code != 3 {
		t.Errorf("exit code: got %d, want 3", code)
	}
}

func TestExecutorEnvironmentAndArgument(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	writeService(t, directory, "test.Argument",
		`printf '%s|%s|%s|%s' "$1" "$DOMEX_SERVICE_FULL_NAME" "$DOMEX_SERVICE_ARGUMENT" "$DOMEX_REMOTE_DOMAIN"`)
	executor := &Executor{ServiceDirectory: directory, Logger: testLogger()}

	running, err := executor.Start(t.Context(), Invocation{
		Service: mustService(t, "test.Argument+blue"),
		Source:  "work",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	running.Stdin().Close()
	output, err := io.ReadAll(running.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	running.Wait()

	want := "blue|test.Argument+blue|blue|work"
	if string(output) != want {
		t.Errorf("service view: got %q, want %q", output, want)
	}
}

func TestExecutorArgumentSpecificEntryWins(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	writeService(t, directory, "test.Argument", `printf 'base %s' "$1"`)
	writeService(t, directory, "test.Argument+special", `printf 'specific %s' "$1"`)
	executor := &Executor{ServiceDirectory: directory, Logger: testLogger()}

	run := func(full string) string {
		t.Helper()
		running, err := executor.Start(t.Context(), Invocation{
			Service: mustService(t, full),
			Source:  "work",
		})
		if err != nil {
			t.Fatalf("Start(%s): %v", full, err)
		}
		running.Stdin().Close()
		output, err := io.ReadAll(running.Stdout())
		if err != nil {
			t.Fatalf("read stdout: %v", err)
		}
		running.Wait()
		return string(output)
	}

	// The argument-specific entry still receives the argument as argv[1].
	if got := run("test.Argument+special"); got != "specific special" {
		t.Errorf("argument-specific entry: got %q, want %q", got, "specific special")
	}
	if got := run("test.Argument+other"); got != "base other" {
		t.Errorf("bare entry fallback: got %q, want %q", got, "base other")
	}
}

func TestExecutorNoService(t *testing.T) {
	t.Parallel()
	executor := &Executor{ServiceDirectory: t.TempDir(), Logger: testLogger()}
	_, err := executor.Start(t.Context(), Invocation{
		Service: mustService(t, "test.Nope"),
		Source:  "work",
	})
	if !errors.Is(err, ErrNoService) {
		t.Errorf("Start on empty directory: got %v, want ErrNoService", err)
	}
}

func TestExecutorSocketServicePreamble(t *testing.T) {
	t.Parallel()
	directory := testutil.SocketDir(t)
	listener, err := net.Listen("unix", filepath.Join(directory, "test.Socket"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	type accepted struct {
		preamble []byte
		body     []byte
	}
	got := make(chan accepted, 1)
	go func() {
		c, err := listener.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		all, err := io.ReadAll(c)
		if err != nil {
			return
		}
		nul := bytes.IndexByte(all, 0)
		if nul < 0 {
			return
		}
		c.Write([]byte("pong"))
		got <- accepted{preamble: all[:nul+1], body: all[nul+1:]}
	}()

	executor := &Executor{ServiceDirectory: directory, Logger: testLogger()}
	running, err := executor.Start(t.Context(), Invocation{
		Service:    mustService(t, "test.Socket"),
		Source:     "test-inst-vm1",
		TargetType: "keyword",
		Target:     "adminvm",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := running.Stdin().Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := running.Stdin().Close(); err != nil {
		t.Fatalf("half-close: %v", err)
	}

	result := testutil.RequireReceive(t, got, 5*time.Second, "socket service accept")
	wantPreamble := "test.Socket+ test-inst-vm1 keyword adminvm\x00"
	if string(result.preamble) != wantPreamble {
		t.Errorf("preamble: got %q, want %q", result.preamble, wantPreamble)
	}
	if string(result.body) != "ping" {
		t.Errorf("body after preamble: got %q, want %q", result.body, "ping")
	}

	reply, err := io.ReadAll(running.Stdout())
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("reply: got %q, want %q", reply, "pong")
	}
	if code := running.Wait(); code != 0 {
		t.Errorf("socket service exit: got %d, want 0", code)
	}
}
