// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/domex-project/domex/lib/ident"
	"github.com/domex-project/domex/lib/process"
	"github.com/domex-project/domex/lib/wire"
)

// ErrNoService means the service directory has no entry for the
// requested descriptor.
var ErrNoService = errors.New("no service directory entry")

// Invocation carries everything target-side instantiation needs: the
// descriptor, the invoking domain, and the addressing the caller used
// (rendered into the socket preamble).
type Invocation struct {
	Service    ident.Service
	Source     string
	TargetType string
	Target     string
}

// Running is a live service instance. The relay writes client payload
// to Stdin, drains Stdout and Stderr, then collects Wait.
type Running interface {
	// Stdin is the client→service byte stream. Close signals EOF to
	// the service (half-close for socket-backed services).
	Stdin() io.WriteCloser

	// Stdout is the service→client byte stream.
	Stdout() io.ReadCloser

	// Stderr is the service→client diagnostic stream. Empty (immediate
	// EOF) for socket-backed services.
	Stderr() io.ReadCloser

	// Wait returns the exit status once the instance has finished.
	// Call only after Stdout and Stderr have been drained.
	Wait() int

	// Kill tears the instance down. Idempotent.
	Kill()
}

// Executor instantiates services from a service directory. Each entry
// is named for the service it implements: a unix socket entry is
// socket-backed, anything else is executed as a process. An
// argument-specific entry ("test.Argument+forbidden") takes precedence
// over the bare entry for that descriptor.
type Executor struct {
	// ServiceDirectory is the directory holding service entries.
	ServiceDirectory string

	Logger *slog.Logger
}

type serviceEntry struct {
	path   string
	socket bool
}

// lookup finds the directory entry implementing a descriptor.
func (e *Executor) lookup(service ident.Service) (serviceEntry, error) {
	if service.Argument != "" {
		if entry, ok := statEntry(filepath.Join(e.ServiceDirectory, service.FullName())); ok {
			return entry, nil
		}
	}
	if entry, ok := statEntry(filepath.Join(e.ServiceDirectory, service.Name)); ok {
		return entry, nil
	}
	return serviceEntry{}, fmt.Errorf("%w for %q", ErrNoService, service.FullName())
}

func statEntry(path string) (serviceEntry, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return serviceEntry{}, false
	}
	return serviceEntry{path: path, socket: info.Mode()&os.ModeSocket != 0}, true
}

// Start instantiates the service for one invocation. The returned
// instance is already running; cancelling ctx kills it.
func (e *Executor) Start(ctx context.Context, invocation Invocation) (Running, error) {
	entry, err := e.lookup(invocation.Service)
	if err != nil {
		return nil, err
	}
	if entry.socket {
		return e.startSocket(entry, invocation)
	}
	return e.startProcess(ctx, entry, invocation)
}

// startProcess runs an executable entry. The argument travels as
// argv[1] whenever the call carries one — including to an
// argument-specific entry, so an implementation shared between entries
// reads it uniformly. The environment carries the full picture either
// way.
func (e *Executor) startProcess(ctx context.Context, entry serviceEntry, invocation Invocation) (Running, error) {
	cmd := exec.Command(entry.path)
	if invocation.Service.Argument != "" {
		cmd.Args = append(cmd.Args, invocation.Service.Argument)
	}
	cmd.Env = append(os.Environ(),
		"DOMEX_SERVICE_FULL_NAME="+invocation.Service.FullName(),
		"DOMEX_SERVICE_ARGUMENT="+invocation.Service.Argument,
		"DOMEX_REMOTE_DOMAIN="+invocation.Source,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(entry.path), err)
	}

	p := &processService{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	p.stop = context.AfterFunc(ctx, p.Kill)
	e.Logger.Debug("service process started",
		"service", invocation.Service.FullName(),
		"source", invocation.Source,
		"pid", cmd.Process.Pid,
	)
	return p, nil
}

type processService struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	stop   func() bool
}

func (p *processService) Stdin() io.WriteCloser { return p.stdin }
func (p *processService) Stdout() io.ReadCloser { return p.stdout }
func (p *processService) Stderr() io.ReadCloser { return p.stderr }

func (p *processService) Wait() int {
	defer p.stop()
	return process.ExitCode(p.cmd.Wait())
}

func (p *processService) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// startSocket connects to a socket entry and writes the descriptor
// preamble before any payload flows.
func (e *Executor) startSocket(entry serviceEntry, invocation Invocation) (Running, error) {
	raw, err := net.Dial("unix", entry.path)
	if err != nil {
		return nil, fmt.Errorf("connect service socket: %w", err)
	}
	conn := raw.(*net.UnixConn)
	preamble := wire.Preamble(invocation.Service, invocation.Source, invocation.TargetType, invocation.Target)
	if _, err := conn.Write(preamble); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write service preamble: %w", err)
	}
	e.Logger.Debug("service socket connected",
		"service", invocation.Service.FullName(),
		"source", invocation.Source,
	)
	return &socketService{conn: conn}, nil
}

// socketService adapts a connected unix socket to the Running shape:
// the two socket halves are the payload streams, stderr is empty, and
// a socket service "exits 0" by both halves closing.
type socketService struct {
	conn *net.UnixConn
}

func (s *socketService) Stdin() io.WriteCloser { return writeHalf{s.conn} }
func (s *socketService) Stdout() io.ReadCloser { return readHalf{s.conn} }
func (s *socketService) Stderr() io.ReadCloser { return emptyStream{} }
func (s *socketService) Wait() int             { return 0 }
func (s *socketService) Kill()                 { _ = s.conn.Close() }

type writeHalf struct{ conn *net.UnixConn }

func (h writeHalf) Write(p []byte) (int, error) { return h.conn.Write(p) }
func (h writeHalf) Close() error                { return h.conn.CloseWrite() }

type readHalf struct{ conn *net.UnixConn }

func (h readHalf) Read(p []byte) (int, error) { return h.conn.Read(p) }
func (h readHalf) Close() error               { return h.conn.CloseRead() }

type emptyStream struct{}

func (emptyStream) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyStream) Close() error             { return nil }
