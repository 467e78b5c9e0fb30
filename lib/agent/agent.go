// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/domex-project/domex/lib/ident"
	"github.com/domex-project/domex/lib/link"
	"github.com/domex-project/domex/lib/wire"
)

// ErrLinkClosed reports that the broker closed the link while the
// agent was still meant to be running. Run returns it so supervisors
// can restart the agent rather than treat the exit as clean.
var ErrLinkClosed = errors.New("broker link closed")

// Options configures an agent.
type Options struct {
	// Domain is this agent's domain name, announced in the link hello.
	Domain string

	// BrokerSocket is the path of the broker's link listener.
	BrokerSocket string

	// ClientSocket is the path this agent listens on for local
	// clients.
	ClientSocket string

	// ServiceDirectory holds this domain's service entries.
	ServiceDirectory string
}

// Agent is one domain's Domex endpoint: it executes services invoked
// from other domains and forwards local clients' invocations to the
// broker, all over a single multiplexed link.
type Agent struct {
	options  Options
	logger   *slog.Logger
	executor *Executor
	registry *Registry

	lk    *link.Link
	admin string
	ctx   context.Context
}

// New returns an unstarted agent.
func New(options Options, logger *slog.Logger) *Agent {
	return &Agent{
		options: options,
		logger:  logger,
		executor: &Executor{
			ServiceDirectory: options.ServiceDirectory,
			Logger:           logger,
		},
		// Agents allocate odd connection IDs; the broker allocates
		// even ones.
		registry: NewRegistry(1),
	}
}

// Run connects to the broker, performs the hello exchange, and serves
// link traffic and local clients until the context is cancelled or
// the link fails. When Run returns, every connection has been aborted.
func (a *Agent) Run(ctx context.Context) error {
	transport, err := net.Dial("unix", a.options.BrokerSocket)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	a.lk = link.New(transport, a.logger)
	if err := a.handshake(); err != nil {
		a.lk.Close()
		return err
	}
	a.logger.Info("link established",
		"domain", a.options.Domain,
		"admin", a.admin,
	)

	listener, err := net.Listen("unix", a.options.ClientSocket)
	if err != nil {
		a.lk.Close()
		return fmt.Errorf("listen for clients: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	a.ctx = groupCtx
	group.Go(func() error {
		defer a.abortAll()
		err := a.lk.Run(groupCtx, a)
		if err == nil && groupCtx.Err() == nil {
			// A cleanly closed link while we should still be running
			// must cancel the group: that is what kills services whose
			// output has nowhere left to go.
			err = ErrLinkClosed
		}
		return err
	})
	group.Go(func() error {
		stop := context.AfterFunc(groupCtx, func() { listener.Close() })
		defer stop()
		defer listener.Close()
		return a.serveClients(groupCtx, listener)
	})
	return group.Wait()
}

// handshake announces this agent's domain and learns the management
// domain's name from the broker's reply.
func (a *Agent) handshake() error {
	hello := wire.Control{Type: wire.TypeHello, Domain: a.options.Domain}
	if err := a.lk.SendControl(0, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	frame, err := a.lk.ReadFrame()
	if err != nil {
		return fmt.Errorf("read hello reply: %w", err)
	}
	reply, err := wire.ParseControl(frame)
	if err != nil {
		return fmt.Errorf("parse hello reply: %w", err)
	}
	if reply.Type != wire.TypeHello {
		return fmt.Errorf("unexpected %s control during handshake", reply.Type)
	}
	a.admin = reply.Domain
	return nil
}

// abortAll tears down every live connection; called when the link is
// gone and nothing can be relayed anymore.
func (a *Agent) abortAll() {
	for _, conn := range a.registry.Drain() {
		conn.Abort()
	}
}

// Route implements link.Router. It never waits on link traffic:
// frames for live connections go into per-connection queues (whose
// bound is what applies backpressure), and new exec requests spawn
// their own goroutine.
func (a *Agent) Route(frame wire.Frame) {
	if frame.Connection == 0 {
		// Link-level control past the handshake; nothing defined yet.
		return
	}
	if conn, ok := a.registry.Get(frame.Connection); ok {
		conn.Inbound.Push(frame)
		return
	}
	if frame.Stream != wire.StreamControl {
		// Late frame racing a teardown; the connection is gone.
		return
	}
	control, err := wire.ParseControl(frame)
	if err != nil || control.Type != wire.TypeExec {
		return
	}
	// Register before handing off, so payload frames right behind the
	// exec are queued rather than dropped.
	conn := NewConn(ident.Service{}, control.Source)
	conn.ID = frame.Connection
	if !a.registry.Register(conn) {
		a.logger.Warn("exec reuses a live connection id", "connection", frame.Connection)
		return
	}
	go a.handleExec(conn, control)
}

// Violation implements link.Router: a malformed frame kills the one
// connection it named, nothing else.
func (a *Agent) Violation(connection uint32, err *wire.ProtocolViolationError) {
	conn, ok := a.registry.Get(connection)
	if !ok {
		return
	}
	a.logger.Warn("aborting connection after protocol violation",
		"connection", connection,
		"error", err,
	)
	a.registry.Remove(connection)
	conn.Abort()
}

// handleExec runs the target side of one invocation: instantiate the
// service, accept, relay, exit. The connection is already registered.
func (a *Agent) handleExec(conn *Conn, control wire.Control) {
	connection := conn.ID
	logger := a.logger.With(
		"connection", connection,
		"service", control.Service,
		"source", control.Source,
	)
	defer a.registry.Remove(connection)

	service, err := ident.ParseService(control.Service)
	if err != nil {
		logger.Warn("exec with invalid service descriptor", "error", err)
		conn.SetState(StateRejected)
		a.refuse(connection, wire.ReasonProtocolViolation, "invalid service descriptor")
		return
	}
	conn.Service = service

	conn.SetState(StateSpawning)
	running, err := a.executor.Start(a.ctx, Invocation{
		Service:    service,
		Source:     control.Source,
		TargetType: control.TargetType,
		Target:     control.Target,
	})
	if err != nil {
		logger.Warn("service spawn failed", "error", err)
		conn.SetState(StateRejected)
		a.refuse(connection, wire.ReasonSpawnFailed, "service unavailable")
		return
	}
	if err := a.lk.SendControl(connection, wire.Control{Type: wire.TypeAccepted}); err != nil {
		logger.Warn("accept delivery failed", "error", err)
		running.Kill()
		return
	}
	Relay(a.ctx, a.lk, conn, running, logger)
}

// refuse sends a best-effort refusal; if the link is gone the peer
// has bigger problems than a missing refusal.
func (a *Agent) refuse(connection uint32, reason, detail string) {
	control := wire.Control{Type: wire.TypeRefused, Reason: reason, Detail: detail}
	if err := a.lk.SendControl(connection, control); err != nil {
		a.logger.Debug("refusal delivery failed", "connection", connection, "error", err)
	}
}
