// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the management-domain broker: it accepts
// one link per agent, resolves every invocation against policy, and
// splices frames between the source and target links. Services whose
// effective target is the management domain itself execute in the
// broker process through the same spawn and relay code the agents use.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/domex-project/domex/lib/agent"
	"github.com/domex-project/domex/lib/link"
	"github.com/domex-project/domex/lib/policy"
	"github.com/domex-project/domex/lib/wire"
)

// Options configures a broker.
type Options struct {
	// Domain is the management domain's name.
	Domain string

	// ListenSocket is the path agents dial their links to.
	ListenSocket string

	// ServiceDirectory holds the management domain's own service
	// entries, for invocations targeted at it.
	ServiceDirectory string

	// Domains is the table of known domain names and their numeric
	// IDs. A hello naming an unknown domain is rejected.
	Domains map[string]uint32
}

// Broker accepts agent links and mediates every cross-domain
// invocation.
type Broker struct {
	options  Options
	logger   *slog.Logger
	resolver *policy.Resolver
	executor *agent.Executor

	ctx context.Context

	mu    sync.Mutex
	links map[string]*agentLink
}

// New returns an unstarted broker. The resolver is injected so the
// caller owns its watch loop.
func New(options Options, resolver *policy.Resolver, logger *slog.Logger) *Broker {
	return &Broker{
		options:  options,
		logger:   logger,
		resolver: resolver,
		executor: &agent.Executor{
			ServiceDirectory: options.ServiceDirectory,
			Logger:           logger,
		},
		links: make(map[string]*agentLink),
	}
}

// Run listens for agent links until the context is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	listener, err := net.Listen("unix", b.options.ListenSocket)
	if err != nil {
		return fmt.Errorf("listen for agents: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer listener.Close()

	b.ctx = ctx
	b.logger.Info("broker listening",
		"socket", b.options.ListenSocket,
		"domain", b.options.Domain,
	)
	for {
		transport, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go b.handleLink(ctx, transport)
	}
}

// handleLink performs the hello exchange, registers the link under its
// domain name, and demultiplexes it until it drops. On link loss every
// connection routed over it is aborted.
func (b *Broker) handleLink(ctx context.Context, transport net.Conn) {
	lk := link.New(transport, b.logger)

	frame, err := lk.ReadFrame()
	if err != nil {
		b.logger.Warn("link dropped before hello", "error", err)
		lk.Close()
		return
	}
	hello, err := wire.ParseControl(frame)
	if err != nil || hello.Type != wire.TypeHello || frame.Connection != 0 {
		b.logger.Warn("link opened without hello")
		lk.Close()
		return
	}
	if _, known := b.options.Domains[hello.Domain]; !known {
		b.logger.Warn("link from unknown domain", "domain", hello.Domain)
		lk.Close()
		return
	}

	al := &agentLink{
		broker: b,
		domain: hello.Domain,
		lk:     lk,
		routes: make(map[uint32]*endpoint),
		// The broker allocates even connection IDs; agents odd.
		next: 2,
	}
	if !b.addLink(al) {
		b.logger.Warn("duplicate link for domain", "domain", hello.Domain)
		lk.Close()
		return
	}

	reply := wire.Control{Type: wire.TypeHello, Domain: b.options.Domain}
	if err := lk.SendControl(0, reply); err != nil {
		b.logger.Warn("hello reply failed", "domain", hello.Domain, "error", err)
		b.removeLink(al)
		lk.Close()
		return
	}
	b.logger.Info("agent link up", "domain", hello.Domain, "id", b.options.Domains[hello.Domain])

	err = lk.Run(ctx, al)
	b.removeLink(al)
	for _, ep := range al.drain() {
		ep.abort(wire.ReasonStreamAborted, "agent link lost")
	}
	if err != nil {
		b.logger.Warn("agent link failed", "domain", hello.Domain, "error", err)
	} else {
		b.logger.Info("agent link down", "domain", hello.Domain)
	}
}

func (b *Broker) addLink(al *agentLink) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.links[al.domain]; taken {
		return false
	}
	b.links[al.domain] = al
	return true
}

func (b *Broker) removeLink(al *agentLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.links[al.domain] == al {
		delete(b.links, al.domain)
	}
}

// link returns the live link for a domain, if any.
func (b *Broker) link(domain string) *agentLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.links[domain]
}

// endpoint is one routable connection on a link. It is registered
// synchronously in Route, before the handler goroutine runs, so frames
// arriving right behind the opening control message land in the queue
// instead of being dropped. The aborter is installed once the handler
// decides what the connection is (a splice or a local execution).
type endpoint struct {
	queue *link.Queue

	mu      sync.Mutex
	aborter func(reason, detail string)
}

func newEndpoint() *endpoint {
	return &endpoint{queue: link.NewQueue()}
}

func (e *endpoint) push(frame wire.Frame) {
	e.queue.Push(frame)
}

func (e *endpoint) setAborter(aborter func(reason, detail string)) {
	e.mu.Lock()
	e.aborter = aborter
	e.mu.Unlock()
}

// abort tears the connection down. Before an aborter is installed the
// connection is still being set up, and closing the queue is all there
// is to do.
func (e *endpoint) abort(reason, detail string) {
	e.mu.Lock()
	aborter := e.aborter
	e.mu.Unlock()
	if aborter != nil {
		aborter(reason, detail)
		return
	}
	e.queue.Close()
}

// agentLink is one agent's link plus the broker-side routing state
// for the connections multiplexed over it.
type agentLink struct {
	broker *Broker
	domain string
	lk     *link.Link

	mu     sync.Mutex
	routes map[uint32]*endpoint
	next   uint32
}

// Route implements link.Router for one agent link.
func (al *agentLink) Route(frame wire.Frame) {
	if frame.Connection == 0 {
		return
	}
	al.mu.Lock()
	ep, ok := al.routes[frame.Connection]
	al.mu.Unlock()
	if ok {
		ep.push(frame)
		return
	}
	if frame.Stream != wire.StreamControl {
		// Late frame racing a teardown.
		return
	}
	control, err := wire.ParseControl(frame)
	if err != nil || control.Type != wire.TypeInvoke {
		return
	}
	// Register before handing off, so payload frames right behind the
	// invoke are queued rather than dropped.
	ep = newEndpoint()
	if !al.register(frame.Connection, ep) {
		al.broker.logger.Warn("invoke reuses a live connection id",
			"domain", al.domain,
			"connection", frame.Connection,
		)
		return
	}
	go al.broker.handleInvoke(al, frame.Connection, ep, control)
}

// Violation implements link.Router: terminate the one connection the
// malformed frame named.
func (al *agentLink) Violation(connection uint32, err *wire.ProtocolViolationError) {
	al.mu.Lock()
	ep, ok := al.routes[connection]
	al.mu.Unlock()
	if !ok {
		return
	}
	al.broker.logger.Warn("aborting connection after protocol violation",
		"domain", al.domain,
		"connection", connection,
		"error", err,
	)
	ep.abort(wire.ReasonProtocolViolation, "malformed frame")
}

// register admits an endpoint under a peer-allocated (odd) ID.
func (al *agentLink) register(id uint32, ep *endpoint) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	if _, taken := al.routes[id]; taken {
		return false
	}
	al.routes[id] = ep
	return true
}

// allocate registers an endpoint under a fresh broker-allocated
// (even) ID.
func (al *agentLink) allocate(ep *endpoint) uint32 {
	al.mu.Lock()
	defer al.mu.Unlock()
	for {
		id := al.next
		al.next += 2
		if id == 0 {
			continue
		}
		if _, taken := al.routes[id]; taken {
			continue
		}
		al.routes[id] = ep
		return id
	}
}

func (al *agentLink) unregister(id uint32) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.routes, id)
}

// drain removes and returns every endpoint; used on link loss.
func (al *agentLink) drain() []*endpoint {
	al.mu.Lock()
	defer al.mu.Unlock()
	drained := make([]*endpoint, 0, len(al.routes))
	for id, ep := range al.routes {
		drained = append(drained, ep)
		delete(al.routes, id)
	}
	return drained
}
