// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the per-domain Domex agent: the connection
// registry and state machine, target-side service instantiation, the
// stream relay, and the local client socket. One agent process runs in
// every domain and holds a single link to the broker.
package agent

import (
	"sync/atomic"

	"github.com/domex-project/domex/lib/ident"
	"github.com/domex-project/domex/lib/link"
)

// State is a connection's lifecycle position. Transitions only move
// forward, except that any live state can jump to Aborted.
type State int32

const (
	// StateRequested: the connection exists locally but nothing has
	// been sent yet.
	StateRequested State = iota

	// StatePolicyPending: the invoke is with the broker, awaiting a
	// policy decision.
	StatePolicyPending

	// StateSpawning: target side, service instantiation in progress.
	StateSpawning

	// StateRelaying: payload streams are flowing.
	StateRelaying

	// StateDraining: output streams have ended; collecting the exit
	// status.
	StateDraining

	// StateClosed: terminated cleanly with an exit status delivered.
	StateClosed

	// StateRejected: terminated by a refusal before relaying.
	StateRejected

	// StateAborted: terminated abnormally (violation, link loss,
	// cancellation).
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StatePolicyPending:
		return "policy-pending"
	case StateSpawning:
		return "spawning"
	case StateRelaying:
		return "relaying"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Conn is one live connection as this agent sees it: the source side
// of an invocation it forwarded, or the target side of a service it
// runs. Inbound carries the frames the link demux routed to it.
type Conn struct {
	// ID is the link-scoped connection ID. Source-side IDs are
	// allocated by this agent (odd); target-side IDs arrive in the
	// exec message (even, broker-allocated). The parity split is what
	// makes collision between the two allocators impossible.
	ID uint32

	// Service is the invoked service descriptor.
	Service ident.Service

	// Peer is the remote domain name, when known (target side only;
	// the source side never learns where policy routed it).
	Peer string

	// Inbound buffers frames from the link demux. The demux pushes
	// without blocking; the connection's relay goroutine pops.
	Inbound *link.Queue

	state atomic.Int32
}

// NewConn returns a connection in StateRequested with an open inbound
// queue.
func NewConn(service ident.Service, peer string) *Conn {
	return &Conn{Service: service, Peer: peer, Inbound: link.NewQueue()}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// SetState records a lifecycle transition.
func (c *Conn) SetState(s State) {
	c.state.Store(int32(s))
}

// Abort marks the connection aborted and closes its inbound queue,
// which unblocks whoever is draining it. Safe to call more than once
// and concurrently with the relay.
func (c *Conn) Abort() {
	c.SetState(StateAborted)
	c.Inbound.Close()
}
