// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import "sync"

// Registry is the table of live connections on one link, keyed by
// connection ID. It allocates IDs for locally-initiated connections
// and admits peer-allocated IDs for remote ones; the two never collide
// because each side allocates one parity (agents odd, broker even).
type Registry struct {
	mu    sync.Mutex
	conns map[uint32]*Conn
	next  uint32
}

// NewRegistry returns an empty registry whose local allocator starts
// at first and steps by two, preserving parity across wraparound.
func NewRegistry(first uint32) *Registry {
	return &Registry{conns: make(map[uint32]*Conn), next: first}
}

// Insert allocates a fresh local connection ID, assigns it to conn,
// and registers it.
func (r *Registry) Insert(conn *Conn) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := r.next
		r.next += 2
		// ID 0 is the link-level control connection, never a relay.
		if id == 0 {
			continue
		}
		if _, taken := r.conns[id]; taken {
			continue
		}
		conn.ID = id
		r.conns[id] = conn
		return id
	}
}

// Register admits a connection under its peer-allocated ID. Returns
// false when the ID is already live, which is a peer protocol error.
func (r *Registry) Register(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.conns[conn.ID]; taken {
		return false
	}
	r.conns[conn.ID] = conn
	return true
}

// Get returns the connection with the given ID.
func (r *Registry) Get(id uint32) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Remove retires a connection ID. Idempotent: teardown legitimately
// races between the remote close path and the local exit path, and
// whichever arrives second must be a no-op.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Drain removes and returns every live connection. Used on link loss,
// when all of them must be aborted.
func (r *Registry) Drain() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := make([]*Conn, 0, len(r.conns))
	for id, conn := range r.conns {
		drained = append(drained, conn)
		delete(r.conns, id)
	}
	return drained
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
