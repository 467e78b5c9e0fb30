// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"testing"

	"github.com/domex-project/domex/lib/ident"
)

func TestRegistryInsertAllocatesOddIDs(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(1)
	for want := uint32(1); want <= 9; want += 2 {
		conn := NewConn(ident.Service{Name: "test.Data"}, "")
		if id := registry.Insert(conn); id != want {
			t.Fatalf("Insert: got id %d, want %d", id, want)
		}
		if conn.ID != want {
			t.Fatalf("Insert did not assign conn.ID: got %d", conn.ID)
		}
	}
	if registry.Len() != 5 {
		t.Errorf("Len: got %d, want 5", registry.Len())
	}
}

func TestRegistryInsertSkipsLiveIDs(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(1)
	first := NewConn(ident.Service{Name: "test.Data"}, "")
	registry.Insert(first)

	// Wrap the allocator back onto the live ID; it must be skipped.
	registry.next = first.ID
	second := NewConn(ident.Service{Name: "test.Data"}, "")
	if id := registry.Insert(second); id == first.ID {
		t.Fatalf("Insert reused live id %d", id)
	}
}

func TestRegistryRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(1)
	conn := NewConn(ident.Service{Name: "test.Data"}, "work")
	conn.ID = 4
	if !registry.Register(conn) {
		t.Fatal("Register rejected a fresh id")
	}
	duplicate := NewConn(ident.Service{Name: "test.Data"}, "work")
	duplicate.ID = 4
	if registry.Register(duplicate) {
		t.Fatal("Register accepted a duplicate id")
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(1)
	conn := NewConn(ident.Service{Name: "test.Data"}, "")
	id := registry.Insert(conn)

	registry.Remove(id)
	registry.Remove(id)
	if _, ok := registry.Get(id); ok {
		t.Error("Get found a removed connection")
	}
}

func TestRegistryDrain(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(1)
	for range 3 {
		registry.Insert(NewConn(ident.Service{Name: "test.Data"}, ""))
	}
	drained := registry.Drain()
	if len(drained) != 3 {
		t.Fatalf("Drain: got %d connections, want 3", len(drained))
	}
	if registry.Len() != 0 {
		t.Errorf("Len after Drain: got %d, want 0", registry.Len())
	}
}
