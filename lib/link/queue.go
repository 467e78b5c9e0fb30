// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"sync"

	"github.com/domex-project/domex/lib/wire"
)

// queueCapacity is the per-connection inbound buffer, in frames. With
// frames capped at wire.MaxPayload this bounds a connection's buffered
// data at 256 KiB per direction.
const queueCapacity = 64

// Queue is the per-connection inbound frame buffer between a link's
// demux loop and the connection's relay goroutine. It is bounded: a
// consumer that stops draining (a service not reading stdin, a slow
// destination behind a splice) eventually blocks Push, which stalls
// the demux loop and pushes backpressure down to the byte channel —
// memory stays bounded no matter how far the consumer falls behind.
// The cost is head-of-line blocking: while one connection's queue is
// full, the link delivers nothing to its other connections. Pop blocks
// until a frame arrives or the queue closes; Close releases both
// sides.
type Queue struct {
	mu     sync.Mutex
	ready  sync.Cond
	space  sync.Cond
	frames []wire.Frame
	closed bool
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.ready.L = &q.mu
	q.space.L = &q.mu
	return q
}

// Push appends a frame, blocking while the queue is full. Returns
// false when the queue is closed (the frame is dropped; the connection
// is being torn down and late frames racing the teardown are
// expected).
func (q *Queue) Push(frame wire.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) >= queueCapacity && !q.closed {
		q.space.Wait()
	}
	if q.closed {
		return false
	}
	q.frames = append(q.frames, frame)
	q.ready.Signal()
	return true
}

// Pop removes and returns the oldest frame, blocking until one is
// available. Returns ok=false once the queue is closed and drained.
func (q *Queue) Pop() (wire.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.frames) == 0 {
		return wire.Frame{}, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	q.space.Signal()
	return frame, true
}

// Close marks the queue closed and wakes all blocked Push and Pop
// calls. Frames already queued remain poppable; this is a half-close
// of the producer side, not a discard. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ready.Broadcast()
	q.space.Broadcast()
}
