// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package link carries Domex frames over a reliable, ordered,
// flow-controlled byte channel between two domains. The channel
// itself — hypervisor-provided in a real deployment, a unix socket
// here — is an external collaborator: it delivers bytes in order and
// applies backpressure; this package only frames it.
//
// A Link has exactly one writer path (Send, serialized by a mutex, so
// frames from concurrent connections interleave but never tear) and
// exactly one reader path (Run, which demultiplexes inbound frames to
// the owner's router). The router contract is the core of the
// deadlock-freedom story: Route must never wait on link traffic,
// because a demux reader whose progress depends on its own link forms
// a cycle. Owners satisfy the contract by pushing frames into a
// per-connection [Queue] and letting a per-connection goroutine drain
// it at the pace of the local endpoint. The queues are bounded: a
// consumer that falls too far behind blocks the push, which stalls
// the demux loop and lets the byte channel's own flow control
// throttle the sender. Relay chains always terminate in a sink that
// drains unconditionally, so the stall clears instead of cycling.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/domex-project/domex/lib/wire"
)

// Router receives every inbound frame on a link. Implementations must
// not block in either method.
type Router interface {
	// Route delivers one decoded frame.
	Route(frame wire.Frame)

	// Violation reports a recoverable protocol violation attributed
	// to a single connection. The link keeps running; the router
	// should terminate just that connection.
	Violation(connection uint32, err *wire.ProtocolViolationError)
}

// Link frames a byte channel. Create with New, then call Run exactly
// once; Send is safe from any goroutine.
type Link struct {
	transport io.ReadWriteCloser
	logger    *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established byte channel. The caller performs any
// pre-Run handshake (see SendControl and ReadFrame) before starting
// the demux loop.
func New(transport io.ReadWriteCloser, logger *slog.Logger) *Link {
	return &Link{transport: transport, logger: logger}
}

// Send writes one frame to the peer. Concurrent senders are
// serialized; Send blocks when the underlying channel applies
// backpressure, so callers must only ever block a per-connection
// goroutine on it, never a demux loop.
func (l *Link) Send(frame wire.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return wire.WriteFrame(l.transport, frame)
}

// SendControl encodes and sends a control message on the given
// connection.
func (l *Link) SendControl(connection uint32, control wire.Control) error {
	frame, err := wire.ControlFrame(connection, control)
	if err != nil {
		return fmt.Errorf("encode %s control: %w", control.Type, err)
	}
	return l.Send(frame)
}

// ReadFrame reads a single frame directly from the transport. Only
// valid before Run starts; used for the link handshake.
func (l *Link) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(l.transport)
}

// Run reads frames and dispatches them to router until the context is
// cancelled, the peer disappears, or the stream desynchronizes.
// Returns nil on cancellation or a clean peer close, otherwise the
// transport or protocol error. When Run returns, the peer must be
// treated as unreachable and every connection on the link aborted.
func (l *Link) Run(ctx context.Context, router Router) error {
	// Unblock the blocking read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		frame, err := l.ReadFrame()
		if err != nil {
			var pv *wire.ProtocolViolationError
			if errors.As(err, &pv) && pv.Recoverable {
				l.logger.Warn("malformed frame", "connection", pv.Connection, "error", pv)
				router.Violation(pv.Connection, pv)
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("link read: %w", err)
		}
		router.Route(frame)
	}
}

// Close tears down the underlying channel. Idempotent; concurrent
// with Send and Run.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.transport.Close()
	})
	return l.closeErr
}
