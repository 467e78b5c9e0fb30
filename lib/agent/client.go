// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"net"

	"github.com/domex-project/domex/lib/ident"
	"github.com/domex-project/domex/lib/wire"
)

// serveClients accepts local client connections until the listener
// closes.
func (a *Agent) serveClients(ctx context.Context, listener net.Listener) error {
	for {
		c, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go a.handleClient(c)
	}
}

// handleClient runs the source side of one invocation. The client leg
// speaks the same frame codec as the link, with connection ID 0: the
// client sends an invoke control, then stdin frames; it receives the
// accept/refuse verdict, output frames, and the terminal control.
// This handler splices that leg onto a freshly allocated link
// connection, rewriting IDs in both directions.
func (a *Agent) handleClient(c net.Conn) {
	defer c.Close()

	frame, err := wire.ReadFrame(c)
	if err != nil {
		a.logger.Debug("client vanished before invoking", "error", err)
		return
	}
	request, err := wire.ParseControl(frame)
	if err != nil || request.Type != wire.TypeInvoke {
		writeRefusal(c, wire.ReasonProtocolViolation, "expected an invoke message")
		return
	}
	service, err := ident.ParseService(request.Service)
	if err != nil {
		writeRefusal(c, wire.ReasonProtocolViolation, "invalid service descriptor")
		return
	}

	conn := NewConn(service, "")
	id := a.registry.Insert(conn)
	logger := a.logger.With("connection", id, "service", request.Service, "target", request.Target)
	defer func() {
		a.registry.Remove(id)
		conn.Inbound.Close()
	}()

	invoke := wire.Control{
		Type:    wire.TypeInvoke,
		Service: request.Service,
		Target:  request.Target,
	}
	if err := a.lk.SendControl(id, invoke); err != nil {
		writeRefusal(c, wire.ReasonTargetUnreachable, "broker link down")
		return
	}
	conn.SetState(StatePolicyPending)
	logger.Debug("invocation forwarded")

	// Client→link pump. Only stdin traffic and cancel may cross; the
	// client does not get to speak for the target side. A read error
	// after the stdin EOF frame is just the client's half-close; one
	// before it means the client died mid-stream, which cancels the
	// invocation.
	clientLost := make(chan struct{})
	go func() {
		sawEOF := false
		for {
			frame, err := wire.ReadFrame(c)
			if err != nil {
				if !sawEOF {
					close(clientLost)
				}
				return
			}
			frame.Connection = id
			switch frame.Stream {
			case wire.StreamStdin:
				if frame.EOF() {
					sawEOF = true
				}
			case wire.StreamControl:
				control, err := wire.ParseControl(frame)
				if err != nil || control.Type != wire.TypeCancel {
					continue
				}
			default:
				continue
			}
			if a.lk.Send(frame) != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-clientLost:
			a.lk.SendControl(id, wire.Control{Type: wire.TypeCancel})
			conn.Inbound.Close()
		case <-done:
		}
	}()

	// Link→client pump, on this goroutine. Closing the socket on
	// return is what force-closes the write side of a client still
	// pushing input after the service is gone.
	for {
		frame, ok := conn.Inbound.Pop()
		if !ok {
			conn.SetState(StateAborted)
			writeRefusal(c, wire.ReasonStreamAborted, "connection aborted")
			return
		}
		frame.Connection = 0

		terminal := false
		if frame.Stream == wire.StreamControl {
			control, err := wire.ParseControl(frame)
			if err != nil {
				continue
			}
			switch control.Type {
			case wire.TypeAccepted:
				conn.SetState(StateRelaying)
			case wire.TypeRefused:
				conn.SetState(StateRejected)
				terminal = true
			case wire.TypeExit:
				conn.SetState(StateClosed)
				terminal = true
			}
		}
		if err := wire.WriteFrame(c, frame); err != nil {
			logger.Debug("client write failed", "error", err)
			a.lk.SendControl(id, wire.Control{Type: wire.TypeCancel})
			return
		}
		if terminal {
			logger.Debug("invocation finished", "state", conn.State().String())
			return
		}
	}
}

// writeRefusal sends a best-effort refusal frame on the client leg.
func writeRefusal(c net.Conn, reason, detail string) {
	frame, err := wire.RefusedFrame(0, reason, detail)
	if err == nil {
		_ = wire.WriteFrame(c, frame)
	}
}
