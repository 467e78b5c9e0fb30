// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/domex-project/domex/lib/link"
	"github.com/domex-project/domex/lib/wire"
)

// Relay pumps one target-side connection: client payload from the
// inbound queue into the service, service output back out as frames,
// then the exit status once both output streams have drained.
//
// Three goroutines, one per stream, so the directions never wait on
// each other — that independence is what survives two sides bulk-
// writing simultaneously. The inbound consumer blocks only on the
// service (never on the link), and the output pumps block only on the
// link (never on the service); a stall on one stream leaves the others
// flowing.
func Relay(ctx context.Context, lk *link.Link, conn *Conn, running Running, logger *slog.Logger) {
	conn.SetState(StateRelaying)
	stop := context.AfterFunc(ctx, running.Kill)
	defer stop()

	inboundDone := make(chan struct{})
	go func() {
		defer close(inboundDone)
		consumeInbound(conn, running, logger)
	}()

	var outputs errgroup.Group
	outputs.Go(func() error {
		return pumpOutput(lk, conn.ID, wire.StreamStdout, running.Stdout())
	})
	outputs.Go(func() error {
		return pumpOutput(lk, conn.ID, wire.StreamStderr, running.Stderr())
	})
	pumpErr := outputs.Wait()

	conn.SetState(StateDraining)
	code := running.Wait()

	// The service is gone. Stop consuming client payload and unblock
	// anything still writing toward it; the client's write side is
	// force-closed by the terminal exit message that follows.
	conn.Inbound.Close()
	running.Kill()
	<-inboundDone

	if pumpErr != nil {
		logger.Warn("output relay failed", "connection", conn.ID, "error", pumpErr)
		conn.SetState(StateAborted)
		return
	}
	if err := lk.SendControl(conn.ID, wire.Control{Type: wire.TypeExit, ExitCode: &code}); err != nil {
		logger.Warn("exit delivery failed", "connection", conn.ID, "error", err)
		conn.SetState(StateAborted)
		return
	}
	logger.Debug("connection closed", "connection", conn.ID, "exit", code)
	conn.SetState(StateClosed)
}

// consumeInbound drains the connection's queue into the service:
// stdin data and EOF, plus the cancel control. Returns when the queue
// closes. A service that stops reading input (exited, closed its end)
// does not stop the drain — remaining stdin frames are discarded so
// the queue never backs up into the link.
func consumeInbound(conn *Conn, running Running, logger *slog.Logger) {
	stdin := running.Stdin()
	open := true
	for {
		frame, ok := conn.Inbound.Pop()
		if !ok {
			if open {
				_ = stdin.Close()
			}
			return
		}
		switch frame.Stream {
		case wire.StreamStdin:
			if frame.EOF() {
				if open {
					_ = stdin.Close()
					open = false
				}
				continue
			}
			if !open {
				continue
			}
			if _, err := stdin.Write(frame.Payload); err != nil {
				logger.Debug("service stopped reading input", "connection", conn.ID, "error", err)
				_ = stdin.Close()
				open = false
			}
		case wire.StreamControl:
			control, err := wire.ParseControl(frame)
			if err != nil {
				continue
			}
			switch control.Type {
			case wire.TypeCancel:
				logger.Debug("connection cancelled", "connection", conn.ID)
				running.Kill()
			case wire.TypeRefused:
				// The broker aborted the far side; nobody is left to
				// receive output.
				logger.Debug("connection aborted upstream", "connection", conn.ID, "reason", control.Reason)
				running.Kill()
			}
		default:
			// Output-tagged frames are never valid toward the target.
		}
	}
}

// pumpOutput copies one service output stream to the link as data
// frames, then marks it with EOF. The frame size cap chunks large
// outputs naturally.
func pumpOutput(lk *link.Link, connection uint32, stream wire.StreamTag, r io.ReadCloser) error {
	defer r.Close()
	buffer := make([]byte, wire.MaxPayload)
	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if sendErr := lk.Send(wire.DataFrame(connection, stream, buffer[:n])); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if sendErr := lk.Send(wire.EOFFrame(connection, stream)); sendErr != nil {
				return sendErr
			}
			if isStreamEnd(err) {
				return nil
			}
			return err
		}
	}
}

// isStreamEnd reports whether a read error just means the stream is
// over: plain EOF, or the teardown paths a killed service produces.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
