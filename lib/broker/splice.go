// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/domex-project/domex/lib/link"
	"github.com/domex-project/domex/lib/wire"
)

// splice joins one connection across two links: frames arriving from
// the source link replay onto the target link under the broker's
// connection ID, and vice versa. One pump goroutine per direction, fed
// by the per-direction queues the link demux pushes into; the queues
// absorb pace differences between the links, and their bound is what
// stops a slow link from buffering the fast one without limit.
type splice struct {
	broker *Broker

	src   *agentLink
	srcID uint32
	dst   *agentLink
	dstID uint32

	fromSrc *link.Queue
	fromDst *link.Queue

	once sync.Once
}

// newSplice pairs an already-queued source connection with a target
// link. The caller allocates dstID afterwards and then calls run.
func newSplice(b *Broker, src *agentLink, srcID uint32, fromSrc *link.Queue, dst *agentLink) *splice {
	return &splice{
		broker:  b,
		src:     src,
		srcID:   srcID,
		dst:     dst,
		fromSrc: fromSrc,
		fromDst: link.NewQueue(),
	}
}

// run starts the two pumps. The backward pump watches for the terminal
// control (refusal or exit, both target-originated) and retires the
// splice once it has been forwarded.
func (s *splice) run() {
	go s.pump(s.fromSrc, s.dst, s.dstID, false)
	go s.pump(s.fromDst, s.src, s.srcID, true)
}

func (s *splice) pump(in *link.Queue, out *agentLink, outID uint32, watchTerminal bool) {
	for {
		frame, ok := in.Pop()
		if !ok {
			return
		}
		frame.Connection = outID

		terminal := false
		if watchTerminal && frame.Stream == wire.StreamControl {
			if control, err := wire.ParseControl(frame); err == nil && control.Terminal() {
				terminal = true
			}
		}
		if err := out.lk.Send(frame); err != nil {
			s.close(true, wire.ReasonStreamAborted, "relay link lost")
			return
		}
		if terminal {
			s.close(false, "", "")
			return
		}
	}
}

// abort is installed as both endpoints' aborter.
func (s *splice) abort(reason, detail string) {
	s.close(true, reason, detail)
}

// release retires a splice that never started pumping (setup failed).
func (s *splice) release() {
	s.close(false, "", "")
}

// close retires the splice exactly once: deregisters both ends and
// closes both queues, which ends the pumps. When notify is set, both
// peers get a best-effort refusal naming the reason — one of them is
// usually the reason the splice died, and a refusal into a dead link
// is harmless.
func (s *splice) close(notify bool, reason, detail string) {
	s.once.Do(func() {
		s.src.unregister(s.srcID)
		if s.dstID != 0 {
			s.dst.unregister(s.dstID)
		}
		s.fromSrc.Close()
		s.fromDst.Close()
		if !notify {
			return
		}
		if frame, err := wire.RefusedFrame(s.srcID, reason, detail); err == nil {
			_ = s.src.lk.Send(frame)
		}
		if s.dstID != 0 {
			if frame, err := wire.RefusedFrame(s.dstID, reason, detail); err == nil {
				_ = s.dst.lk.Send(frame)
			}
		}
	})
}
