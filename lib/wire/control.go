// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"

	"github.com/domex-project/domex/lib/codec"
	"github.com/domex-project/domex/lib/ident"
)

// Control message types. A control frame's payload is one CBOR
// Control value; the Type field selects which of the optional fields
// are meaningful.
const (
	// TypeHello is exchanged once on connection ID 0 when a link is
	// established; it names the agent's domain.
	TypeHello = "hello"

	// TypeInvoke asks the broker to open a service connection. Sent
	// by the source agent on the connection ID it allocated.
	TypeInvoke = "invoke"

	// TypeExec instructs a target agent to instantiate a service.
	// Sent by the broker on the connection ID it allocated.
	TypeExec = "exec"

	// TypeAccepted confirms that the service was instantiated and
	// relaying has begun.
	TypeAccepted = "accepted"

	// TypeRefused terminates a connection before relaying: policy
	// denial, unreachable target, or failed spawn. Terminal.
	TypeRefused = "refused"

	// TypeExit delivers the service's exit status after both output
	// streams have drained. Terminal.
	TypeExit = "exit"

	// TypeCancel is a caller-initiated abort, propagated to the
	// target side.
	TypeCancel = "cancel"
)

// Refusal and abort reasons carried in TypeRefused messages.
const (
	// ReasonPolicyDenied: no matching allow rule. Deliberately also
	// used when the service has no policy at all, so a prober cannot
	// distinguish "denied" from "not found".
	ReasonPolicyDenied = "policy-denied"

	// ReasonTargetUnreachable: the effective target domain has no
	// live agent link.
	ReasonTargetUnreachable = "target-unreachable"

	// ReasonSpawnFailed: target-side setup failed (executable or
	// socket missing, fork failure).
	ReasonSpawnFailed = "spawn-failed"

	// ReasonProtocolViolation: the connection carried a malformed
	// frame and was terminated.
	ReasonProtocolViolation = "protocol-violation"

	// ReasonStreamAborted: the peer side closed mid-transfer. Data
	// already delivered is preserved; the remainder is lost.
	ReasonStreamAborted = "stream-aborted"

	// ReasonCancelled: the caller cancelled the invocation.
	ReasonCancelled = "cancelled"
)

// Target addressing modes carried in TypeExec messages and rendered
// into the socket-service preamble.
const (
	// TargetByName: the caller named the target domain directly.
	TargetByName = "name"

	// TargetByKeyword: the caller addressed the target through a
	// policy keyword (e.g. @adminvm); Target holds the keyword word
	// without its sigil.
	TargetByKeyword = "keyword"
)

// Control is the envelope for every control message. One struct with
// omitempty fields rather than a struct per type: the wire stays
// self-describing and adding a message type never changes framing.
type Control struct {
	Type string `cbor:"type"`

	// Domain is the agent's domain name (TypeHello).
	Domain string `cbor:"domain,omitempty"`

	// Service is the full service descriptor, "name" or
	// "name+argument" (TypeInvoke, TypeExec).
	Service string `cbor:"service,omitempty"`

	// Source is the invoking domain (TypeExec; the broker fills it
	// in from the link identity, never from the client).
	Source string `cbor:"source,omitempty"`

	// Target is the requested target for TypeInvoke (a domain name,
	// a keyword, or empty for the policy default), and the effective
	// target for TypeExec (interpreted per TargetType).
	Target string `cbor:"target,omitempty"`

	// TargetType is TargetByName or TargetByKeyword (TypeExec).
	TargetType string `cbor:"target_type,omitempty"`

	// Reason is one of the Reason constants (TypeRefused).
	Reason string `cbor:"reason,omitempty"`

	// Detail is a human-readable elaboration of Reason. It is shown
	// to the invoking client, so it must not leak target-side state
	// beyond what the reason already implies.
	Detail string `cbor:"detail,omitempty"`

	// ExitCode is the service's exit status (TypeExit). A pointer so
	// exit 0 is distinguishable from an absent field.
	ExitCode *int `cbor:"exit_code,omitempty"`
}

// Terminal reports whether this control message ends the connection.
func (c Control) Terminal() bool {
	return c.Type == TypeRefused || c.Type == TypeExit
}

// ControlFrame encodes a control message into a frame on the given
// connection.
func ControlFrame(connection uint32, control Control) (Frame, error) {
	payload, err := codec.Marshal(control)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Connection: connection, Stream: StreamControl, Payload: payload}, nil
}

// ParseControl decodes the control message carried by a frame.
// Returns a *ProtocolViolationError when the frame is not a decodable
// control frame.
func ParseControl(frame Frame) (Control, error) {
	if frame.Stream != StreamControl {
		return Control{}, violation("control message on %s stream", frame.Stream)
	}
	var control Control
	if err := codec.Unmarshal(frame.Payload, &control); err != nil {
		return Control{}, violation("undecodable control payload: %v", err)
	}
	if control.Type == "" {
		return Control{}, violation("control message without type")
	}
	return control, nil
}

// ExitFrame encodes a TypeExit control message.
func ExitFrame(connection uint32, code int) (Frame, error) {
	return ControlFrame(connection, Control{Type: TypeExit, ExitCode: &code})
}

// RefusedFrame encodes a TypeRefused control message.
func RefusedFrame(connection uint32, reason, detail string) (Frame, error) {
	return ControlFrame(connection, Control{Type: TypeRefused, Reason: reason, Detail: detail})
}

// Preamble renders the descriptor line a socket-backed service reads
// before any payload bytes:
//
//	<service>+<argument> <source>\0
//	<service>+<argument> <source> keyword <target>\0
//
// The "+" is always present (so "test.Socket+" is an argument-less
// call), and the line is NUL-terminated. The target clause appears
// only for keyword-addressed calls; a caller that named the target
// directly adds nothing the service needs. This lets the listening
// peer identify the logical caller without a separate control channel.
func Preamble(service ident.Service, source, targetType, target string) []byte {
	var b bytes.Buffer
	b.WriteString(service.WireName())
	b.WriteByte(' ')
	b.WriteString(source)
	if targetType == TargetByKeyword {
		b.WriteByte(' ')
		b.WriteString(TargetByKeyword)
		b.WriteByte(' ')
		b.WriteString(target)
	}
	b.WriteByte(0)
	return b.Bytes()
}
