// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the Domex frame codec: the fixed-header binary
// framing that multiplexes connection streams over a link, and the
// CBOR control messages carried on the control stream.
//
// Each frame is an 8-byte header followed by the payload:
//
//	[4 bytes connection ID] [1 byte stream tag] [1 byte flags]
//	[2 bytes payload length] [payload]
//
// all integers big-endian. The payload is capped at [MaxPayload] so a
// single slow frame never occupies the link for long and per-frame
// buffering stays bounded; large logical streams are carried as many
// small frames. The flow-controlled byte channel underneath (the
// hypervisor channel, or a unix socket standing in for it) provides
// reliable ordered delivery and backpressure below this layer.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// StreamTag identifies which logical stream of a connection a frame
// belongs to.
type StreamTag byte

const (
	// StreamControl carries CBOR control messages (see Control).
	StreamControl StreamTag = 0x00

	// StreamStdin carries client→service payload bytes.
	StreamStdin StreamTag = 0x01

	// StreamStdout carries service→client payload bytes.
	StreamStdout StreamTag = 0x02

	// StreamStderr carries service→client diagnostic bytes.
	StreamStderr StreamTag = 0x03
)

// String returns the stream tag name.
func (tag StreamTag) String() string {
	switch tag {
	case StreamControl:
		return "control"
	case StreamStdin:
		return "stdin"
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(tag))
	}
}

// Flags is the frame flag bitfield.
type Flags byte

const (
	// FlagEOF marks the end of one direction of one connection. An
	// EOF frame carries no payload; the marker is distinct from a
	// zero-length data frame, which is legal and means nothing.
	FlagEOF Flags = 0x01

	// FlagLZ4 marks the payload as LZ4 block-compressed. Compression
	// is per-frame and transparent: WriteFrame applies it when it
	// shrinks the payload, ReadFrame always undoes it.
	FlagLZ4 Flags = 0x02

	// knownFlags is the set of flag bits this codec understands.
	// Unknown bits are a protocol violation, not a silent ignore —
	// a peer setting them means the two sides disagree about the
	// protocol, and guessing would corrupt the stream.
	knownFlags = FlagEOF | FlagLZ4
)

// MaxPayload is the maximum decoded payload size of a single frame.
const MaxPayload = 4096

// headerLength is the fixed frame header size.
const headerLength = 8

// compressMinSize is the smallest payload WriteFrame tries to
// compress. Below this, the LZ4 block overhead eats the gain.
const compressMinSize = 256

// Frame is the unit of the wire protocol: an opaque payload tagged
// with a connection ID and a stream tag. The Payload of a decoded
// frame is always the uncompressed bytes.
type Frame struct {
	Connection uint32
	Stream     StreamTag
	Flags      Flags
	Payload    []byte
}

// EOF reports whether this frame is the EOF marker for its stream.
func (f Frame) EOF() bool {
	return f.Flags&FlagEOF != 0
}

// EOFFrame returns the EOF marker frame for one stream of one
// connection.
func EOFFrame(connection uint32, stream StreamTag) Frame {
	return Frame{Connection: connection, Stream: stream, Flags: FlagEOF}
}

// DataFrame returns a data frame. The payload must not exceed
// MaxPayload; callers chunk larger streams.
func DataFrame(connection uint32, stream StreamTag, payload []byte) Frame {
	return Frame{Connection: connection, Stream: stream, Payload: payload}
}

// ProtocolViolationError reports a malformed frame: unknown stream tag
// or flag bits, an oversized length header, a payload on an EOF
// marker, or undecodable compressed data. It is fatal to the offending
// connection only — the process and its other connections continue.
//
// When the violating frame's header was intact (Recoverable), the
// payload has been consumed and the byte stream is still framed:
// Connection identifies the connection to terminate and the link
// carries on. A violation in the length header itself desynchronizes
// the stream, so it is not recoverable and takes the link down (which
// aborts that link's connections, not the process).
type ProtocolViolationError struct {
	Detail      string
	Connection  uint32
	Recoverable bool
}

func (e *ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Detail
}

func violation(format string, args ...any) error {
	return &ProtocolViolationError{Detail: fmt.Sprintf(format, args...)}
}

func connectionViolation(connection uint32, format string, args ...any) error {
	return &ProtocolViolationError{
		Detail:      fmt.Sprintf(format, args...),
		Connection:  connection,
		Recoverable: true,
	}
}

// WriteFrame encodes one frame to w. Payloads of at least
// compressMinSize are LZ4-compressed when that shrinks them. The
// payload must not exceed MaxPayload and an EOF frame must carry none.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxPayload {
		return fmt.Errorf("payload %d exceeds maximum %d", len(frame.Payload), MaxPayload)
	}
	if frame.EOF() && len(frame.Payload) > 0 {
		return fmt.Errorf("EOF frame carries %d payload bytes", len(frame.Payload))
	}

	payload := frame.Payload
	flags := frame.Flags &^ FlagLZ4
	if len(payload) >= compressMinSize {
		if compressed := compressPayload(payload); compressed != nil {
			payload = compressed
			flags |= FlagLZ4
		}
	}

	var header [headerLength]byte
	binary.BigEndian.PutUint32(header[0:4], frame.Connection)
	header[4] = byte(frame.Stream)
	header[5] = byte(flags)
	binary.BigEndian.PutUint16(header[6:8], uint16(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame decodes one frame from r. Malformed frames return a
// *ProtocolViolationError; transport failures return the underlying
// read error. The returned payload is always uncompressed.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	frame := Frame{
		Connection: binary.BigEndian.Uint32(header[0:4]),
		Stream:     StreamTag(header[4]),
		Flags:      Flags(header[5]),
	}
	length := binary.BigEndian.Uint16(header[6:8])

	// The length header must be validated before anything else: it is
	// the only field whose corruption desynchronizes the stream, so it
	// is the only unrecoverable violation.
	if length > MaxPayload {
		return Frame{}, violation("payload length %d exceeds maximum %d", length, MaxPayload)
	}

	if length > 0 {
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
		frame.Payload = payload
	}

	switch frame.Stream {
	case StreamControl, StreamStdin, StreamStdout, StreamStderr:
	default:
		return Frame{}, connectionViolation(frame.Connection, "unknown stream tag 0x%02x", header[4])
	}
	if frame.Flags&^knownFlags != 0 {
		return Frame{}, connectionViolation(frame.Connection, "unknown flag bits 0x%02x", header[5])
	}
	if frame.EOF() && length > 0 {
		return Frame{}, connectionViolation(frame.Connection, "EOF frame carries %d payload bytes", length)
	}

	if frame.Flags&FlagLZ4 != 0 {
		decompressed, err := decompressPayload(frame.Payload)
		if err != nil {
			return Frame{}, connectionViolation(frame.Connection, "lz4 payload undecodable: %v", err)
		}
		frame.Payload = decompressed
		frame.Flags &^= FlagLZ4
	}
	return frame, nil
}

// compressPayload LZ4-compresses payload, returning nil when the
// result would not be smaller (including LZ4's own "incompressible"
// signal of a zero write count).
func compressPayload(payload []byte) []byte {
	destination := make([]byte, lz4.CompressBlockBound(len(payload)))
	written, err := lz4.CompressBlock(payload, destination, nil)
	if err != nil || written == 0 || written >= len(payload) {
		return nil
	}
	return destination[:written]
}

// decompressPayload undoes compressPayload. The decompressed size is
// bounded by MaxPayload via the destination buffer size.
func decompressPayload(payload []byte) ([]byte, error) {
	destination := make([]byte, MaxPayload)
	read, err := lz4.UncompressBlock(payload, destination)
	if err != nil {
		return nil, err
	}
	return destination[:read], nil
}
