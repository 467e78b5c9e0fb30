// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "stdin data",
			frame: DataFrame(7, StreamStdin, []byte("hello service")),
		},
		{
			name:  "zero-length data is not EOF",
			frame: DataFrame(7, StreamStdout, nil),
		},
		{
			name:  "stderr data",
			frame: DataFrame(1, StreamStderr, []byte("warning\n")),
		},
		{
			name:  "stdin EOF",
			frame: EOFFrame(7, StreamStdin),
		},
		{
			name:  "max payload",
			frame: DataFrame(42, StreamStdout, bytes.Repeat([]byte{0xa5}, MaxPayload)),
		},
		{
			name: "compressible payload",
			// 4 KiB of repeating text compresses well below its size,
			// exercising the LZ4 path end to end.
			frame: DataFrame(9, StreamStdout, []byte(strings.Repeat("0123456789", 400))),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var buffer bytes.Buffer
			if err := WriteFrame(&buffer, test.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			got, err := ReadFrame(&buffer)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Connection != test.frame.Connection {
				t.Errorf("connection: got %d, want %d", got.Connection, test.frame.Connection)
			}
			if got.Stream != test.frame.Stream {
				t.Errorf("stream: got %v, want %v", got.Stream, test.frame.Stream)
			}
			if got.EOF() != test.frame.EOF() {
				t.Errorf("EOF: got %v, want %v", got.EOF(), test.frame.EOF())
			}
			if !bytes.Equal(got.Payload, test.frame.Payload) {
				t.Errorf("payload: got %d bytes, want %d bytes", len(got.Payload), len(test.frame.Payload))
			}
		})
	}
}

func TestCompressionShrinksWire(t *testing.T) {
	t.Parallel()
	payload := []byte(strings.Repeat("abcdefgh", 512))
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, DataFrame(1, StreamStdout, payload)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buffer.Len() >= headerLength+len(payload) {
		t.Errorf("compressible payload not compressed: wire size %d, raw size %d",
			buffer.Len(), headerLength+len(payload))
	}
}

func TestEOFDistinctFromEmptyPayload(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, DataFrame(3, StreamStdout, nil)); err != nil {
		t.Fatalf("WriteFrame(empty): %v", err)
	}
	if err := WriteFrame(&buffer, EOFFrame(3, StreamStdout)); err != nil {
		t.Fatalf("WriteFrame(EOF): %v", err)
	}

	empty, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame(empty): %v", err)
	}
	if empty.EOF() {
		t.Error("zero-length data frame decoded as EOF")
	}

	eof, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame(EOF): %v", err)
	}
	if !eof.EOF() {
		t.Error("EOF marker frame not decoded as EOF")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	frame := DataFrame(1, StreamStdin, make([]byte, MaxPayload+1))
	if err := WriteFrame(&buffer{}, frame); err == nil {
		t.Error("expected error for oversized payload")
	}
}

// buffer is a minimal io.Writer for error-path tests.
type buffer struct{ bytes.Buffer }

func TestReadFrameViolations(t *testing.T) {
	t.Parallel()

	encode := func(connection uint32, stream, flags byte, length uint16, payload []byte) []byte {
		var header [headerLength]byte
		binary.BigEndian.PutUint32(header[0:4], connection)
		header[4] = stream
		header[5] = flags
		binary.BigEndian.PutUint16(header[6:8], length)
		return append(header[:], payload...)
	}

	tests := []struct {
		name        string
		data        []byte
		recoverable bool
	}{
		{
			name:        "unknown stream tag",
			data:        encode(1, 0x7f, 0, 0, nil),
			recoverable: true,
		},
		{
			name:        "unknown flag bits",
			data:        encode(1, byte(StreamStdin), 0x80, 0, nil),
			recoverable: true,
		},
		{
			name: "oversized length header",
			data: encode(1, byte(StreamStdin), 0, MaxPayload+1, nil),
			// Length corruption desynchronizes the stream: link-fatal.
			recoverable: false,
		},
		{
			name:        "EOF with payload",
			data:        encode(1, byte(StreamStdin), byte(FlagEOF), 4, []byte("data")),
			recoverable: true,
		},
		{
			name:        "garbage lz4 payload",
			data:        encode(1, byte(StreamStdin), byte(FlagLZ4), 4, []byte{0xff, 0xff, 0xff, 0xff}),
			recoverable: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadFrame(bytes.NewReader(test.data))
			var pv *ProtocolViolationError
			if !errors.As(err, &pv) {
				t.Fatalf("got %v, want ProtocolViolationError", err)
			}
			if pv.Recoverable != test.recoverable {
				t.Errorf("recoverable: got %v, want %v", pv.Recoverable, test.recoverable)
			}
			if test.recoverable && pv.Connection != 1 {
				t.Errorf("connection: got %d, want 1", pv.Connection)
			}
		})
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	t.Parallel()
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01}))
	if err == nil {
		t.Fatal("expected error for truncated header")
	}
	var pv *ProtocolViolationError
	if errors.As(err, &pv) {
		t.Error("truncated read should be a transport error, not a protocol violation")
	}
}

func TestLargeStreamAsManyFrames(t *testing.T) {
	t.Parallel()
	// 10 KiB logical stream crosses multiple frames; the chunking is
	// the caller's job, the codec just has to round-trip each one.
	data := bytes.Repeat([]byte("0123456789"), 1024)
	var wireBuffer bytes.Buffer
	for offset := 0; offset < len(data); offset += MaxPayload {
		end := min(offset+MaxPayload, len(data))
		if err := WriteFrame(&wireBuffer, DataFrame(5, StreamStdin, data[offset:end])); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := WriteFrame(&wireBuffer, EOFFrame(5, StreamStdin)); err != nil {
		t.Fatalf("WriteFrame(EOF): %v", err)
	}

	var decoded bytes.Buffer
	for {
		frame, err := ReadFrame(&wireBuffer)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if frame.EOF() {
			break
		}
		decoded.Write(frame.Payload)
	}
	if !bytes.Equal(decoded.Bytes(), data) {
		t.Errorf("reassembled stream differs: got %d bytes, want %d", decoded.Len(), len(data))
	}
}
