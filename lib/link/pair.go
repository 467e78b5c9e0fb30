// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"log/slog"
	"net"
)

// Pair returns two connected links over an in-memory pipe. The pipe
// is fully synchronous, which makes it the strictest possible
// stand-in for a flow-controlled channel: any code path that blocks a
// demux loop deadlocks immediately under test instead of hiding
// behind kernel socket buffers.
func Pair(logger *slog.Logger) (*Link, *Link) {
	a, b := net.Pipe()
	return New(a, logger), New(b, logger)
}
