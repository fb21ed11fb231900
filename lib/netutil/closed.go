// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small networking helpers shared by the bus
// transport.
package netutil

import (
	"errors"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. A bus client that exits without a clean close produces these
// on the broker's in-flight reads and writes; they mark teardown, not
// trouble, and are not worth logging as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EPIPE || errno == unix.ECONNRESET
	}
	return false
}
