// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ioenc

import (
	"errors"
	"fmt"
)

// Chunk is one unit of subprocess I/O on the wire. Stream and Rank are
// always present; Data is absent on pure end-of-stream markers.
type Chunk struct {
	Stream string `json:"stream"`
	Rank   string `json:"rank"`
	Data   []byte `json:"data,omitempty"`
	EOF    bool   `json:"eof,omitempty"`
}

// ErrNoStream is returned by Validate for chunks without a stream name.
var ErrNoStream = errors.New("ioenc: chunk has no stream name")

// ErrNoRank is returned by Validate for chunks without a rank.
var ErrNoRank = errors.New("ioenc: chunk has no rank")

// New returns a data chunk for one stream of the subprocess running on
// rank.
func New(stream, rank string, data []byte) Chunk {
	return Chunk{Stream: stream, Rank: rank, Data: data}
}

// NewEOF returns the end-of-stream marker for stream.
func NewEOF(stream, rank string) Chunk {
	return Chunk{Stream: stream, Rank: rank, EOF: true}
}

// Validate checks the chunk's wire invariants. Consumers call this on
// every decoded chunk before acting on it; a chunk that fails
// validation indicates a peer speaking a different protocol.
func (c *Chunk) Validate() error {
	if c.Stream == "" {
		return ErrNoStream
	}
	if c.Rank == "" {
		return ErrNoRank
	}
	return nil
}

// End reports whether the chunk terminates its stream.
func (c *Chunk) End() bool {
	return c.EOF
}

// String renders the chunk for log output without dumping payload
// bytes.
func (c *Chunk) String() string {
	if c.EOF {
		return fmt.Sprintf("%s[%s]: eof (%d bytes)", c.Stream, c.Rank, len(c.Data))
	}
	return fmt.Sprintf("%s[%s]: %d bytes", c.Stream, c.Rank, len(c.Data))
}
