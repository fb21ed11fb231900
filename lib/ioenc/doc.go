// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package ioenc defines the wire form of subprocess I/O.
//
// A [Chunk] carries one unit of data for one named stream (stdout,
// stderr, or an auxiliary channel) of one subprocess. Chunks ride
// inside rexec output messages as the "io" field, encoded through
// lib/codec like everything else on the bus.
//
// The rank is a string rather than an integer so that tools which
// aggregate output across nodes can carry rank sets ("[0-63]") in the
// same field a single daemon fills with its own rank ("4"). This
// package does not interpret rank contents.
//
// End of stream is an explicit marker: a chunk with EOF set and no
// data. A producer may also set EOF on a final data-bearing chunk;
// consumers must treat the two forms identically.
package ioenc
