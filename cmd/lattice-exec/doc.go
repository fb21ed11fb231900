// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Lattice-exec is the operator CLI for a lattice-daemon. It runs
// commands on the node with live output streaming and stdin
// forwarding, exiting with the remote command's exit status; it also
// lists live subprocesses, delivers signals, and queries node
// identity. The daemon is addressed through its bus socket, taken
// from --socket or LATTICE_SOCKET.
package main
