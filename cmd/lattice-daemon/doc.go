// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Lattice-daemon is the per-node execution daemon. It runs the bus
// broker on a Unix socket, mounts the rexec subprocess server on it,
// and answers lattice.info identity queries. Requests arrive from
// lattice-exec and from peer tooling; spawned commands inherit the
// node's bus address through LATTICE_URI. On SIGINT or SIGTERM the
// daemon drains: running subprocesses are signaled and the daemon
// waits for the registry to empty, force-killing whatever outlives
// the grace timeout.
package main
