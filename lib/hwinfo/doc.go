// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo probes node hardware for the daemon's info endpoint.
// It reads CPU topology, memory, and NUMA layout from /proc and /sys
// on Linux, and provides one-shot load and available-memory readings
// for liveness-style queries.
//
// Probing never fails: missing or unreadable files produce zero-valued
// fields. A minimal VM with no NUMA and no cache hierarchy is a valid
// node that still reports its CPUs and memory.
package hwinfo
