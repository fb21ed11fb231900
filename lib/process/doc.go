// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Lattice
// binaries. These functions centralize the one legitimate raw I/O
// pattern that exists before the structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
//
// Direct fmt.Fprintf calls in non-CLI code should go through this
// package (or lib/version for --version output) so that daemon output
// stays structured.
package process
