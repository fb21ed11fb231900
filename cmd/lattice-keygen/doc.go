// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Command lattice-keygen manages the token signing authority for a
// Lattice deployment: it generates the Ed25519 keypair a daemon
// verifies against, mints caller identity tokens scoped to a service,
// and verifies existing token files for debugging.
package main
