// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides SHA256 content hashing for binary files.
//
// Lattice daemons report the content hash of their own running binary
// so that operators can tell which build is actually serving a node.
// Store paths and symlinks change on every deploy even when the output
// binary is byte-identical; comparing SHA256 digests of the actual
// binary files answers "is every node running the same code" without
// trusting path names. The daemon hashes its own executable at startup,
// logs the digest, and reports it in info responses.
//
// The API surface is three functions:
//
//   - [HashFile] -- streams a file through SHA256, returning a [32]byte
//     digest with constant memory usage regardless of file size
//   - [FormatDigest] -- converts a [32]byte digest to its canonical
//     hex-encoded string representation, used in info responses and
//     log output
//   - [ParseDigest] -- parses a hex-encoded digest string back to a
//     [32]byte array, validating length and encoding
//
// This package has no dependencies on other Lattice packages.
package binhash
