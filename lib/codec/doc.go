// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Lattice's standard CBOR encoding configuration.
//
// Lattice uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: command spec files read by
//     lattice-exec --spec, and anything a human or foreign tool reads.
//   - CBOR for internal protocols: every message on the daemon bus
//     (exec, write, kill, list, disconnect and their responses) and
//     the client identity tokens that authenticate them.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Lattice package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (tokens, stored payloads):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (bus sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Examples: bus envelopes, identity token payloads.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: the rexec protocol
//     types, and command specs, which are parsed from JSON files and
//     ride exec requests as CBOR.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract, and doubling up obscures whether a
// type participates in JSON serialization.
package codec
