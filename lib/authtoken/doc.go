// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package authtoken implements signed caller identity tokens for
// Lattice services.
//
// A token is a CBOR-encoded payload followed by a 64-byte Ed25519
// signature. The payload uses integer map keys (keyasint) to keep
// tokens small; a typical token is under 200 bytes. Tokens are minted
// by whoever holds the signing key (lattice-keygen, or a control
// plane), attached by clients to bus requests, and verified by
// services against the signing authority's public key.
//
// Verification checks three things: the signature over the payload,
// the expiry timestamp, and the audience. The audience is the name of
// the service the token is scoped to ("rexec" for the subprocess
// server); a token minted for one service is useless against another.
//
// [Authorizer] packages the verification policy behind a single
// method so that services can accept it as their authorization hook
// without knowing about keys or wire formats. Services that are
// configured without a public key run open: the hook is simply absent.
package authtoken
