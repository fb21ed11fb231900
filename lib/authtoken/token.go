// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package authtoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lattice-foundation/lattice/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Token is the CBOR-encoded payload of a caller identity token.
type Token struct {
	// Subject names the caller this token was minted for. Free-form
	// (an operator name, a tool name); services log it but do not
	// parse it.
	Subject string `cbor:"1,keyasint"`

	// Audience is the service this token is scoped to (e.g.,
	// "rexec"). A token for one service cannot be used against
	// another.
	Audience string `cbor:"2,keyasint"`

	// ID is a unique token identifier (hex string) for audit logs.
	ID string `cbor:"3,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of when the token was
	// minted.
	IssuedAt int64 `cbor:"4,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which the token
	// is no longer valid.
	ExpiresAt int64 `cbor:"5,keyasint"`
}

// Errors returned by Verify and related functions.
var (
	ErrTokenTooShort    = errors.New("authtoken: token too short for signature")
	ErrInvalidSignature = errors.New("authtoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("authtoken: token has expired")
	ErrAudienceMismatch = errors.New("authtoken: audience does not match")
)

// Mint signs a Token with the signing authority's private key and
// returns the raw wire-format bytes: CBOR-encoded payload followed by
// the 64-byte Ed25519 signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("authtoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	// Concatenate payload and signature.
	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)

	return result, nil
}

// Verify splits the raw token bytes, verifies the Ed25519 signature,
// CBOR-decodes the payload, and checks expiry. Returns the decoded
// Token on success.
//
// The caller should additionally check the Audience field against the
// expected service name; [Authorizer] does both.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is like Verify but accepts an explicit time for expiry
// checks. This supports deterministic testing.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("authtoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// NewID returns a fresh random token identifier (16 hex characters).
func NewID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("authtoken: generating token ID: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
