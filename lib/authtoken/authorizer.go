// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package authtoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"
)

// ErrNoToken is returned by Authorize for requests that carry no
// token at all.
var ErrNoToken = errors.New("authtoken: request carries no identity token")

// Authorizer verifies caller tokens against a trusted public key for
// one service audience. Its Authorize method has the shape services
// expect from an authorization hook: token bytes in, nil or a denial
// reason out. The denial reason text is what the caller sees.
type Authorizer struct {
	publicKey ed25519.PublicKey
	audience  string

	// now is the clock used for expiry checks. Tests override it;
	// NewAuthorizer sets time.Now.
	now func() time.Time
}

// NewAuthorizer returns an Authorizer that accepts tokens signed by
// the holder of publicKey and scoped to audience.
func NewAuthorizer(publicKey ed25519.PublicKey, audience string) *Authorizer {
	return &Authorizer{
		publicKey: publicKey,
		audience:  audience,
		now:       time.Now,
	}
}

// Authorize verifies tokenBytes: signature, expiry, audience. A nil
// return admits the request. A non-nil return denies it; the error
// text travels back to the caller verbatim.
func (a *Authorizer) Authorize(tokenBytes []byte) error {
	if len(tokenBytes) == 0 {
		return ErrNoToken
	}

	token, err := VerifyAt(a.publicKey, tokenBytes, a.now())
	if err != nil {
		return err
	}

	if token.Audience != a.audience {
		return fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, a.audience)
	}

	return nil
}
