// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package token defines C2, the owner-credential trait. The session
// manager depends only on this interface; how a token is minted, signed,
// or verified is an external collaborator's concern (spec.md C2: "treated
// as an external collaborator, not re-specified here").
package token

// Issuer mints and verifies the opaque credential a client presents to
// prove ownership of a subdomain. Implementations decide the token's
// shape (signed JWT, random capability string, HMAC'd cookie, ...); the
// rest of the system only ever calls Mint and Verify.
type Issuer interface {
	// Mint returns a token bound to subdomain. The token is handed to the
	// client once, at session-creation time, and never recoverable again.
	Mint(subdomain string) (string, error)

	// Verify reports the subdomain a previously-minted token is bound to.
	// apperr.Unauthorized is returned for a malformed or unrecognized
	// token.
	Verify(tok string) (subdomain string, err error)
}

// Static is a trivial non-cryptographic Issuer: the token IS the
// subdomain. It exists only as a local-dev/test double and must never be
// wired into a deployment that exposes real capture data, since any
// client can forge another owner's token by guessing its subdomain.
type Static struct{}

// Mint returns subdomain itself as the token.
func (Static) Mint(subdomain string) (string, error) { return subdomain, nil }

// Verify returns tok itself as the subdomain.
func (Static) Verify(tok string) (string, error) { return tok, nil }
