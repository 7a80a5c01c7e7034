// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package geo defines C3, the IP-to-country lookup trait. Like C2, spec.md
// treats this as an external collaborator; responders call it best-effort
// and never fail a request when it has nothing to say.
package geo

import "net"

// Lookup resolves a source address to an ISO country code. A false second
// return means "no answer available" (unknown IP, lookup data absent,
// lookup disabled) — never an error, since geo annotation is informational
// and must never block or fail a capture.
type Lookup interface {
	Country(ip net.IP) (code string, ok bool)
}

// None is the no-op Lookup wired by default: every capture is recorded
// without a country annotation.
type None struct{}

// Country always reports no answer.
func (None) Country(net.IP) (string, bool) { return "", false }
