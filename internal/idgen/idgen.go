// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package idgen mints the two identifier shapes the data model needs: the
// random subdomain label (§3 Subdomain) and the monotonically-ordered,
// collision-resistant capture id (§3 CapturedRequest). Random source is
// configuration per §4.3 ("Admin gate, rate limit, and random source are
// configuration; the algorithm is invariant"), so both are built around an
// injectable io.Reader rather than a package-level global, the way the
// teacher passes its *log.Logger and *config.Config into constructors
// instead of reaching for statics.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"time"
)

const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SubdomainLabel returns a fresh 8-character lowercase alphanumeric label.
func SubdomainLabel(src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(8)
	for _, v := range buf {
		b.WriteByte(subdomainAlphabet[int(v)%len(subdomainAlphabet)])
	}
	return b.String(), nil
}

// CaptureIDGen mints capture ids that increase strictly within a single
// subdomain (§3: "IDs are monotonically-ordered, collision-resistant
// identifiers unique within a subdomain"). Each subdomain owns one
// generator; C4 creates one per new session entry.
type CaptureIDGen struct {
	mu     sync.Mutex
	last   int64
	random [4]byte
}

// NewCaptureIDGen seeds the generator's collision-resistant suffix from src.
func NewCaptureIDGen(src io.Reader) *CaptureIDGen {
	if src == nil {
		src = rand.Reader
	}
	g := &CaptureIDGen{}
	_, _ = io.ReadFull(src, g.random[:])
	return g
}

// Next returns the next id: a microsecond timestamp (monotonic within the
// process thanks to the mutex-serialized bump-on-collision below) followed
// by a 4-byte random suffix fixed at generator creation. The extended-hex
// base32 alphabet keeps its ASCII order aligned with the encoded value, so
// encoding the timestamp first makes ids sortable as opaque strings —
// which is what list_captures' "oldest-first" ordering relies on.
func (g *CaptureIDGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMicro()
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now

	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(now))
	copy(buf[8:], g.random[:])

	return strings.ToLower(base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:]))
}
