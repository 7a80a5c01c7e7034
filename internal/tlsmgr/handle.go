// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package tlsmgr implements C10: independent ACME lifecycles for the
// domain wildcard certificate (DNS-01) and the bare-IP certificate
// (HTTP-01), each behind a swap-pointer handle C8 reads without blocking
// the renewal goroutine. Grounded on other_examples' brankas-autocertdns
// Manager (cachedKey/renew/Run/GetCertificate shape using
// golang.org/x/crypto/acme), generalized from a single DNS-01 lifecycle
// into two independent ones sharing the same account key and persistence
// conventions, and rewired onto the teacher's caffix/queue dispatcher
// idiom for renewal scheduling instead of a bare time.After loop.
package tlsmgr

import (
	"crypto/tls"
	"sync"
	"sync/atomic"
)

// CertHandle is the atomically-swappable "current certificate" C8 reads
// on every TLS handshake (§4.5: "Certificate material is read through a
// handle that atomically swaps when C10 rotates").
type CertHandle struct {
	cert atomic.Pointer[tls.Certificate]
}

// Get returns the current certificate, or nil if none has been issued yet.
func (h *CertHandle) Get() *tls.Certificate {
	return h.cert.Load()
}

// Set installs a newly (re)issued certificate.
func (h *CertHandle) Set(cert *tls.Certificate) {
	h.cert.Store(cert)
}

// HTTPChallengeHandle is the in-memory key-authorization C10 publishes for
// an in-flight HTTP-01 order and C8 serves at
// GET /.well-known/acme-challenge/{token} (§4.5 routing step 1).
type HTTPChallengeHandle struct {
	mu      sync.RWMutex
	token   string
	keyAuth string
	set     bool
}

// Publish installs the pending challenge response.
func (h *HTTPChallengeHandle) Publish(token, keyAuth string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token, h.keyAuth, h.set = token, keyAuth, true
}

// Clear removes the pending challenge once the order completes.
func (h *HTTPChallengeHandle) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token, h.keyAuth, h.set = "", "", false
}

// Lookup returns the key authorization for token, if one is currently
// pending (§4.5 step 1: "404 otherwise").
func (h *HTTPChallengeHandle) Lookup(token string) (keyAuth string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.set || token != h.token {
		return "", false
	}
	return h.keyAuth, true
}
