// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package session implements C6, the Session Manager: create_session per
// §4.3. It is grounded on the teacher's sessions.manager (a mutex-guarded
// map keyed by a freshly minted id, with Add/Cancel/Get/Shutdown), adapted
// from a UUID-keyed session registry to a random-label subdomain registry
// backed by C4 instead of its own map.
package session

import (
	"io"
	"log/slog"
	"time"

	"github.com/adrgs/requestrepo/internal/apperr"
	"github.com/adrgs/requestrepo/internal/cache"
	"github.com/adrgs/requestrepo/internal/idgen"
	"github.com/adrgs/requestrepo/internal/token"
)

// maxCollisionRetries bounds subdomain-label collision retries (§4.3 step 3).
const maxCollisionRetries = 8

// Manager is C6. One Manager serves the whole process; it holds no
// per-session state of its own beyond the rate limiter, since C4 is the
// session registry of record.
type Manager struct {
	log     *slog.Logger
	cache   *cache.Cache
	tokens  token.Issuer
	limiter *ipLimiter

	// adminCredential, when non-empty, gates create_session (§4.3 step 1).
	adminCredential string

	// randSrc seeds subdomain labels and each session's capture-id
	// generator; nil means crypto/rand.Reader (idgen's own default).
	randSrc io.Reader
}

// New builds a Manager. rateCount/rateWindow implement §4.3 step 2;
// adminCredential == "" disables the admin gate (step 1).
func New(log *slog.Logger, c *cache.Cache, issuer token.Issuer, adminCredential string, rateCount int, rateWindow time.Duration, randSrc io.Reader) *Manager {
	return &Manager{
		log:             log,
		cache:           c,
		tokens:          issuer,
		limiter:         newIPLimiter(rateCount, rateWindow),
		adminCredential: adminCredential,
		randSrc:         randSrc,
	}
}

// CreateSession implements create_session(client_ip) per §4.3.
//
// suppliedCredential is the caller-presented admin credential, checked
// only when m.adminCredential is configured. An empty suppliedCredential
// is never treated as a match for a non-empty adminCredential.
func (m *Manager) CreateSession(clientIP, suppliedCredential string) (subdomain, tok string, err error) {
	if m.adminCredential != "" && (suppliedCredential == "" || suppliedCredential != m.adminCredential) {
		return "", "", apperr.New(apperr.AdminRequired, "admin credential required to create a session")
	}

	if !m.limiter.Allow(clientIP) {
		return "", "", apperr.New(apperr.RateLimited, "session creation rate limit exceeded")
	}

	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		label, genErr := idgen.SubdomainLabel(m.randSrc)
		if genErr != nil {
			return "", "", apperr.Wrap(apperr.Internal, "generate subdomain label", genErr)
		}

		if createErr := m.cache.CreateSession(label, idgen.NewCaptureIDGen(m.randSrc)); createErr != nil {
			m.log.Debug("subdomain collision, retrying", "subdomain", label, "attempt", attempt)
			continue
		}

		tok, tokErr := m.tokens.Mint(label)
		if tokErr != nil {
			m.cache.DeleteSession(label)
			return "", "", apperr.Wrap(apperr.Internal, "mint token", tokErr)
		}

		m.log.Info("session created", "subdomain", label, "clientIp", clientIP)
		return label, tok, nil
	}

	// Collision on every one of maxCollisionRetries attempts is not one of
	// the named §7 kinds; it reflects the label space being saturated,
	// which is an operational failure of the process, not a client error.
	return "", "", apperr.New(apperr.Internal, "subdomain space exhausted after repeated collisions")
}
