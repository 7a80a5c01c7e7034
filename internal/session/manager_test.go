// Copyright © by Jeff Foley 2023. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adrgs/requestrepo/internal/apperr"
	"github.com/adrgs/requestrepo/internal/cache"
	"github.com/adrgs/requestrepo/internal/token"
)

func testManager(t *testing.T, adminCredential string, rateCount int) *Manager {
	t.Helper()
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.New(cache.Options{
		BudgetBytes:        1 << 20,
		LowWatermarkBytes:  1 << 19,
		MaxCapturesPerSub:  10,
		MaxFileBytesPerSub: 4096,
		CatchallCap:        8,
	})
	return New(l, c, token.Static{}, adminCredential, rateCount, time.Minute, bytes.NewReader(deterministicBytes()))
}

// deterministicBytes hands idgen a fixed 4096-byte deterministic stream
// (12 bytes per created session) so tests never depend on crypto/rand.
func deterministicBytes() []byte {
	b := make([]byte, 4096)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestCreateSessionHappyPath(t *testing.T) {
	mgr := testManager(t, "", 10)

	sub, tok, err := mgr.CreateSession("203.0.113.1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sub) != 8 {
		t.Errorf("expected an 8-char subdomain label, got %q", sub)
	}
	if tok == "" {
		t.Error("expected a non-empty token")
	}
	if !mgr.cache.SessionExists(sub) {
		t.Error("expected the session to be installed in the cache")
	}
}

func TestCreateSessionAdminGate(t *testing.T) {
	mgr := testManager(t, "s3cret", 10)

	if _, _, err := mgr.CreateSession("203.0.113.1", ""); !apperr.Is(err, apperr.AdminRequired) {
		t.Fatalf("expected AdminRequired, got %v", err)
	}
	if _, _, err := mgr.CreateSession("203.0.113.1", "wrong"); !apperr.Is(err, apperr.AdminRequired) {
		t.Fatalf("expected AdminRequired for a wrong credential, got %v", err)
	}
	if _, _, err := mgr.CreateSession("203.0.113.1", "s3cret"); err != nil {
		t.Fatalf("expected the correct credential to pass, got %v", err)
	}
}

func TestCreateSessionRateLimited(t *testing.T) {
	mgr := testManager(t, "", 2)

	for i := 0; i < 2; i++ {
		if _, _, err := mgr.CreateSession("203.0.113.1", ""); err != nil {
			t.Fatalf("unexpected error on creation %d: %v", i, err)
		}
	}
	if _, _, err := mgr.CreateSession("203.0.113.1", ""); !apperr.Is(err, apperr.RateLimited) {
		t.Fatalf("expected RateLimited on the third creation, got %v", err)
	}

	// A distinct IP has its own independent budget.
	if _, _, err := mgr.CreateSession("198.51.100.7", ""); err != nil {
		t.Fatalf("expected a fresh IP to pass, got %v", err)
	}
}
