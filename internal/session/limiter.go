// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"
)

// ipLimiter is a fixed-window per-IP admission counter: at most `count`
// session creations per `window`, rejecting immediately once the budget is
// spent rather than stalling the caller (unlike a blocking token-bucket
// pacer such as go.uber.org/ratelimit, which is the wrong shape for an
// admission check — see SPEC_FULL.md §11).
type ipLimiter struct {
	mu     sync.Mutex
	count  int
	window time.Duration
	hits   map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	n           int
}

func newIPLimiter(count int, window time.Duration) *ipLimiter {
	return &ipLimiter{count: count, window: window, hits: make(map[string]*bucket)}
}

// Allow reports whether clientIP may create one more session right now,
// consuming one unit of its budget if so.
func (l *ipLimiter) Allow(clientIP string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.hits[clientIP]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.hits[clientIP] = b
	}
	if b.n >= l.count {
		return false
	}
	b.n++
	return true
}
