// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package pubsub implements C5, the Subscriber Hub: a per-subdomain
// broadcast registry. It generalizes the teacher's pubsub.Logger — a
// mutex-guarded buffered channel with Publish/Subscribe — from "one
// channel per session's log stream" to "N bounded channels per
// subdomain, one per connected owner client."
package pubsub

import (
	"sync"

	"github.com/adrgs/requestrepo/internal/model"
)

// subscriberBuffer is the bounded receive end §4.2 and §5 describe: full
// buffer means best-effort delivery drops the message for that one
// subscriber, never blocking the publisher or other subscribers.
const subscriberBuffer = 64

// Hub is C5. Safe for concurrent use.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscription]chan *model.CapturedRequest
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[*subscription]chan *model.CapturedRequest)}
}

// subscription is an opaque handle; closing it (via the unsubscribe func
// Subscribe returns) is the
// only way to deregister (§9: "the owner channel holds no back-reference
// into the hub beyond its own subscription handle, which unregisters on
// drop").
type subscription struct {
	subdomain string
}

// Subscribe hands back a bounded receive channel for subdomain's newly
// captured requests, plus an unsubscribe func the caller must call when
// done (on disconnect). It does NOT backfill: a new subscriber only sees
// events published after Subscribe returns (§4.2).
func (h *Hub) Subscribe(subdomain string) (<-chan *model.CapturedRequest, func()) {
	ch := make(chan *model.CapturedRequest, subscriberBuffer)
	sub := &subscription{subdomain: subdomain}

	h.mu.Lock()
	set, ok := h.subscribers[subdomain]
	if !ok {
		set = make(map[*subscription]chan *model.CapturedRequest)
		h.subscribers[subdomain] = set
	}
	set[sub] = ch
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subscribers[subdomain]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subscribers, subdomain)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers cap to every current subscriber of subdomain. Delivery
// is best-effort per subscriber: a full buffer drops the message for that
// subscriber only, never for the others and never blocking the caller
// (§4.2, §5).
func (h *Hub) Publish(subdomain string, cap *model.CapturedRequest) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[subdomain] {
		select {
		case ch <- cap:
		default:
			// slow subscriber: drop for this one only, never block capture.
		}
	}
}

// SubscriberCount reports how many subscribers subdomain currently has;
// used by tests and metrics, not by the capture path itself.
func (h *Hub) SubscriberCount(subdomain string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[subdomain])
}
