// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package pubsub_test

import (
	"testing"
	"time"

	"github.com/adrgs/requestrepo/internal/model"
	"github.com/adrgs/requestrepo/internal/pubsub"
)

func TestPerSubdomainFanOut(t *testing.T) {
	hub := pubsub.NewHub()

	subA, unsubA := hub.Subscribe("aaaa1111")
	defer unsubA()
	subB, unsubB := hub.Subscribe("bbbb2222")
	defer unsubB()

	hub.Publish("aaaa1111", &model.CapturedRequest{ID: "1"})

	select {
	case got := <-subA:
		if got.ID != "1" {
			t.Errorf("expected id 1, got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a delivery to subscriber A")
	}

	select {
	case got := <-subB:
		t.Errorf("subscriber B should not see A's capture, got %v", got)
	default:
	}
}

func TestNoBackfillForNewSubscriber(t *testing.T) {
	hub := pubsub.NewHub()

	hub.Publish("aaaa1111", &model.CapturedRequest{ID: "before"})

	sub, unsub := hub.Subscribe("aaaa1111")
	defer unsub()

	select {
	case got := <-sub:
		t.Errorf("expected no backfill, got %v", got)
	default:
	}

	hub.Publish("aaaa1111", &model.CapturedRequest{ID: "after"})
	select {
	case got := <-sub:
		if got.ID != "after" {
			t.Errorf("expected 'after', got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the post-subscribe publish to be delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := pubsub.NewHub()

	sub, unsub := hub.Subscribe("aaaa1111")
	unsub()

	if n := hub.SubscriberCount("aaaa1111"); n != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", n)
	}

	hub.Publish("aaaa1111", &model.CapturedRequest{ID: "1"}) // must not panic/block

	if _, ok := <-sub; ok {
		t.Error("expected the channel to be closed")
	}
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	hub := pubsub.NewHub()

	slow, unslow := hub.Subscribe("aaaa1111")
	defer unslow()
	fast, unfast := hub.Subscribe("aaaa1111")
	defer unfast()

	// Flood past the bounded buffer without ever draining `slow`.
	for i := 0; i < 1000; i++ {
		hub.Publish("aaaa1111", &model.CapturedRequest{ID: "x"})
	}

	// The fast subscriber must still be usable: drain it and confirm the
	// publisher never blocked producing this many messages.
	drained := 0
	for {
		select {
		case <-fast:
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Error("expected the fast subscriber to have received some messages")
	}
	_ = slow
}
