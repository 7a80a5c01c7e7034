// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type stubListener struct {
	started   chan struct{}
	returnErr error
	blockFor  time.Duration
}

func (l *stubListener) ListenAndServe(ctx context.Context) error {
	close(l.started)
	select {
	case <-ctx.Done():
	case <-time.After(l.blockFor):
	}
	return l.returnErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunDrainsCleanlyOnCancel(t *testing.T) {
	a := &stubListener{started: make(chan struct{}), blockFor: time.Hour}
	b := &stubListener{started: make(chan struct{}), blockFor: time.Hour}
	sup := New(testLogger(), time.Second, map[string]Listener{"a": a, "b": b})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	<-a.started
	<-b.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsAfterDrainDeadline(t *testing.T) {
	stuck := &stubListener{started: make(chan struct{}), blockFor: time.Hour}
	sup := New(testLogger(), 50*time.Millisecond, map[string]Listener{"stuck": stuck})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	<-stuck.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil even past the drain deadline, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return by the drain deadline")
	}
}

func TestRunDoesNotSurfaceListenerError(t *testing.T) {
	failing := &stubListener{started: make(chan struct{}), returnErr: errors.New("boom")}
	sup := New(testLogger(), time.Second, map[string]Listener{"failing": failing})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	<-failing.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run itself should not surface a per-listener error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
