// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package runtime coordinates graceful shutdown across every listener this
// process owns, the piece §5 names ("stop accepting, drain existing
// connections up to a deadline, then abort") but assigns no owner. Grounded
// on mem.Engine.Start/Stop: a listener-context cancel that stops new work,
// a ticker-polled drain window, and a handler-context cancel once the
// deadline passes.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Listener is anything the Supervisor runs to completion: it blocks until
// its ctx is canceled, then returns once drained (or once it gives up).
type Listener interface {
	ListenAndServe(ctx context.Context) error
}

// Supervisor runs a fixed set of listeners side by side and cancels them
// all together, the way mem.Engine separates its listener and handler
// contexts so a stop signal propagates without waiting for slow handlers
// to notice one at a time.
type Supervisor struct {
	log       *slog.Logger
	listeners map[string]Listener
	drain     time.Duration
}

// New builds a Supervisor over named listeners. drain bounds how long
// Run waits for every listener to return after ctx is canceled before it
// gives up and returns anyway.
func New(log *slog.Logger, drain time.Duration, listeners map[string]Listener) *Supervisor {
	return &Supervisor{log: log, listeners: listeners, drain: drain}
}

// Run starts every listener and blocks until ctx is canceled and every
// listener has returned, or the drain deadline elapses first.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, l := range s.listeners {
		wg.Add(1)
		go func(name string, l Listener) {
			defer wg.Done()
			if err := l.ListenAndServe(ctx); err != nil {
				s.log.Error("listener exited with error", "listener", name, "error", err)
			}
		}(name, l)
	}

	<-ctx.Done()
	s.log.Info("shutdown signal received, draining listeners", "deadline", s.drain)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all listeners drained")
	case <-time.After(s.drain):
		s.log.Warn("drain deadline exceeded, returning without waiting for every listener")
	}
	return nil
}
