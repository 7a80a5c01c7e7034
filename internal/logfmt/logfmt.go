// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package logfmt holds the process-wide slog handler: one JSON line per
// record with the logger's accumulated attributes flattened into the
// object, so every component's lines share one JSON shape and carry that
// component's accumulated attributes (such as "component").
package logfmt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	slogcommon "github.com/samber/slog-common"
)

// Handler converts records the way the converter behind the syslog
// logger does — AppendRecordAttrsToAttrs then AttrsToMap — but writes
// the result to a local io.Writer instead of shipping it to a log server.
type Handler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewHandler builds a Handler writing to w at the given minimum level.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	attrs := slogcommon.AppendRecordAttrsToAttrs(h.attrs, h.groups, &record)

	line := map[string]any{
		"time":    record.Time,
		"level":   record.Level.String(),
		"message": record.Message,
	}
	for k, v := range slogcommon.AttrsToMap(attrs...) {
		line[k] = v
	}

	raw, err := json.Marshal(line)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(raw, '\n'))
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = slogcommon.AppendAttrsToGroup(h.groups, h.attrs, attrs...)
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &h2
}
