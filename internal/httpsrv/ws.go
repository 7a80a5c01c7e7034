// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package httpsrv

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adrgs/requestrepo/internal/apperr"
)

// pongWait bounds the push channel's keepalive: the read loop tears the
// channel down when no client frame (typically a ping) arrives within this
// window. The server sends no pings of its own.
const pongWait = 60 * time.Second

// frame is the wire shape every push-channel message shares (§4.5, §6):
// JSON objects discriminated by cmd. "data" is polymorphic by design — a
// single capture for {cmd:"request"}, an array for {cmd:"requests"} — per
// spec's own literal `{cmd:"request", subdomain, data:…}` vs.
// `{cmd:"requests", subdomain, data:[…]}` shapes. Unused fields are
// omitted per direction.
type frame struct {
	Cmd       string      `json:"cmd"`
	Token     string      `json:"token,omitempty"`
	Subdomain string      `json:"subdomain,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// rawFrame decodes just enough to discriminate an incoming client message
// without committing to the server-side Data shape.
type rawFrame struct {
	Cmd   string `json:"cmd"`
	Token string `json:"token"`
}

// wsConn serializes writes: the hub-forwarding goroutine and the read
// loop's pong replies share one connection, and gorilla/websocket permits
// a single concurrent writer.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteJSON(v)
}

var upgrader = websocket.Upgrader{
	// The owner client is served from the same origin (the embedded static
	// bundle) or a developer's localhost frontend; this system has no
	// cross-origin credential model to protect beyond the bearer token
	// itself, which the connect frame — not the HTTP handshake — carries.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket implements C11: authenticate → deliver backlog →
// subscribe → forward → detect disconnect → unsubscribe (§4.8), generalizing
// the teacher's client-side gorilla/websocket dial/read/write loop into a
// server-side Upgrader.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{c: raw}

	subdomain, ok := s.wsAuthenticate(conn)
	if !ok {
		return
	}

	unsubscribe := s.wsStreamBacklogAndSubscribe(conn, subdomain)
	defer unsubscribe()

	s.wsReadLoop(conn, subdomain)
}

func (s *Server) wsAuthenticate(conn *wsConn) (subdomain string, ok bool) {
	var msg rawFrame
	if err := conn.c.ReadJSON(&msg); err != nil {
		return "", false
	}
	if msg.Cmd != "connect" {
		s.wsError(conn, apperr.New(apperr.Protocol, "expected connect frame"))
		return "", false
	}
	subdomain, err := s.tokens.Verify(msg.Token)
	if err != nil {
		s.wsError(conn, apperr.New(apperr.Unauthorized, "invalid or expired token"))
		return "", false
	}
	if !s.cache.SessionExists(subdomain) {
		s.wsError(conn, apperr.New(apperr.SessionGone, "session not found"))
		return "", false
	}

	_ = conn.writeJSON(frame{Cmd: "connected", Subdomain: subdomain})
	return subdomain, true
}

func (s *Server) wsStreamBacklogAndSubscribe(conn *wsConn, subdomain string) (unsubscribe func()) {
	// Read C4 before subscribing to C5, then de-dupe by id, per §4.2: "callers
	// that need history read C4 first, then subscribe, then de-dupe by id."
	backlog, _, _ := s.cache.ListCaptures(subdomain)
	ch, unsubscribe := s.hub.Subscribe(subdomain)

	_ = conn.writeJSON(frame{Cmd: "requests", Subdomain: subdomain, Data: backlog})

	seen := make(map[string]struct{}, len(backlog))
	for _, c := range backlog {
		seen[c.ID] = struct{}{}
	}

	go func() {
		for cap := range ch {
			if _, dup := seen[cap.ID]; dup {
				continue
			}
			if err := conn.writeJSON(frame{Cmd: "request", Subdomain: subdomain, Data: cap}); err != nil {
				return
			}
		}
	}()

	return unsubscribe
}

func (s *Server) wsReadLoop(conn *wsConn, subdomain string) {
	_ = conn.c.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg rawFrame
		if err := conn.c.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.c.SetReadDeadline(time.Now().Add(pongWait))
		switch msg.Cmd {
		case "ping":
			_ = conn.writeJSON(frame{Cmd: "pong"})
		case "disconnect":
			return
		}
		if !s.cache.SessionExists(subdomain) {
			s.wsError(conn, apperr.New(apperr.SessionGone, "session evicted"))
			return
		}
	}
}

func (s *Server) wsError(conn *wsConn, err error) {
	kind, _ := apperr.KindOf(err)
	_ = conn.writeJSON(frame{Cmd: "error", Code: string(kind), Message: err.Error()})
}
