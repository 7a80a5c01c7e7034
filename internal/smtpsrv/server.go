// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package smtpsrv implements C9, the SMTP Responder: a line-oriented
// conversation state machine per §4.6 that always accepts mail and never
// relays it. One task per accepted connection, the same per-connection
// goroutine shape C7/C8 use, grounded on the line-by-line command dispatch
// sinkhole SMTP servers in the pack (other_examples' sinksmtp) describe in
// their own doc comments, adapted from a rule-engine sinkhole into a fixed
// always-accept capture sink.
package smtpsrv

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/adrgs/requestrepo/internal/cache"
	"github.com/adrgs/requestrepo/internal/config"
	"github.com/adrgs/requestrepo/internal/geo"
	"github.com/adrgs/requestrepo/internal/model"
	"github.com/adrgs/requestrepo/internal/pubsub"
)

// state is one node of §4.6's conversation table.
type state int

const (
	stateGreeted state = iota
	stateAwaitMail
	stateAwaitRcpt
	stateAwaitData
)

// Server is C9. One Server owns the single SMTP listener.
type Server struct {
	cfg   *config.Config
	cache *cache.Cache
	hub   *pubsub.Hub
	geo   geo.Lookup
	log   *slog.Logger

	listener net.Listener
}

// New builds a Server. It does not bind the listener until ListenAndServe.
func New(cfg *config.Config, c *cache.Cache, hub *pubsub.Hub, g geo.Lookup, log *slog.Logger) *Server {
	if g == nil {
		g = geo.None{}
	}
	return &Server{cfg: cfg, cache: c, hub: hub, geo: g, log: log}
}

// ListenAndServe binds the configured port and runs until ctx is canceled,
// then closes the listener so no new connections are accepted.
// Connections already accepted are neither drained nor aborted here; each
// runs until its client quits or its idle timeout expires.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.SMTPPort))
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("smtp accept failed", "error", err)
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// conversation holds one connection's accumulated transaction, reset by
// RSET or by a completed DATA per §4.6.
type conversation struct {
	mailFrom string
	rcptTo   []string
	data     []byte
}

func (c *conversation) reset() { *c = conversation{} }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	srcIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	r := bufio.NewReader(conn)
	st := stateGreeted
	var conv conversation

	reply(conn, 220, s.cfg.BaseDomain+" ESMTP ready")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		switch strings.ToUpper(cmd) {
		case "HELO", "EHLO":
			st = stateAwaitMail
			reply(conn, 250, s.cfg.BaseDomain)
		case "MAIL":
			if st != stateAwaitMail {
				reply(conn, 503, "bad sequence of commands")
				continue
			}
			conv.mailFrom = parseAddress(arg, "FROM:")
			st = stateAwaitRcpt
			reply(conn, 250, "OK")
		case "RCPT":
			if st != stateAwaitRcpt {
				reply(conn, 503, "bad sequence of commands")
				continue
			}
			conv.rcptTo = append(conv.rcptTo, parseAddress(arg, "TO:"))
			reply(conn, 250, "OK")
		case "DATA":
			if st != stateAwaitRcpt || len(conv.rcptTo) == 0 {
				reply(conn, 503, "bad sequence of commands")
				continue
			}
			reply(conn, 354, "start mail input; end with <CRLF>.<CRLF>")
			body, ok := s.readData(conn, r)
			if !ok {
				reply(conn, 552, "message exceeds maximum size")
				conv.reset()
				st = stateGreeted
				continue
			}
			conv.data = body
			s.captureTransaction(&conv, srcIP)
			conv.reset()
			st = stateGreeted
			reply(conn, 250, "message accepted")
		case "RSET":
			conv.reset()
			st = stateAwaitMail
			reply(conn, 250, "OK")
		case "NOOP":
			reply(conn, 250, "OK")
		case "QUIT":
			reply(conn, 221, "bye")
			return
		default:
			reply(conn, 500, "command not recognized")
		}
	}
}

// readData reads DATA-phase lines until the standalone "." terminator,
// enforcing the configured max message size (§4.6, §5). An oversized
// message is still consumed through the terminator so the command loop
// resumes at the next command, then reported with ok=false.
func (s *Server) readData(conn net.Conn, r *bufio.Reader) (body []byte, ok bool) {
	overflow := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SMTPDataTimeout))
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, false
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			if overflow {
				return nil, false
			}
			return body, true
		}
		if overflow {
			continue
		}
		// RFC 5321 dot-stuffing: a leading ".." on the wire is one literal
		// leading "." in the message body.
		if strings.HasPrefix(trimmed, "..") {
			trimmed = trimmed[1:]
		}
		body = append(body, []byte(trimmed+"\r\n")...)
		if s.cfg.MaxSMTPMessageBytes > 0 && int64(len(body)) > s.cfg.MaxSMTPMessageBytes {
			overflow, body = true, nil
		}
	}
}

// captureTransaction implements §4.6's resolution rule: the first RCPT
// whose domain ends with the base domain wins; its left-most remaining
// label is the subdomain. No match means drop without capture.
func (s *Server) captureTransaction(conv *conversation, srcIP string) {
	subdomain, ok := s.resolveSubdomain(conv.rcptTo)
	if !ok {
		return
	}

	id, ok := s.cache.NextCaptureID(subdomain)
	if !ok {
		return
	}

	cr := &model.CapturedRequest{
		ID:        id,
		Type:      model.ProtoSMTP,
		Timestamp: time.Now().UTC(),
		SourceIP:  srcIP,
		SMTP: &model.SMTPCapture{
			MailFrom: conv.mailFrom,
			RcptTo:   append([]string(nil), conv.rcptTo...),
			Data:     conv.data,
		},
	}
	if ip := net.ParseIP(srcIP); ip != nil {
		if country, ok := s.geo.Country(ip); ok {
			cr.Country = country
		}
	}

	if appended, err := s.cache.AppendCapture(subdomain, cr); err == nil && appended {
		s.hub.Publish(subdomain, cr)
	}
}

func (s *Server) resolveSubdomain(rcpts []string) (string, bool) {
	suffix := "." + strings.ToLower(s.cfg.BaseDomain)
	for _, addr := range rcpts {
		at := strings.LastIndexByte(addr, '@')
		if at < 0 {
			continue
		}
		domain := strings.ToLower(addr[at+1:])
		if !strings.HasSuffix(domain, suffix) {
			continue
		}
		left := strings.TrimSuffix(domain, suffix)
		if left == "" {
			continue
		}
		labels := strings.Split(left, ".")
		return labels[0], true
	}
	return "", false
}

func reply(conn net.Conn, code int, msg string) {
	_, _ = fmt.Fprintf(conn, "%d %s\r\n", code, msg)
}

// splitCommand separates the verb from its argument, e.g. "MAIL" /
// "FROM:<a@b>".
func splitCommand(line string) (cmd, arg string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// parseAddress strips the envelope keyword ("FROM:"/"TO:") and angle
// brackets from a MAIL/RCPT argument.
func parseAddress(arg, keyword string) string {
	trimmed := arg
	if idx := strings.Index(strings.ToUpper(trimmed), keyword); idx >= 0 {
		trimmed = trimmed[idx+len(keyword):]
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimPrefix(trimmed, "<")
	if idx := strings.IndexByte(trimmed, '>'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
