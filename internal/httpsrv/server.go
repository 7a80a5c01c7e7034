// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package httpsrv implements C8, the HTTP Engine, and C11, the Broadcast
// Bridge. The REST surface is grounded on abramin-Credo's
// chi.Router/Register(r chi.Router)-per-handler idiom and its
// Authorization-header middleware (internal/platform/middleware.RequireAuth);
// the push channel generalizes the teacher's client-side gorilla/websocket
// usage (api/graphql/client/client.go) into a server-side upgrade endpoint.
package httpsrv

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adrgs/requestrepo/internal/cache"
	"github.com/adrgs/requestrepo/internal/config"
	"github.com/adrgs/requestrepo/internal/geo"
	"github.com/adrgs/requestrepo/internal/httpsrv/assets"
	"github.com/adrgs/requestrepo/internal/model"
	"github.com/adrgs/requestrepo/internal/pubsub"
	"github.com/adrgs/requestrepo/internal/session"
	"github.com/adrgs/requestrepo/internal/tlsmgr"
	"github.com/adrgs/requestrepo/internal/token"
)

// certPicker is the subset of *tlsmgr.Manager the TLS listener needs;
// narrowed to an interface so tests can supply a stub.
type certPicker interface {
	Pick(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// Server is C8/C11.
type Server struct {
	cfg      *config.Config
	cache    *cache.Cache
	hub      *pubsub.Hub
	sessions *session.Manager
	tokens   token.Issuer
	geo      geo.Lookup
	certs    certPicker
	chal     *tlsmgr.HTTPChallengeHandle
	log      *slog.Logger

	router chi.Router

	shareMu     sync.Mutex
	shareTokens map[string]shareBinding

	plain *http.Server
	tls   *http.Server
}

// New builds a Server and its routing table.
func New(
	cfg *config.Config,
	c *cache.Cache,
	hub *pubsub.Hub,
	sessions *session.Manager,
	tokens token.Issuer,
	g geo.Lookup,
	certs certPicker,
	chal *tlsmgr.HTTPChallengeHandle,
	log *slog.Logger,
) *Server {
	if g == nil {
		g = geo.None{}
	}
	s := &Server{
		cfg: cfg, cache: c, hub: hub, sessions: sessions, tokens: tokens,
		geo: g, certs: certs, chal: chal, log: log,
		shareTokens: make(map[string]shareBinding),
	}
	s.router = s.buildRouter()

	s.plain = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     s.router,
		IdleTimeout: cfg.IdleTimeout,
	}
	s.tls = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPSPort),
		Handler:     s.router,
		IdleTimeout: cfg.IdleTimeout,
		TLSConfig:   &tls.Config{GetCertificate: certs.Pick},
	}
	return s
}

// ListenAndServe runs the plain and (if enabled) TLS listeners until ctx
// is canceled, then drains them per §5.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.plain.ListenAndServe() }()
	if s.cfg.TLSEnabled {
		go func() { errCh <- s.tls.ListenAndServeTLS("", "") }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("http listener exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDrain)
	defer cancel()
	_ = s.plain.Shutdown(shutdownCtx)
	if s.cfg.TLSEnabled {
		_ = s.tls.Shutdown(shutdownCtx)
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer, s.requestLogger)

	r.Get("/.well-known/acme-challenge/{token}", s.handleACMEChallenge)
	r.Route(s.cfg.APIPrefix, s.registerREST)
	r.NotFound(s.handleFallback)
	return r
}

// handleACMEChallenge implements §4.5 routing step 1. Never captured.
func (s *Server) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	keyAuth, ok := s.chal.Lookup(token)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}

// handleFallback implements §4.5 routing steps 3-4: everything not under
// the well-known path or the API prefix is dispatched by Host header.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	if label, ok := s.hostSubdomain(r.Host); ok {
		s.handleCapture(w, r, label)
		return
	}
	s.serveStaticAsset(w, r)
}

func (s *Server) hostSubdomain(host string) (label string, ok bool) {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	h = strings.ToLower(h)
	suffix := "." + strings.ToLower(s.cfg.BaseDomain)
	if !strings.HasSuffix(h, suffix) {
		return "", false
	}
	left := strings.TrimSuffix(h, suffix)
	if left == "" || strings.Contains(left, ".") {
		return "", false
	}
	return left, true
}

var staticFS = mustSub()

func mustSub() fs.FS {
	sub, err := fs.Sub(assets.FS, assets.Root)
	if err != nil {
		panic(err)
	}
	return sub
}

// serveStaticAsset implements §4.5 routing step 4. Never captured.
func (s *Server) serveStaticAsset(w http.ResponseWriter, r *http.Request) {
	http.FileServer(http.FS(staticFS)).ServeHTTP(w, r)
}

// handleCapture implements the captured-request path, §4.5 steps 1-4.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, label string) {
	body, _ := readLimited(r, s.cfg.MaxRequestBodyBytes)
	srcIP := s.sourceIP(r)

	// net/http promotes the Host line into r.Host and strips it from
	// r.Header; the capture must still carry it.
	headers := make(map[string][]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = values
	}
	headers["Host"] = []string{r.Host}

	cr := &model.CapturedRequest{
		Type:      model.ProtoHTTP,
		Timestamp: time.Now().UTC(),
		SourceIP:  srcIP,
		HTTP: &model.HTTPCapture{
			Method:     r.Method,
			Path:       r.URL.Path,
			Query:      r.URL.RawQuery,
			Fragment:   r.URL.Fragment,
			Headers:    headers,
			Body:       body,
			Scheme:     schemeOf(r),
			SourcePort: portOf(srcIP, r),
			LocalPort:  s.localPort(r),
		},
	}
	if ip := net.ParseIP(srcIP); ip != nil {
		if country, ok := s.geo.Country(ip); ok {
			cr.Country = country
		}
	}

	file, found, err := s.cache.GetFile(label, r.URL.Path)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if id, ok := s.cache.NextCaptureID(label); ok {
		cr.ID = id
		if appended, appendErr := s.cache.AppendCapture(label, cr); appendErr == nil && appended {
			s.hub.Publish(label, cr)
		}
	} else if s.cfg.LogUnattributedToCatchall {
		cr.ID = s.cache.NextCatchallID()
		_ = s.cache.AppendCatchall(cr)
	}

	if !found {
		// §4.5 step 2: absent session still gets a best-effort response.
		w.WriteHeader(http.StatusOK)
		return
	}
	writeResponseFile(w, file, s.cfg.AllowDangerousHeaders)
}

func writeResponseFile(w http.ResponseWriter, f model.ResponseFile, allowDangerous bool) {
	for _, h := range f.Headers {
		if !allowDangerous && isDangerousHeader(h.Name) {
			continue
		}
		w.Header().Add(h.Name, h.Value)
	}
	status := f.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(f.Body)
}

func (s *Server) sourceIP(r *http.Request) string {
	if s.cfg.ForwardedForHeader != "" {
		if v := r.Header.Get(s.cfg.ForwardedForHeader); v != "" {
			parts := strings.Split(v, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) localPort(r *http.Request) int {
	if r.TLS != nil {
		return s.cfg.HTTPSPort
	}
	return s.cfg.HTTPPort
}

func portOf(_ string, r *http.Request) int {
	_, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(portStr)
	return p
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func readLimited(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	lr := &limitedReader{r: r.Body, max: max}
	return lr.ReadAll()
}

func decodeBasicLikeCredential(headerValue string) string {
	// Accepts either a raw credential or a base64-wrapped one, matching how
	// simple admin-gate tokens get passed through an Authorization header
	// in ad hoc deployments.
	if raw, err := base64.StdEncoding.DecodeString(headerValue); err == nil {
		return string(raw)
	}
	return headerValue
}

func queryParam(r *http.Request, name string) string {
	v, _ := url.QueryUnescape(r.URL.Query().Get(name))
	return v
}
