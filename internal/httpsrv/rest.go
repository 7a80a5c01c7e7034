// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package httpsrv

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/adrgs/requestrepo/internal/apperr"
	"github.com/adrgs/requestrepo/internal/model"
)

// contextKeySubdomain carries the authenticated subdomain, the same typed
// empty-struct-key idiom abramin-Credo's middleware uses for its JWT claims.
type contextKeySubdomain struct{}

var ctxSubdomainKey = contextKeySubdomain{}

func subdomainFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubdomainKey).(string)
	return v
}

// errorBody is §6's wire shape: {error, message}, not abramin-Credo's
// {error, error_description} — same mechanism (status from apperr.Kind),
// different field name.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind, _ := apperr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(errorBody{Error: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requireAuth implements the token-authenticated routes of §6: a Bearer
// token verified via C2, with the bound subdomain injected into the
// request context — the same shape as abramin-Credo's RequireAuth, adapted
// from a JWTValidator to the token.Issuer trait.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		const prefix = "Bearer "
		tok, ok := strings.CutPrefix(authHeader, prefix)
		if !ok || tok == "" {
			writeError(w, apperr.New(apperr.Unauthorized, "missing or malformed Authorization header"))
			return
		}
		subdomain, err := s.tokens.Verify(tok)
		if err != nil {
			writeError(w, apperr.New(apperr.Unauthorized, "invalid or expired token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxSubdomainKey, subdomain)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func (s *Server) registerREST(r chi.Router) {
	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions/share", s.requireAuth(s.handleMintShare))
	r.Get("/sessions/shared/{share_token}", s.handleGetShared)

	r.Get("/dns", s.requireAuth(s.handleGetDNS))
	r.Put("/dns", s.requireAuth(s.handlePutDNS))

	r.Get("/files", s.requireAuth(s.handleGetFiles))
	r.Put("/files", s.requireAuth(s.handlePutFiles))
	r.Get("/files/*", s.requireAuth(s.handleGetFile))

	r.Get("/requests", s.requireAuth(s.handleListRequests))
	r.Delete("/requests", s.requireAuth(s.handleClearRequests))
	r.Get("/requests/{id}", s.requireAuth(s.handleGetRequest))
	r.Delete("/requests/{id}", s.requireAuth(s.handleDeleteRequest))

	r.Get("/ws", s.handleWebSocket)
}

type createSessionRequest struct {
	Credential string `json:"credential"`
}

type createSessionResponse struct {
	Subdomain string `json:"subdomain"`
	Token     string `json:"token"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Credential == "" {
		if auth := r.Header.Get("Authorization"); auth != "" {
			if cred, ok := strings.CutPrefix(auth, "Bearer "); ok {
				body.Credential = decodeBasicLikeCredential(cred)
			}
		}
	}

	subdomain, tok, err := s.sessions.CreateSession(s.sourceIP(r), body.Credential)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{Subdomain: subdomain, Token: tok})
}

// shareBinding is one minted GET /sessions/share capability: read-only
// delegation to exactly one (subdomain, captured-request id) pair (§3
// ShareToken). Held in-process only, matching the rest of this system's
// "state is in-memory and explicitly ephemeral" Non-goal.
type shareBinding struct {
	subdomain string
	captureID string
}

func mintShareToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}

type shareResponse struct {
	ShareToken string `json:"share_token"`
}

func (s *Server) handleMintShare(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	captureID := queryParam(r, "id")
	if captureID == "" {
		writeError(w, apperr.New(apperr.Protocol, "missing id query parameter"))
		return
	}
	if _, err := s.cache.GetCapture(subdomain, captureID); err != nil {
		writeError(w, err)
		return
	}

	tok, err := mintShareToken()
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "mint share token", err))
		return
	}

	s.shareMu.Lock()
	s.shareTokens[tok] = shareBinding{subdomain: subdomain, captureID: captureID}
	s.shareMu.Unlock()

	writeJSON(w, http.StatusOK, shareResponse{ShareToken: tok})
}

func (s *Server) handleGetShared(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "share_token")

	s.shareMu.Lock()
	binding, ok := s.shareTokens[tok]
	s.shareMu.Unlock()
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "unknown or rotated share token"))
		return
	}

	cap, err := s.cache.GetCapture(binding.subdomain, binding.captureID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cap)
}

func (s *Server) handleGetDNS(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	set, ok, err := s.cache.GetDNSRecordSet(subdomain)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.SessionGone, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handlePutDNS(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	var set model.DNSRecordSet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, apperr.Wrap(apperr.Protocol, "decode dns record set", err))
		return
	}
	if err := validateRecordSet(set); err != nil {
		writeError(w, apperr.Wrap(apperr.Protocol, "invalid dns record set", err))
		return
	}
	if err := s.cache.PutDNSRecordSet(subdomain, set); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateRecordSet rejects a replacement record set whose entries could
// never be answered, reporting every bad record at once rather than the
// first — the same multierror.Append accumulation the teacher's registry
// uses when a pipeline collects more than one failure.
func validateRecordSet(set model.DNSRecordSet) error {
	var errs *multierror.Error
	for i, rec := range set {
		switch rec.Type {
		case model.RecordA:
			for _, cand := range strings.Split(rec.Value, "%") {
				if ip := net.ParseIP(cand); ip == nil || ip.To4() == nil {
					errs = multierror.Append(errs, fmt.Errorf("record %d: %q is not an IPv4 address", i, cand))
				}
			}
		case model.RecordAAAA:
			if net.ParseIP(rec.Value) == nil {
				errs = multierror.Append(errs, fmt.Errorf("record %d: %q is not an IP address", i, rec.Value))
			}
		case model.RecordCNAME, model.RecordTXT:
			if rec.Value == "" {
				errs = multierror.Append(errs, fmt.Errorf("record %d: empty value", i))
			}
		default:
			errs = multierror.Append(errs, fmt.Errorf("record %d: unsupported type %q", i, rec.Type))
		}
	}
	return errs.ErrorOrNil()
}

func (s *Server) handleGetFiles(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	tree, ok, err := s.cache.GetFileTree(subdomain)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.SessionGone, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// validateFileTree enforces §3's ResponseFile status range (100-599) for
// every entry at once, mirroring validateRecordSet's accumulation. The
// index.html presence and byte-quota checks stay with the cache write.
func validateFileTree(tree model.FileTree) error {
	var errs *multierror.Error
	for path, f := range tree {
		if f.Status < 100 || f.Status > 599 {
			errs = multierror.Append(errs, fmt.Errorf("file %q: status %d outside 100-599", path, f.Status))
		}
	}
	return errs.ErrorOrNil()
}

func (s *Server) handlePutFiles(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	var tree model.FileTree
	if err := json.NewDecoder(r.Body).Decode(&tree); err != nil {
		writeError(w, apperr.Wrap(apperr.Protocol, "decode file tree", err))
		return
	}
	if err := validateFileTree(tree); err != nil {
		writeError(w, apperr.Wrap(apperr.Protocol, "invalid file tree", err))
		return
	}
	if err := s.cache.PutFileTree(subdomain, tree); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	path := chi.URLParam(r, "*")
	f, ok, err := s.cache.GetFileExact(subdomain, path)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "no such file"))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	list, ok, err := s.cache.ListCaptures(subdomain)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.SessionGone, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleClearRequests(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	if err := s.cache.ClearCaptures(subdomain); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	id := chi.URLParam(r, "id")
	cap, err := s.cache.GetCapture(subdomain, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cap)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	subdomain := subdomainFromContext(r.Context())
	id := chi.URLParam(r, "id")
	found, err := s.cache.DeleteCapture(subdomain, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, apperr.New(apperr.NotFound, "capture not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
