// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package httpsrv

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// dangerousHeaders are the owner-response headers stripped unless the
// process-wide escape hatch is set (§4.5 Header safety). Service-Worker-Allowed
// is the spec's own example; the rest are the other ones that let a captured
// response reach outside the single file it describes.
var dangerousHeaders = map[string]struct{}{
	"service-worker-allowed":    {},
	"content-security-policy":   {},
	"strict-transport-security": {},
	"set-cookie":                {},
}

func isDangerousHeader(name string) bool {
	_, ok := dangerousHeaders[strings.ToLower(name)]
	return ok
}

// limitedReader caps a request body at max bytes, returning apperr-free io
// errors the caller treats as a truncated read rather than a hard failure —
// §5's "C8 enforces a max request body size" is an admission cap, not a
// reason to fail the whole request.
type limitedReader struct {
	r   io.Reader
	max int64
}

func (lr *limitedReader) ReadAll() ([]byte, error) {
	if lr.max <= 0 {
		return io.ReadAll(lr.r)
	}
	return io.ReadAll(io.LimitReader(lr.r, lr.max))
}

// recoverer mirrors the teacher-adjacent middleware.Recovery idiom: one
// panicking handler must not take down the listener goroutine.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("http handler panic", "error", fmt.Sprint(rec), "path", r.URL.Path)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("http request", "method", r.Method, "host", r.Host, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
