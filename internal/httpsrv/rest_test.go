// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package httpsrv

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adrgs/requestrepo/internal/model"
)

func createTestSession(t *testing.T, s *Server) (subdomain, token string) {
	t.Helper()
	subdomain, token, err := s.sessions.CreateSession("203.0.113.5", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return subdomain, token
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestDNSRecordSetRoundTripViaREST(t *testing.T) {
	s, _ := testServer(t)
	_, tok := createTestSession(t, s)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	set := model.DNSRecordSet{
		{Label: "", Type: model.RecordA, Value: "10.0.0.1"},
		{Label: "r", Type: model.RecordA, Value: "10.0.0.1%10.0.0.2"},
		{Label: "txt", Type: model.RecordTXT, Value: "hello"},
	}
	put := doJSON(t, http.MethodPut, ts.URL+"/api/v2/dns", tok, set)
	put.Body.Close()
	if put.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on PUT /dns, got %d", put.StatusCode)
	}

	get := doJSON(t, http.MethodGet, ts.URL+"/api/v2/dns", tok, nil)
	defer get.Body.Close()
	var got model.DNSRecordSet
	if err := json.NewDecoder(get.Body).Decode(&got); err != nil {
		t.Fatalf("decode GET /dns: %v", err)
	}
	if len(got) != len(set) {
		t.Fatalf("round trip length mismatch: %d vs %d", len(got), len(set))
	}
	for i := range set {
		if got[i] != set[i] {
			t.Errorf("record %d mismatch: got %+v want %+v", i, got[i], set[i])
		}
	}
}

func TestPutDNSRejectsInvalidRecords(t *testing.T) {
	s, _ := testServer(t)
	_, tok := createTestSession(t, s)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	bad := model.DNSRecordSet{
		{Label: "", Type: model.RecordA, Value: "not-an-ip"},
		{Label: "x", Type: "MX", Value: "mail.example"},
	}
	resp := doJSON(t, http.MethodPut, ts.URL+"/api/v2/dns", tok, bad)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid records, got %d", resp.StatusCode)
	}

	// The rejection must not have replaced the stored (empty) set.
	get := doJSON(t, http.MethodGet, ts.URL+"/api/v2/dns", tok, nil)
	defer get.Body.Close()
	var got model.DNSRecordSet
	if err := json.NewDecoder(get.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected the prior empty set to survive, got %+v", got)
	}
}

func TestFileTreeRoundTripAndQuotaViaREST(t *testing.T) {
	s, _ := testServer(t) // MaxFileBytesPerSub: 4096
	_, tok := createTestSession(t, s)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	tree := model.FileTree{
		"index.html": {Status: 200, Headers: []model.HeaderPair{{Name: "Content-Type", Value: "text/html"}}, Body: []byte("<h1>hi</h1>")},
		"probe.txt":  {Status: 418, Body: []byte("teapot")},
	}
	put := doJSON(t, http.MethodPut, ts.URL+"/api/v2/files", tok, tree)
	put.Body.Close()
	if put.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on PUT /files, got %d", put.StatusCode)
	}

	get := doJSON(t, http.MethodGet, ts.URL+"/api/v2/files", tok, nil)
	defer get.Body.Close()
	var got model.FileTree
	if err := json.NewDecoder(get.Body).Decode(&got); err != nil {
		t.Fatalf("decode GET /files: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files back, got %d", len(got))
	}
	if string(got["probe.txt"].Body) != "teapot" || got["probe.txt"].Status != 418 {
		t.Fatalf("probe.txt did not round trip: %+v", got["probe.txt"])
	}

	over := model.FileTree{
		"index.html": {Status: 200, Body: make([]byte, 5000)},
	}
	conflict := doJSON(t, http.MethodPut, ts.URL+"/api/v2/files", tok, over)
	conflict.Body.Close()
	if conflict.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for an over-quota tree, got %d", conflict.StatusCode)
	}

	missingIndex := model.FileTree{
		"only.txt": {Status: 200, Body: []byte("x")},
	}
	badReq := doJSON(t, http.MethodPut, ts.URL+"/api/v2/files", tok, missingIndex)
	badReq.Body.Close()
	if badReq.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a tree without index.html, got %d", badReq.StatusCode)
	}

	badStatus := model.FileTree{
		"index.html": {Status: 99, Body: []byte("x")},
	}
	outOfRange := doJSON(t, http.MethodPut, ts.URL+"/api/v2/files", tok, badStatus)
	outOfRange.Body.Close()
	if outOfRange.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a status outside 100-599, got %d", outOfRange.StatusCode)
	}
}

func TestGetSingleFileExactMatchOnly(t *testing.T) {
	s, _ := testServer(t)
	_, tok := createTestSession(t, s)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	tree := model.FileTree{
		"index.html": {Status: 200, Body: []byte("home")},
		"probe.txt":  {Status: 200, Body: []byte("teapot")},
	}
	put := doJSON(t, http.MethodPut, ts.URL+"/api/v2/files", tok, tree)
	put.Body.Close()
	if put.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on PUT /files, got %d", put.StatusCode)
	}

	got := doJSON(t, http.MethodGet, ts.URL+"/api/v2/files/probe.txt", tok, nil)
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 fetching an existing file, got %d", got.StatusCode)
	}
	var f model.ResponseFile
	if err := json.NewDecoder(got.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if string(f.Body) != "teapot" {
		t.Fatalf("unexpected file body: %q", f.Body)
	}

	// A missing path must 404, not fall back to index.html the way the
	// capture-serving lookup does.
	missing := doJSON(t, http.MethodGet, ts.URL+"/api/v2/files/nope.txt", tok, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing file, got %d", missing.StatusCode)
	}
}

func TestShareTokenFlow(t *testing.T) {
	s, c := testServer(t)
	sub, tok := createTestSession(t, s)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	id, _ := c.NextCaptureID(sub)
	cap := &model.CapturedRequest{ID: id, Type: model.ProtoHTTP, HTTP: &model.HTTPCapture{Method: "GET", Path: "/shared"}}
	if _, err := c.AppendCapture(sub, cap); err != nil {
		t.Fatal(err)
	}

	mint := doJSON(t, http.MethodGet, ts.URL+"/api/v2/sessions/share?id="+id, tok, nil)
	defer mint.Body.Close()
	if mint.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 minting a share token, got %d", mint.StatusCode)
	}
	var minted shareResponse
	if err := json.NewDecoder(mint.Body).Decode(&minted); err != nil {
		t.Fatal(err)
	}
	if minted.ShareToken == "" {
		t.Fatal("expected a non-empty share token")
	}

	// The shared capture is readable with no Authorization header at all.
	shared := doJSON(t, http.MethodGet, ts.URL+"/api/v2/sessions/shared/"+minted.ShareToken, "", nil)
	defer shared.Body.Close()
	if shared.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 reading the shared capture, got %d", shared.StatusCode)
	}
	var got model.CapturedRequest
	if err := json.NewDecoder(shared.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != id || got.HTTP == nil || got.HTTP.Path != "/shared" {
		t.Fatalf("unexpected shared capture: %+v", got)
	}

	unknown := doJSON(t, http.MethodGet, ts.URL+"/api/v2/sessions/shared/nope", "", nil)
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown share token, got %d", unknown.StatusCode)
	}

	missing := doJSON(t, http.MethodGet, ts.URL+"/api/v2/sessions/share?id=doesnotexist", tok, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 minting a share for a missing capture, got %d", missing.StatusCode)
	}
}
