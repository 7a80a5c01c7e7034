// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package dnssrv

import (
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/miekg/dns"

	"github.com/adrgs/requestrepo/internal/cache"
	"github.com/adrgs/requestrepo/internal/config"
	"github.com/adrgs/requestrepo/internal/geo"
	"github.com/adrgs/requestrepo/internal/idgen"
	"github.com/adrgs/requestrepo/internal/model"
	"github.com/adrgs/requestrepo/internal/pubsub"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDomain = "req.example"
	cfg.PublicIP = net.ParseIP("203.0.113.9")

	c := cache.New(cache.Options{
		BudgetBytes: 1 << 20, LowWatermarkBytes: 1 << 19,
		MaxCapturesPerSub: 10, MaxFileBytesPerSub: 4096, CatchallCap: 8,
	})
	if err := c.CreateSession("aaaabbbb", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, c, pubsub.NewHub(), geo.None{}, log)
}

func query(s *Server, name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)

	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Authoritative = true

	q := req.Question[0]
	nlower := dns.Fqdn(name)
	switch {
	case nlower == dns.Fqdn(s.cfg.BaseDomain):
		s.answerApex(reply, q)
	case nlower == dns.Fqdn(s.cfg.NS1Name()):
		s.answerNS1(reply, q)
	default:
		s.answerSubdomain(reply, q, nlower)
	}
	return reply
}

func TestApexSOAAndNS(t *testing.T) {
	s := testServer(t)

	soa := query(s, "req.example", dns.TypeSOA)
	if len(soa.Answer) != 1 {
		t.Fatalf("expected one SOA answer, got %d", len(soa.Answer))
	}

	ns := query(s, "req.example", dns.TypeNS)
	if len(ns.Answer) != 1 {
		t.Fatalf("expected one NS answer, got %d", len(ns.Answer))
	}
}

func TestNS1HasA(t *testing.T) {
	s := testServer(t)
	resp := query(s, "ns1.req.example", dns.TypeA)
	if len(resp.Answer) != 1 {
		t.Fatalf("expected one A answer for ns1, got %d", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.ParseIP("203.0.113.9")) {
		t.Errorf("expected ns1 A to equal public IP, got %+v", resp.Answer[0])
	}
}

func TestSubdomainWithoutRecordsFallsBackToPublicIP(t *testing.T) {
	s := testServer(t)
	resp := query(s, "aaaabbbb.req.example", dns.TypeA)
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("expected NOERROR, got rcode %d", resp.Rcode)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected fallback A answer, got %d", len(resp.Answer))
	}
}

func TestUnmatchedSubdomainReturnsNXDOMAIN(t *testing.T) {
	s := testServer(t)
	resp := query(s, "zzzzzzzz.req.example", dns.TypeA)
	if resp.Rcode != dns.RcodeNameError {
		t.Fatalf("expected NXDOMAIN, got rcode %d", resp.Rcode)
	}
}

func TestUserRecordOverridesAndWildcardScoping(t *testing.T) {
	s := testServer(t)
	set := model.DNSRecordSet{
		{Label: "", Type: model.RecordA, Value: "10.0.0.1"},
		{Label: "www", Type: model.RecordA, Value: "10.0.0.2"},
	}
	if err := s.cache.PutDNSRecordSet("aaaabbbb", set); err != nil {
		t.Fatal(err)
	}

	apex := query(s, "aaaabbbb.req.example", dns.TypeA)
	if len(apex.Answer) != 1 || apex.Answer[0].(*dns.A).A.String() != "10.0.0.1" {
		t.Fatalf("expected apex wildcard record, got %+v", apex.Answer)
	}

	www := query(s, "www.aaaabbbb.req.example", dns.TypeA)
	if len(www.Answer) != 1 || www.Answer[0].(*dns.A).A.String() != "10.0.0.2" {
		t.Fatalf("expected www-specific record, got %+v", www.Answer)
	}

	// A host part with no matching record and no apex match gets the
	// public-IP fallback, not the apex wildcard (labels must match exactly).
	other := query(s, "other.aaaabbbb.req.example", dns.TypeA)
	if len(other.Answer) != 1 || other.Answer[0].(*dns.A).A.String() != "203.0.113.9" {
		t.Fatalf("expected public-IP fallback for unmatched host part, got %+v", other.Answer)
	}
}

func TestACMEOverrideSetAndClear(t *testing.T) {
	s := testServer(t)
	s.SetACMETXT("challenge-value")

	req := new(dns.Msg)
	req.SetQuestion(s.acmeChallengeName(), dns.TypeTXT)
	reply := new(dns.Msg)
	reply.SetReply(req)
	s.answerACME(reply)

	if len(reply.Answer) != 1 {
		t.Fatalf("expected one TXT answer, got %d", len(reply.Answer))
	}
	txt := reply.Answer[0].(*dns.TXT)
	if len(txt.Txt) != 1 || txt.Txt[0] != "challenge-value" {
		t.Fatalf("unexpected TXT content: %+v", txt.Txt)
	}

	s.ClearACMETXT()
	reply2 := new(dns.Msg)
	reply2.SetReply(req)
	s.answerACME(reply2)
	if len(reply2.Answer) != 0 {
		t.Fatalf("expected no answer after clearing override, got %d", len(reply2.Answer))
	}
}
