// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package dnssrv implements C7, the DNS Responder, per §4.4. It is
// grounded on other_examples' sliver DNS C2 listener for the
// dns.Server{Net:"udp"}/dns.HandleFunc(".", ...) dual-listener shape,
// adapted from a C2 session protocol to an authoritative record server.
package dnssrv

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/adrgs/requestrepo/internal/cache"
	"github.com/adrgs/requestrepo/internal/config"
	"github.com/adrgs/requestrepo/internal/geo"
	"github.com/adrgs/requestrepo/internal/model"
	"github.com/adrgs/requestrepo/internal/pubsub"
)

// Server is C7. One Server owns both the UDP and TCP listeners for the
// single configured DNS port.
type Server struct {
	cfg   *config.Config
	cache *cache.Cache
	hub   *pubsub.Hub
	geo   geo.Lookup
	log   *slog.Logger

	udp *dns.Server
	tcp *dns.Server

	acmeMu  sync.RWMutex
	acmeTXT string
	acmeSet bool
}

// New builds a Server. It does not start listening until ListenAndServe.
func New(cfg *config.Config, c *cache.Cache, hub *pubsub.Hub, g geo.Lookup, log *slog.Logger) *Server {
	if g == nil {
		g = geo.None{}
	}
	s := &Server{cfg: cfg, cache: c, hub: hub, geo: g, log: log}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	addr := fmt.Sprintf(":%d", cfg.DNSPort)
	s.udp = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	s.tcp = &dns.Server{Addr: addr, Net: "tcp", Handler: mux}
	return s
}

// ListenAndServe runs both listeners until ctx is canceled, then shuts
// them down (§5 Graceful shutdown).
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.log.Error("dns listener exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDrain)
	defer cancel()
	_ = s.udp.ShutdownContext(shutdownCtx)
	_ = s.tcp.ShutdownContext(shutdownCtx)
	return nil
}

// SetACMETXT installs the in-memory override answered for
// _acme-challenge.<base_domain> TXT queries, superseding any user record
// at that exact name (§4.4 ACME DNS-01, Open Question #2).
func (s *Server) SetACMETXT(value string) {
	s.acmeMu.Lock()
	defer s.acmeMu.Unlock()
	s.acmeTXT, s.acmeSet = value, true
}

// ClearACMETXT removes the override; the next query at that name falls
// back to whatever the user configured (or nothing).
func (s *Server) ClearACMETXT() {
	s.acmeMu.Lock()
	defer s.acmeMu.Unlock()
	s.acmeTXT, s.acmeSet = "", false
}

func (s *Server) acmeChallengeName() string {
	return "_acme-challenge." + dns.Fqdn(s.cfg.BaseDomain)
}

func (s *Server) handleQuery(w dns.ResponseWriter, req *dns.Msg) {
	if len(req.Question) != 1 || req.Opcode != dns.OpcodeQuery {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNotImplemented)
		_ = w.WriteMsg(m)
		return
	}

	q := req.Question[0]
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true
	m.RecursionAvailable = false

	srcIP := clientIP(w.RemoteAddr())
	srcPort := clientPort(w.RemoteAddr())
	name := strings.ToLower(q.Name)

	var label string
	switch {
	case name == dns.Fqdn(s.cfg.BaseDomain):
		s.answerApex(m, q)
	case name == dns.Fqdn(s.cfg.NS1Name()):
		s.answerNS1(m, q)
	case name == strings.ToLower(s.acmeChallengeName()) && q.Qtype == dns.TypeTXT:
		s.answerACME(m)
	default:
		label = s.answerSubdomain(m, q, name)
	}

	s.truncate(w, req, m)
	_ = w.WriteMsg(m)

	if name != strings.ToLower(s.acmeChallengeName()) {
		s.capture(label, q, name, srcIP, srcPort, m)
	}
}

func (s *Server) answerApex(m *dns.Msg, q dns.Question) {
	switch q.Qtype {
	case dns.TypeSOA:
		m.Answer = append(m.Answer, s.soa())
	case dns.TypeNS:
		m.Answer = append(m.Answer, &dns.NS{
			Hdr: s.header(q.Name, dns.TypeNS),
			Ns:  dns.Fqdn(s.cfg.NS1Name()),
		})
	case dns.TypeTXT:
		if s.cfg.ApexTXT != "" {
			m.Answer = append(m.Answer, &dns.TXT{Hdr: s.header(q.Name, dns.TypeTXT), Txt: []string{s.cfg.ApexTXT}})
		}
	default:
		m.Ns = append(m.Ns, s.soa())
	}
}

func (s *Server) answerNS1(m *dns.Msg, q dns.Question) {
	switch q.Qtype {
	case dns.TypeA:
		if ip4 := s.cfg.PublicIP.To4(); ip4 != nil {
			m.Answer = append(m.Answer, &dns.A{Hdr: s.header(q.Name, dns.TypeA), A: ip4})
			return
		}
		fallthrough
	default:
		m.Ns = append(m.Ns, s.soa())
	}
}

func (s *Server) answerACME(m *dns.Msg) {
	s.acmeMu.RLock()
	defer s.acmeMu.RUnlock()
	if s.acmeSet {
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: s.header(s.acmeChallengeName(), dns.TypeTXT),
			Txt: []string{s.acmeTXT},
		})
	}
}

// answerSubdomain implements §4.4 steps 2-7 for everything outside the
// built-in apex/ns1/ACME names. Returns the resolved subdomain label, or
// "" if the query could not be attributed to one.
func (s *Server) answerSubdomain(m *dns.Msg, q dns.Question, name string) string {
	label, hostPart, ok := s.splitSubdomain(name)
	if !ok {
		m.Rcode = dns.RcodeNameError
		return ""
	}

	set, found, err := s.cache.GetDNSRecordSet(label)
	if err != nil {
		m.Rcode = dns.RcodeServerFailure
		return label
	}
	if !found {
		m.Rcode = dns.RcodeNameError
		return ""
	}
	s.cache.Touch(label)

	rrtype := model.RecordType(dns.TypeToString[q.Qtype])
	var matched []model.DNSRecord
	for _, r := range set {
		if r.Type != rrtype {
			continue
		}
		if r.Label == hostPart || (r.Label == "" && hostPart == "") {
			matched = append(matched, r)
		}
	}

	if len(matched) == 0 {
		if q.Qtype == dns.TypeA {
			if ip4 := s.cfg.PublicIP.To4(); ip4 != nil {
				m.Answer = append(m.Answer, &dns.A{Hdr: s.header(q.Name, dns.TypeA), A: ip4})
			}
		}
		// else: NOERROR, empty answer section.
	} else {
		for _, r := range matched {
			if rr := s.buildRR(q.Name, r); rr != nil {
				m.Answer = append(m.Answer, rr)
			}
		}
	}

	return label
}

// splitSubdomain computes the subdomain label and host part for name
// against the configured base domain (§4.4 step 2/4).
func (s *Server) splitSubdomain(name string) (label, hostPart string, ok bool) {
	suffix := dns.Fqdn(s.cfg.BaseDomain)
	if !strings.HasSuffix(name, "."+suffix) && name != suffix {
		return "", "", false
	}
	trimmed := strings.TrimSuffix(name, "."+suffix)
	trimmed = strings.TrimSuffix(trimmed, ".")
	if trimmed == "" {
		return "", "", false
	}
	labels := dns.SplitDomainName(trimmed)
	if len(labels) == 0 {
		return "", "", false
	}
	label = labels[len(labels)-1]
	hostPart = strings.Join(labels[:len(labels)-1], ".")
	return label, hostPart, true
}

// buildRR renders one stored DNSRecord as a dns.RR, resolving a "%"
// multi-candidate A value by picking one uniformly at random per response
// (§4.4 step 6).
func (s *Server) buildRR(qname string, r model.DNSRecord) dns.RR {
	value := r.Value
	if strings.Contains(value, "%") {
		candidates := strings.Split(value, "%")
		value = candidates[rand.Intn(len(candidates))]
	}

	switch r.Type {
	case model.RecordA:
		ip := net.ParseIP(value).To4()
		if ip == nil {
			return nil
		}
		return &dns.A{Hdr: s.header(qname, dns.TypeA), A: ip}
	case model.RecordAAAA:
		ip := net.ParseIP(value).To16()
		if ip == nil {
			return nil
		}
		return &dns.AAAA{Hdr: s.header(qname, dns.TypeAAAA), AAAA: ip}
	case model.RecordCNAME:
		return &dns.CNAME{Hdr: s.header(qname, dns.TypeCNAME), Target: dns.Fqdn(value)}
	case model.RecordTXT:
		return &dns.TXT{Hdr: s.header(qname, dns.TypeTXT), Txt: []string{value}}
	default:
		return nil
	}
}

func (s *Server) header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: dns.Fqdn(name), Rrtype: rrtype, Class: dns.ClassINET, Ttl: uint32(s.cfg.DNSTTL.Seconds())}
}

func (s *Server) soa() *dns.SOA {
	base := dns.Fqdn(s.cfg.BaseDomain)
	return &dns.SOA{
		Hdr:     s.header(base, dns.TypeSOA),
		Ns:      dns.Fqdn(s.cfg.NS1Name()),
		Mbox:    "hostmaster." + base,
		Serial:  uint32(time.Now().Unix()),
		Refresh: 3600,
		Retry:   600,
		Expire:  604800,
		Minttl:  uint32(s.cfg.DNSTTL.Seconds()),
	}
}

// capture records the query as a DNSCapture (§4.4 Capture), attributing it
// to label when known, else to the catchall bucket if configured (Open
// Question #1). Queries for the ACME challenge name are never captured
// into a user's log — handled by the caller never reaching here for that
// name.
func (s *Server) capture(label string, q dns.Question, name, srcIP string, srcPort int, m *dns.Msg) {
	raw, _ := m.Pack()
	cr := &model.CapturedRequest{
		ID:        s.cache.NextCatchallID(),
		Type:      model.ProtoDNS,
		Timestamp: time.Now().UTC(),
		SourceIP:  srcIP,
		DNS: &model.DNSCapture{
			Name:       name,
			Type:       dns.TypeToString[q.Qtype],
			ReplyText:  m.String(),
			Raw:        raw,
			SourcePort: srcPort,
		},
	}
	if ip := net.ParseIP(srcIP); ip != nil {
		if country, ok := s.geo.Country(ip); ok {
			cr.Country = country
		}
	}

	if label != "" {
		if id, ok := s.cache.NextCaptureID(label); ok {
			cr.ID = id
			if ok, err := s.cache.AppendCapture(label, cr); err == nil && ok {
				s.hub.Publish(label, cr)
				return
			}
		}
	}

	if s.cfg.LogUnattributedToCatchall {
		_ = s.cache.AppendCatchall(cr)
	}
}

// truncate enforces §4.4's UDP truncation rule: if the answer exceeds the
// sender's advertised UDP size (EDNS0) or 512 bytes without EDNS0, drop
// the records that do not fit; dns.Msg.Truncate sets TC=1 when it removes
// any.
func (s *Server) truncate(w dns.ResponseWriter, req, m *dns.Msg) {
	if _, ok := w.RemoteAddr().(*net.TCPAddr); ok {
		return
	}
	limit := dns.MinMsgSize
	if opt := req.IsEdns0(); opt != nil {
		if int(opt.UDPSize()) > limit {
			limit = int(opt.UDPSize())
		}
	}
	if m.Len() > limit {
		m.Truncate(limit)
	}
}

func clientIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

func clientPort(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	default:
		_, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return 0
		}
		var p int
		_, _ = fmt.Sscanf(port, "%d", &p)
		return p
	}
}
