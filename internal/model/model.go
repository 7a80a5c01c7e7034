// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package model holds the data shapes shared by every component that
// touches the cache (§3 DATA MODEL): captured requests, response files,
// and DNS record sets. It has no dependencies on cache/session/protocol
// packages so all of them can import it without a cycle.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtoKind discriminates the CapturedRequest union (§9: "From
// dynamic/mixed-type capture variants -> tagged union").
type ProtoKind string

const (
	ProtoHTTP ProtoKind = "http"
	ProtoDNS  ProtoKind = "dns"
	ProtoSMTP ProtoKind = "smtp"
)

// CapturedRequest is the tagged union of the three transaction shapes in
// §3. Exactly one of HTTP, DNS, SMTP is non-nil, matching c.Type.
type CapturedRequest struct {
	ID        string    `json:"id"`
	Type      ProtoKind `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"sourceIp"`
	Country   string    `json:"country,omitempty"`

	HTTP *HTTPCapture `json:"-"`
	DNS  *DNSCapture  `json:"-"`
	SMTP *SMTPCapture `json:"-"`
}

// HTTPCapture is the HTTP variant payload.
type HTTPCapture struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      string              `json:"query"`
	Fragment   string              `json:"fragment,omitempty"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Scheme     string              `json:"scheme"`
	SourcePort int                 `json:"sourcePort"`
	LocalPort  int                 `json:"localPort"`
}

// DNSCapture is the DNS variant payload.
type DNSCapture struct {
	Name       string `json:"name"`
	Type       string `json:"qtype"`
	ReplyText  string `json:"replyText"`
	Raw        []byte `json:"raw"`
	SourcePort int    `json:"sourcePort"`
}

// SMTPCapture is the SMTP variant payload.
type SMTPCapture struct {
	MailFrom string   `json:"from"`
	RcptTo   []string `json:"to"`
	Data     []byte   `json:"data"`
}

// wireCapture is the flattened JSON shape used on the REST API and the
// push channel: one object per capture, discriminated by "type", with the
// variant's fields inlined rather than nested under "http"/"dns"/"smtp".
type wireCapture struct {
	ID        string    `json:"id"`
	Type      ProtoKind `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"sourceIp"`
	Country   string    `json:"country,omitempty"`

	Method     string              `json:"method,omitempty"`
	Path       string              `json:"path,omitempty"`
	Query      string              `json:"query,omitempty"`
	Fragment   string              `json:"fragment,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	Scheme     string              `json:"scheme,omitempty"`
	SourcePort int                 `json:"sourcePort,omitempty"`
	LocalPort  int                 `json:"localPort,omitempty"`

	Name      string `json:"name,omitempty"`
	QType     string `json:"qtype,omitempty"`
	ReplyText string `json:"replyText,omitempty"`
	Raw       []byte `json:"raw,omitempty"`

	MailFrom string   `json:"from,omitempty"`
	RcptTo   []string `json:"to,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// MarshalJSON flattens the variant into the wire shape, pattern-matching
// at the render boundary the way §9 prescribes.
func (c *CapturedRequest) MarshalJSON() ([]byte, error) {
	w := wireCapture{
		ID:        c.ID,
		Type:      c.Type,
		Timestamp: c.Timestamp,
		SourceIP:  c.SourceIP,
		Country:   c.Country,
	}
	switch c.Type {
	case ProtoHTTP:
		if c.HTTP != nil {
			w.Method, w.Path, w.Query, w.Fragment = c.HTTP.Method, c.HTTP.Path, c.HTTP.Query, c.HTTP.Fragment
			w.Headers, w.Body, w.Scheme = c.HTTP.Headers, c.HTTP.Body, c.HTTP.Scheme
			w.SourcePort, w.LocalPort = c.HTTP.SourcePort, c.HTTP.LocalPort
		}
	case ProtoDNS:
		if c.DNS != nil {
			w.Name, w.QType, w.ReplyText, w.Raw = c.DNS.Name, c.DNS.Type, c.DNS.ReplyText, c.DNS.Raw
			w.SourcePort = c.DNS.SourcePort
		}
	case ProtoSMTP:
		if c.SMTP != nil {
			w.MailFrom, w.RcptTo, w.Data = c.SMTP.MailFrom, c.SMTP.RcptTo, c.SMTP.Data
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reconstructs the variant from the wire shape.
func (c *CapturedRequest) UnmarshalJSON(data []byte) error {
	var w wireCapture
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ID, c.Type, c.Timestamp, c.SourceIP, c.Country = w.ID, w.Type, w.Timestamp, w.SourceIP, w.Country
	switch c.Type {
	case ProtoHTTP:
		c.HTTP = &HTTPCapture{
			Method: w.Method, Path: w.Path, Query: w.Query, Fragment: w.Fragment,
			Headers: w.Headers, Body: w.Body, Scheme: w.Scheme,
			SourcePort: w.SourcePort, LocalPort: w.LocalPort,
		}
	case ProtoDNS:
		c.DNS = &DNSCapture{Name: w.Name, Type: w.QType, ReplyText: w.ReplyText, Raw: w.Raw, SourcePort: w.SourcePort}
	case ProtoSMTP:
		c.SMTP = &SMTPCapture{MailFrom: w.MailFrom, RcptTo: w.RcptTo, Data: w.Data}
	default:
		return fmt.Errorf("model: unknown capture type %q", w.Type)
	}
	return nil
}

// ResponseFile is one entry of a subdomain's virtual file tree (§3).
type ResponseFile struct {
	Status  int          `json:"status"`
	Headers []HeaderPair `json:"headers"`
	Body    []byte       `json:"body"`
}

// HeaderPair preserves header order and duplicate names, unlike a map.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Size is the byte footprint counted against the per-subdomain quota:
// the body plus header name/value bytes.
func (f ResponseFile) Size() int64 {
	n := int64(len(f.Body))
	for _, h := range f.Headers {
		n += int64(len(h.Name) + len(h.Value))
	}
	return n
}

// DefaultIndex is the file every subdomain is born with (§3 invariant I1).
func DefaultIndex() ResponseFile {
	return ResponseFile{
		Status:  200,
		Headers: []HeaderPair{{Name: "Content-Type", Value: "text/html"}},
		Body:    []byte{},
	}
}

// FileTree is keyed by path (with or without a leading slash; lookup
// normalizes, see §4.5 step 3).
type FileTree map[string]ResponseFile

// TotalBytes sums every entry's Size, for the I2/B1 quota invariants.
func (t FileTree) TotalBytes() int64 {
	var total int64
	for _, f := range t {
		total += f.Size()
	}
	return total
}

// RecordType is one of the four DNS record kinds §3 supports.
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
	RecordTXT   RecordType = "TXT"
)

// DNSRecord is one (label, type, value) tuple. Label "" is the wildcard
// matching only the subdomain apex (§4.4 step 4).
type DNSRecord struct {
	Label string     `json:"label"`
	Type  RecordType `json:"type"`
	Value string     `json:"value"`
}

// DNSRecordSet is the ordered list PUT/GET /dns round-trips (R3).
type DNSRecordSet []DNSRecord
