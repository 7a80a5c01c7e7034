// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package tlsmgr

import (
	"context"
	"crypto/tls"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/caffix/queue"
	"github.com/google/uuid"
	"go.uber.org/ratelimit"

	"github.com/adrgs/requestrepo/internal/config"
)

// maxBackoff caps the exponential retry delay after a failed renewal
// (§5: certificate lifecycle errors never kill the process; the last
// good certificate keeps serving).
const maxBackoff = time.Hour

// jobKind discriminates the two independent renewal lifecycles on the
// shared dispatcher queue.
type jobKind int

const (
	jobDomain jobKind = iota
	jobIP
)

// Manager runs C10: it owns both cert lifecycles, each behind its own
// CertHandle, and schedules renewal attempts on a caffix/queue Queue the
// way the teacher's dispatcher schedules event processing — Append a job,
// wake the worker via Signal(), Process() it off the queue.
type Manager struct {
	cfg  *config.Config
	dns  DNSProvisioner
	chal *HTTPChallengeHandle
	log  *slog.Logger

	DomainCert *CertHandle
	IPCert     *CertHandle

	jobs      queue.Queue
	done      chan struct{}
	callPacer ratelimit.Limiter
}

// New builds a Manager. dns is the DNS-01 provisioning surface (C7); chal
// is the HTTP-01 handle C8 serves from.
func New(cfg *config.Config, dns DNSProvisioner, chal *HTTPChallengeHandle, log *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		dns:        dns,
		chal:       chal,
		log:        log,
		DomainCert: &CertHandle{},
		IPCert:     &CertHandle{},
		jobs:       queue.NewQueue(),
		done:       make(chan struct{}),
		// Paces outbound calls to the ACME server the same way the
		// teacher paces calls to each OSINT data source API
		// (plugins/api/*.go: ratelimit.New(n, ratelimit.WithoutSlack)).
		callPacer: ratelimit.New(1, ratelimit.WithoutSlack),
	}
}

// Run loads any persisted certificates, queues an issuance job for each
// enabled lifecycle that has none, and starts the renewal scheduling loop
// and worker. It returns as soon as that is done, without waiting for any
// issuance; issuance and renewal run in the background until ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) error {
	if cert, _, ok, err := loadCert(m.certDir("domain")); err == nil && ok {
		m.DomainCert.Set(cert)
	}
	if cert, _, ok, err := loadCert(m.certDir("ip")); err == nil && ok {
		m.IPCert.Set(cert)
	}

	if m.cfg.TLSEnabled && m.DomainCert.Get() == nil {
		m.jobs.Append(jobDomain)
	}
	if m.cfg.IPCertEnabled && m.IPCert.Get() == nil {
		m.jobs.Append(jobIP)
	}

	go m.scheduleChecks(ctx)
	go m.worker(ctx)
	return nil
}

func (m *Manager) certDir(which string) string {
	return filepath.Join(m.cfg.CertDir, which)
}

// scheduleChecks periodically enqueues a renewal check for each enabled
// lifecycle, per their configured check periods (§6).
func (m *Manager) scheduleChecks(ctx context.Context) {
	domainTicker := time.NewTicker(m.cfg.DomainCertCheckPeriod)
	ipTicker := time.NewTicker(m.cfg.IPCertCheckPeriod)
	defer domainTicker.Stop()
	defer ipTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-domainTicker.C:
			if m.cfg.TLSEnabled && m.domainNeedsRenewal() {
				m.jobs.Append(jobDomain)
			}
		case <-ipTicker.C:
			if m.cfg.IPCertEnabled && m.ipNeedsRenewal() {
				m.jobs.Append(jobIP)
			}
		}
	}
}

func (m *Manager) domainNeedsRenewal() bool {
	exp, ok := domainCertExpiry(m.cfg.CertDir)
	return !ok || time.Until(exp) < m.cfg.DomainRenewThreshold
}

func (m *Manager) ipNeedsRenewal() bool {
	exp, ok := ipCertExpiry(m.cfg.CertDir)
	return !ok || time.Until(exp) < m.cfg.IPCertRenewThreshold
}

func (m *Manager) worker(ctx context.Context) {
	var domainBackoff, ipBackoff time.Duration

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.jobs.Signal():
			m.jobs.Process(func(data interface{}) {
				kind, ok := data.(jobKind)
				if !ok {
					return
				}

				m.callPacer.Take()
				orderCtx, cancel := context.WithTimeout(ctx, m.cfg.ACMEOrderTimeout)
				defer cancel()

				// One correlation id per renewal attempt, tying the log
				// lines of a single ACME order together the way the
				// teacher keys each session's activity by its uuid.
				order := uuid.New()

				switch kind {
				case jobDomain:
					m.log.Info("starting domain certificate renewal", "order", order)
					if err := renewDomainCert(orderCtx, m.cfg.CertDir, acmeDirectoryURL(m.cfg), m.cfg.ACMEEmail, m.cfg.BaseDomain, m.dns); err != nil {
						m.log.Error("domain certificate renewal failed", "order", order, "error", err)
						domainBackoff = nextBackoff(domainBackoff)
						time.AfterFunc(domainBackoff, func() { m.jobs.Append(jobDomain) })
						return
					}
					domainBackoff = 0
					if cert, _, ok, err := loadCert(m.certDir("domain")); err == nil && ok {
						m.DomainCert.Set(cert)
						m.log.Info("domain certificate renewed", "order", order)
					}
				case jobIP:
					m.log.Info("starting ip certificate renewal", "order", order)
					if err := renewIPCert(orderCtx, m.cfg.CertDir, acmeDirectoryURL(m.cfg), m.cfg.ACMEEmail, m.cfg.PublicIP, m.chal); err != nil {
						m.log.Error("ip certificate renewal failed", "order", order, "error", err)
						ipBackoff = nextBackoff(ipBackoff)
						time.AfterFunc(ipBackoff, func() { m.jobs.Append(jobIP) })
						return
					}
					ipBackoff = 0
					if cert, _, ok, err := loadCert(m.certDir("ip")); err == nil && ok {
						m.IPCert.Set(cert)
						m.log.Info("ip certificate renewed", "order", order)
					}
				}
			})
		}
	}
}

func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return time.Minute
	}
	next := prev * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func acmeDirectoryURL(cfg *config.Config) string {
	if cfg.ACMEDirectoryURL != "" {
		return cfg.ACMEDirectoryURL
	}
	return letsEncryptURL
}

const letsEncryptURL = "https://acme-v02.api.letsencrypt.org/directory"

// Pick selects the serving certificate per §4.5 SNI rule: the domain
// wildcard cert when SNI was presented, else the IP cert if enabled, else
// the domain cert as a last resort.
func (m *Manager) Pick(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName != "" {
		if cert := m.DomainCert.Get(); cert != nil {
			return cert, nil
		}
	}
	if m.cfg.IPCertEnabled {
		if cert := m.IPCert.Get(); cert != nil {
			return cert, nil
		}
	}
	return m.DomainCert.Get(), nil
}
