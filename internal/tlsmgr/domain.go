// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package tlsmgr

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/adrgs/requestrepo/internal/apperr"
)

// DNSProvisioner is the surface C7 exposes for the DNS-01 challenge
// (§4.4 ACME DNS-01). *dnssrv.Server satisfies this by construction.
type DNSProvisioner interface {
	SetACMETXT(value string)
	ClearACMETXT()
}

// renewDomainCert runs one DNS-01 order for the base-domain wildcard,
// persisting the result under <certDir>/domain. Grounded step-for-step on
// the brankas-autocertdns Manager.renew DNS-01 flow.
func renewDomainCert(ctx context.Context, certDir, directoryURL, email, domain string, dns DNSProvisioner) error {
	client, err := newClient(ctx, certDir, directoryURL, email)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: register account", err)
	}

	wildcard := "*." + domain
	authz, err := client.Authorize(ctx, wildcard)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: authorize "+wildcard, err)
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return apperr.New(apperr.Upstream, "acme: no dns-01 challenge offered")
	}

	keyAuth, err := client.DNS01ChallengeRecord(challenge.Token)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "acme: compute dns-01 record", err)
	}

	dns.SetACMETXT(keyAuth)
	defer dns.ClearACMETXT()

	if _, err := client.Accept(ctx, challenge); err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: accept dns-01 challenge", err)
	}
	authz, err = client.WaitAuthorization(ctx, authz.URI)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: wait for dns-01 authorization", err)
	}
	if authz.Status != acme.StatusValid {
		return apperr.New(apperr.Upstream, fmt.Sprintf("acme: dns-01 authorization status %s", authz.Status))
	}

	dir := filepath.Join(certDir, "domain")
	certKey, err := loadOrGenerateECKey(filepath.Join(dir, "domain.key"))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load domain cert key", err)
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: wildcard},
		DNSNames: []string{wildcard, domain},
	}, certKey)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create domain csr", err)
	}

	der, _, err := client.CreateCert(ctx, csr, 0, true)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: create domain certificate", err)
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return apperr.Wrap(apperr.Internal, "parse issued domain certificate", err)
	}

	meta := certMeta{NotBefore: leaf.NotBefore, NotAfter: leaf.NotAfter, Identifiers: []string{wildcard, domain}}
	if err := persistCert(dir, der, certKey, meta); err != nil {
		return apperr.Wrap(apperr.Internal, "persist domain certificate", err)
	}
	return nil
}

// domainCertExpiry mirrors the afterRenew() scheduling idiom from the
// grounding example, adapted to read persisted meta rather than in-memory
// state so a restarted process picks up the existing renewal schedule.
func domainCertExpiry(certDir string) (time.Time, bool) {
	_, meta, ok, err := loadCert(filepath.Join(certDir, "domain"))
	if err != nil || !ok {
		return time.Time{}, false
	}
	return meta.NotAfter, true
}
