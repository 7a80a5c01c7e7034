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
	"net"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/adrgs/requestrepo/internal/apperr"
)

// renewIPCert runs one HTTP-01 order for the bare public IP, publishing
// the key authorization through chal so C8 can serve it at
// GET /.well-known/acme-challenge/{token}, persisting the result under
// <certDir>/ip. The overall shape mirrors renewDomainCert; only the
// challenge type and provisioning surface differ, matching how the
// grounding example treats DNS-01/HTTP-01 as interchangeable Provisioner
// implementations behind the same renew() skeleton.
func renewIPCert(ctx context.Context, certDir, directoryURL, email string, ip net.IP, chal *HTTPChallengeHandle) error {
	client, err := newClient(ctx, certDir, directoryURL, email)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: register account", err)
	}

	identifier := ip.String()
	authz, err := client.Authorize(ctx, identifier)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: authorize "+identifier, err)
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return apperr.New(apperr.Upstream, "acme: no http-01 challenge offered")
	}

	keyAuth, err := client.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "acme: compute http-01 response", err)
	}

	chal.Publish(challenge.Token, keyAuth)
	defer chal.Clear()

	if _, err := client.Accept(ctx, challenge); err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: accept http-01 challenge", err)
	}
	authz, err = client.WaitAuthorization(ctx, authz.URI)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: wait for http-01 authorization", err)
	}
	if authz.Status != acme.StatusValid {
		return apperr.New(apperr.Upstream, fmt.Sprintf("acme: http-01 authorization status %s", authz.Status))
	}

	dir := filepath.Join(certDir, "ip")
	certKey, err := loadOrGenerateECKey(filepath.Join(dir, "ip.key"))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load ip cert key", err)
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: identifier},
		IPAddresses: []net.IP{ip},
	}, certKey)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create ip csr", err)
	}

	der, _, err := client.CreateCert(ctx, csr, 0, true)
	if err != nil {
		return apperr.Wrap(apperr.Upstream, "acme: create ip certificate", err)
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return apperr.Wrap(apperr.Internal, "parse issued ip certificate", err)
	}

	meta := certMeta{NotBefore: leaf.NotBefore, NotAfter: leaf.NotAfter, Identifiers: []string{identifier}}
	if err := persistCert(dir, der, certKey, meta); err != nil {
		return apperr.Wrap(apperr.Internal, "persist ip certificate", err)
	}
	return nil
}

func ipCertExpiry(certDir string) (time.Time, bool) {
	_, meta, ok, err := loadCert(filepath.Join(certDir, "ip"))
	if err != nil || !ok {
		return time.Time{}, false
	}
	return meta.NotAfter, true
}
