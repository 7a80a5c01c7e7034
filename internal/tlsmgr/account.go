// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package tlsmgr

import (
	"context"
	"net/http"
	"path/filepath"

	"golang.org/x/crypto/acme"
)

const acmeAccountKeyFile = "acme-account.key"

// newClient loads (or creates) the shared ACME account key under certDir
// and registers the account with the ACME server, following the grounding
// example's "load key, build acme.Client, Register (ignore Conflict)" shape.
func newClient(ctx context.Context, certDir, directoryURL, email string) (*acme.Client, error) {
	key, err := loadOrGenerateECKey(filepath.Join(certDir, acmeAccountKeyFile))
	if err != nil {
		return nil, err
	}

	client := &acme.Client{Key: key, DirectoryURL: directoryURL}

	_, err = client.Register(ctx, &acme.Account{Contact: []string{"mailto:" + email}}, acme.AcceptTOS)
	if err != nil {
		if ae, ok := err.(*acme.Error); !ok || ae.StatusCode != http.StatusConflict {
			return nil, err
		}
		// account already registered with this key — expected on every
		// renewal after the first.
	}
	return client, nil
}
