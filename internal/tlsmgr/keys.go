// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package tlsmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// loadOrGenerateECKey mirrors cachedKey from the grounding example: load a
// PEM-encoded EC private key from path, or generate and persist a fresh
// P-256 key if none exists yet. Plain encoding/pem + crypto/x509 stand in
// for the grounding example's knq/pemutil, since pemutil is a thin wrapper
// over exactly these two stdlib packages and is otherwise unused anywhere
// in the retrieved corpus.
func loadOrGenerateECKey(path string) (*ecdsa.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("tlsmgr: %s is not valid PEM", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// certMeta is the persisted meta.json sidecar (§6: "meta.json holds
// {not_before, not_after, identifiers}").
type certMeta struct {
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Identifiers []string  `json:"identifiers"`
}

// persistCert writes fullchain.pem, privkey.pem, and meta.json under dir.
func persistCert(dir string, der [][]byte, key *ecdsa.PrivateKey, meta certMeta) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var chain []byte
	for _, c := range der {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c})...)
	}
	if err := os.WriteFile(filepath.Join(dir, "fullchain.pem"), chain, 0o644); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, "privkey.pem"), keyPEM, 0o600); err != nil {
		return err
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), metaJSON, 0o644)
}

// loadCert reconstructs a tls.Certificate and its meta.json from dir. It
// reports ok=false, not an error, when no certificate has been persisted
// yet (a brand-new cert directory).
func loadCert(dir string) (cert *tls.Certificate, meta certMeta, ok bool, err error) {
	chainPath := filepath.Join(dir, "fullchain.pem")
	keyPath := filepath.Join(dir, "privkey.pem")
	metaPath := filepath.Join(dir, "meta.json")

	chainPEM, err := os.ReadFile(chainPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, certMeta{}, false, nil
		}
		return nil, certMeta{}, false, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, certMeta{}, false, err
	}
	tlsCert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, certMeta{}, false, err
	}

	var m certMeta
	if raw, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(raw, &m)
	}
	return &tlsCert, m, true, nil
}
