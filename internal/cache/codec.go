// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/adrgs/requestrepo/internal/apperr"
)

// compress gzips raw unconditionally (§4.1: "Compression is applied
// eagerly on write regardless of value size (the goal is footprint, not
// latency)").
func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, apperr.Wrap(apperr.Internal, "compress cache entry", err)
	}
	if err := w.Close(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "flush cache entry", err)
	}
	return buf.Bytes(), nil
}

// decompress reverses compress. A damaged entry fails this one read with
// Corrupt and leaves the stored bytes untouched (§4.1).
func decompress(gz []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, apperr.Wrap(apperr.Corrupt, "cache entry is not valid gzip", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.Corrupt, "cache entry truncated", err)
	}
	return raw, nil
}
