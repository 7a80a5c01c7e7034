// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package idgen

import (
	"bytes"
	"testing"
)

func TestSubdomainLabelShape(t *testing.T) {
	label, err := SubdomainLabel(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(label) != 8 {
		t.Fatalf("expected 8 characters, got %q", label)
	}
	for _, r := range label {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			t.Fatalf("expected lowercase alphanumerics only, got %q", label)
		}
	}
}

func TestSubdomainLabelDeterministicSource(t *testing.T) {
	a, err := SubdomainLabel(bytes.NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7}))
	if err != nil {
		t.Fatal(err)
	}
	b, err := SubdomainLabel(bytes.NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7}))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected identical labels from identical sources, got %q vs %q", a, b)
	}
}

func TestCaptureIDsStrictlyIncrease(t *testing.T) {
	g := NewCaptureIDGen(nil)

	prev := ""
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("id %d not strictly greater: %q <= %q", i, id, prev)
		}
		prev = id
	}
}
