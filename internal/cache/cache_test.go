// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"testing"

	"github.com/adrgs/requestrepo/internal/idgen"
	"github.com/adrgs/requestrepo/internal/model"
)

func newTestCache() *Cache {
	return New(Options{
		BudgetBytes:        1 << 20,
		LowWatermarkBytes:  1 << 19,
		MaxCapturesPerSub:  4,
		MaxFileBytesPerSub: 4096,
		CatchallCap:        8,
	})
}

func TestCreateSessionHasIndex(t *testing.T) {
	c := newTestCache()
	if err := c.CreateSession("abcd1234", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}

	tree, ok, err := c.GetFileTree("abcd1234")
	if err != nil || !ok {
		t.Fatalf("expected file tree, err=%v ok=%v", err, ok)
	}
	if _, ok := tree["index.html"]; !ok {
		t.Error("expected index.html to be present") // invariant I1
	}
}

func TestAppendAndListCapturesOrdered(t *testing.T) {
	c := newTestCache()
	if err := c.CreateSession("abcd1234", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := c.NextCaptureID("abcd1234")
		ids = append(ids, id)
		ok, err := c.AppendCapture("abcd1234", &model.CapturedRequest{ID: id, Type: model.ProtoHTTP, HTTP: &model.HTTPCapture{Method: "GET"}})
		if err != nil || !ok {
			t.Fatalf("append failed: ok=%v err=%v", ok, err)
		}
	}

	list, ok, err := c.ListCaptures("abcd1234")
	if err != nil || !ok {
		t.Fatalf("list failed: ok=%v err=%v", ok, err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 captures, got %d", len(list))
	}
	for i, c := range list {
		if c.ID != ids[i] {
			t.Errorf("expected oldest-first ordering at %d: got %s want %s", i, c.ID, ids[i])
		}
	}
}

func TestCaptureCapEvictsOldest(t *testing.T) {
	c := newTestCache() // MaxCapturesPerSub: 4
	if err := c.CreateSession("abcd1234", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}

	var firstID string
	for i := 0; i < 5; i++ {
		id, _ := c.NextCaptureID("abcd1234")
		if i == 0 {
			firstID = id
		}
		if _, err := c.AppendCapture("abcd1234", &model.CapturedRequest{ID: id, Type: model.ProtoHTTP, HTTP: &model.HTTPCapture{}}); err != nil {
			t.Fatal(err)
		}
	}

	list, _, err := c.ListCaptures("abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 { // B3: count never exceeds the cap
		t.Fatalf("expected 4 captures after cap, got %d", len(list))
	}
	for _, cr := range list {
		if cr.ID == firstID {
			t.Error("expected the oldest capture to have been evicted")
		}
	}
}

func TestFileTreeQuotaBoundary(t *testing.T) {
	c := newTestCache() // MaxFileBytesPerSub: 4096
	if err := c.CreateSession("abcd1234", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}

	ok := model.FileTree{
		"index.html": {Status: 200, Body: make([]byte, 4096)},
	}
	if err := c.PutFileTree("abcd1234", ok); err != nil {
		t.Fatalf("expected exactly-at-cap tree to be accepted: %v", err)
	}

	tooBig := model.FileTree{
		"index.html": {Status: 200, Body: make([]byte, 4097)},
	}
	if err := c.PutFileTree("abcd1234", tooBig); err == nil {
		t.Fatal("expected QuotaExceeded for cap+1 byte tree")
	}

	// B1: rejection leaves prior state intact
	tree, _, err := c.GetFileTree("abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if tree.TotalBytes() != 4096 {
		t.Fatalf("expected prior tree preserved at 4096 bytes, got %d", tree.TotalBytes())
	}
}

func TestDeleteCaptureAndClear(t *testing.T) {
	c := newTestCache()
	if err := c.CreateSession("abcd1234", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}
	id, _ := c.NextCaptureID("abcd1234")
	if _, err := c.AppendCapture("abcd1234", &model.CapturedRequest{ID: id, Type: model.ProtoHTTP, HTTP: &model.HTTPCapture{}}); err != nil {
		t.Fatal(err)
	}

	found, err := c.DeleteCapture("abcd1234", id)
	if err != nil || !found {
		t.Fatalf("expected delete to find the capture: found=%v err=%v", found, err)
	}
	if _, err := c.GetCapture("abcd1234", id); err == nil {
		t.Error("expected NotFound after delete")
	}

	id2, _ := c.NextCaptureID("abcd1234")
	_, _ = c.AppendCapture("abcd1234", &model.CapturedRequest{ID: id2, Type: model.ProtoHTTP, HTTP: &model.HTTPCapture{}})
	if err := c.ClearCaptures("abcd1234"); err != nil {
		t.Fatal(err)
	}
	list, _, _ := c.ListCaptures("abcd1234")
	if len(list) != 0 {
		t.Fatalf("expected empty log after clear, got %d", len(list))
	}
}

func TestEvictedSessionReadsAsAbsent(t *testing.T) {
	c := newTestCache()
	if err := c.CreateSession("abcd1234", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}
	c.DeleteSession("abcd1234")

	if _, ok, _ := c.GetFileTree("abcd1234"); ok {
		t.Error("expected absent after eviction, not an error")
	}
	if ok, _ := c.AppendCapture("abcd1234", &model.CapturedRequest{ID: "x"}); ok {
		t.Error("expected append against an evicted subdomain to report absent")
	}
}

func TestDNSRecordSetRoundTrip(t *testing.T) {
	c := newTestCache()
	if err := c.CreateSession("abcd1234", idgen.NewCaptureIDGen(nil)); err != nil {
		t.Fatal(err)
	}

	set := model.DNSRecordSet{{Label: "", Type: model.RecordA, Value: "10.0.0.1"}}
	if err := c.PutDNSRecordSet("abcd1234", set); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.GetDNSRecordSet("abcd1234")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0].Value != "10.0.0.1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
