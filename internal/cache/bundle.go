// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/adrgs/requestrepo/internal/apperr"
	"github.com/adrgs/requestrepo/internal/idgen"
	"github.com/adrgs/requestrepo/internal/model"
)

// captureEntry is one append-only slot: the capture id kept alongside its
// own compressed blob so a single corrupted entry never breaks the whole
// list_captures scan.
type captureEntry struct {
	id string
	gz []byte
	sz int64 // compressed size, tracked for the bundle footprint
}

// bundle is everything C4 owns for one subdomain: the session marker, the
// capture log, the DNS record set, and the file tree. Eviction drops a
// bundle whole (§3: "LRU-by-subdomain — eviction unit is the entire bundle
// of one subdomain's state, not individual keys").
//
// bundle.mu totally orders writes within the subdomain (§4.1 Concurrency)
// while leaving distinct subdomains' bundles (held in distinct shards)
// free to proceed concurrently.
type bundle struct {
	mu sync.Mutex

	createdAt time.Time
	ids       *idgen.CaptureIDGen

	captures []captureEntry

	dnsGz []byte // gzip(JSON(model.DNSRecordSet)); nil = empty set

	filesGz       []byte // gzip(JSON(model.FileTree))
	fileTreeBytes int64  // uncompressed quota accounting (§3 I2)

	maxCaptures  int
	maxFileBytes int64
}

func newBundle(seed *idgen.CaptureIDGen, maxCaptures int, maxFileBytes int64) (*bundle, error) {
	b := &bundle{
		createdAt:    time.Now(),
		ids:          seed,
		maxCaptures:  maxCaptures,
		maxFileBytes: maxFileBytes,
	}

	tree := model.FileTree{"index.html": model.DefaultIndex()}
	if err := b.putFileTreeLocked(tree); err != nil {
		return nil, err
	}
	return b, nil
}

// footprintLocked is the compressed-byte contribution of this bundle to the
// cache-wide eviction total. The caller holds b.mu.
func (b *bundle) footprintLocked() int64 {
	var total int64
	for _, c := range b.captures {
		total += c.sz
	}
	total += int64(len(b.dnsGz))
	total += int64(len(b.filesGz))
	return total
}

func (b *bundle) append(c *model.CapturedRequest) (delta int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := json.Marshal(c)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "marshal capture", err)
	}
	gz, err := compress(raw)
	if err != nil {
		return 0, err
	}

	var removed int64
	if b.maxCaptures > 0 && len(b.captures) >= b.maxCaptures {
		removed = b.captures[0].sz
		b.captures = b.captures[1:]
	}
	b.captures = append(b.captures, captureEntry{id: c.ID, gz: gz, sz: int64(len(gz))})
	return int64(len(gz)) - removed, nil
}

func (b *bundle) list() ([]*model.CapturedRequest, error) {
	b.mu.Lock()
	entries := make([]captureEntry, len(b.captures))
	copy(entries, b.captures)
	b.mu.Unlock()

	out := make([]*model.CapturedRequest, 0, len(entries))
	var firstErr error
	for _, e := range entries {
		raw, err := decompress(e.gz)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var c model.CapturedRequest
		if err := json.Unmarshal(raw, &c); err != nil {
			if firstErr == nil {
				firstErr = apperr.Wrap(apperr.Corrupt, "unmarshal capture", err)
			}
			continue
		}
		out = append(out, &c)
	}
	return out, firstErr
}

func (b *bundle) get(id string) (*model.CapturedRequest, error) {
	b.mu.Lock()
	var gz []byte
	for _, e := range b.captures {
		if e.id == id {
			gz = e.gz
			break
		}
	}
	b.mu.Unlock()

	if gz == nil {
		return nil, apperr.New(apperr.NotFound, "capture not found")
	}
	raw, err := decompress(gz)
	if err != nil {
		return nil, err
	}
	var c model.CapturedRequest
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, apperr.Wrap(apperr.Corrupt, "unmarshal capture", err)
	}
	return &c, nil
}

func (b *bundle) delete(id string) (delta int64, found bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.captures {
		if e.id == id {
			b.captures = append(b.captures[:i], b.captures[i+1:]...)
			return -e.sz, true
		}
	}
	return 0, false
}

func (b *bundle) clear() (delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.captures {
		delta -= e.sz
	}
	b.captures = nil
	return delta
}

func (b *bundle) getDNS() (model.DNSRecordSet, error) {
	b.mu.Lock()
	gz := b.dnsGz
	b.mu.Unlock()

	if len(gz) == 0 {
		return model.DNSRecordSet{}, nil
	}
	raw, err := decompress(gz)
	if err != nil {
		return nil, err
	}
	var set model.DNSRecordSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, apperr.Wrap(apperr.Corrupt, "unmarshal dns record set", err)
	}
	return set, nil
}

func (b *bundle) putDNS(set model.DNSRecordSet) (delta int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := json.Marshal(set)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "marshal dns record set", err)
	}
	gz, err := compress(raw)
	if err != nil {
		return 0, err
	}
	delta = int64(len(gz)) - int64(len(b.dnsGz))
	b.dnsGz = gz
	return delta, nil
}

func (b *bundle) getFileTree() (model.FileTree, error) {
	b.mu.Lock()
	gz := b.filesGz
	b.mu.Unlock()

	raw, err := decompress(gz)
	if err != nil {
		return nil, err
	}
	var tree model.FileTree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, apperr.Wrap(apperr.Corrupt, "unmarshal file tree", err)
	}
	return tree, nil
}

func (b *bundle) putFileTreeLocked(tree model.FileTree) error {
	if _, ok := tree["index.html"]; !ok {
		return apperr.New(apperr.Protocol, "file tree missing index.html") // I1 invariant guard
	}
	total := tree.TotalBytes()
	if b.maxFileBytes > 0 && total > b.maxFileBytes {
		return apperr.New(apperr.QuotaExceeded, "file tree exceeds per-subdomain byte cap")
	}

	raw, err := json.Marshal(tree)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal file tree", err)
	}
	gz, err := compress(raw)
	if err != nil {
		return err
	}
	b.filesGz = gz
	b.fileTreeBytes = total
	return nil
}

func (b *bundle) putFileTree(tree model.FileTree) (delta int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := int64(len(b.filesGz))
	if err := b.putFileTreeLocked(tree); err != nil {
		return 0, err
	}
	return int64(len(b.filesGz)) - before, nil
}

func (b *bundle) getFile(path string) (model.ResponseFile, bool, error) {
	tree, err := b.getFileTree()
	if err != nil {
		return model.ResponseFile{}, false, err
	}
	f, ok := lookupFile(tree, path)
	if !ok {
		f, ok = tree["index.html"]
	}
	return f, ok, nil
}

func (b *bundle) getFileExact(path string) (model.ResponseFile, bool, error) {
	tree, err := b.getFileTree()
	if err != nil {
		return model.ResponseFile{}, false, err
	}
	f, ok := lookupFile(tree, path)
	return f, ok, nil
}

// lookupFile implements §4.5 step 3's key comparison: try the
// percent-decoded path as-is, then with its leading slash stripped. It
// never walks the filesystem — keys are compared, not resolved against a
// real tree. The index.html fallback belongs to the capture-serving path
// only; getFile adds it, getFileExact does not.
func lookupFile(tree model.FileTree, p string) (model.ResponseFile, bool) {
	if f, ok := tree[p]; ok {
		return f, true
	}
	trimmed := p
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	f, ok := tree[trimmed]
	return f, ok
}
