// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

// Package cache implements C4, the Cache Core: a gzip-compressed,
// sharded-by-subdomain store with a hard per-subdomain quota and a global
// soft footprint cap enforced by LRU-by-subdomain eviction. It is grounded
// on the teacher's two-tier cache idiom (cache.Cache interface plus a
// concrete store, cache/oam_cache.go's own mutex-guarded map-of-maps) and
// on §9's explicit redesign instruction to replace a single global lock
// with a shard-by-hash map holding one fine-grained lock per entry.
package cache

import (
	"encoding/json"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adrgs/requestrepo/internal/apperr"
	"github.com/adrgs/requestrepo/internal/idgen"
	"github.com/adrgs/requestrepo/internal/model"
)

const numShards = 32

// hardSessionCeiling is the safety valve golang-lru's own Add()-triggered
// eviction enforces in addition to our footprint-driven sweeps, so a burst
// of session creation can never grow the LRU's bookkeeping unboundedly
// even if the footprint accounting lags behind for one write.
const hardSessionCeiling = 1_000_000

type shard struct {
	mu      sync.RWMutex
	bundles map[string]*bundle
}

// Cache is C4. Safe for concurrent use; operations on distinct subdomains
// never block one another (distinct shards, distinct bundle locks).
type Cache struct {
	shards [numShards]*shard

	order *lru.Cache[string, struct{}]

	footprintMu sync.Mutex // guards the three fields below
	footprint   int64
	budget      int64
	lowWater    int64

	maxCaptures  int
	maxFileBytes int64

	catchallMu  sync.Mutex
	catchallCap int
	catchall    []captureEntry
	catchallIDs *idgen.CaptureIDGen
}

// Options configures the hard/soft caps C4 enforces.
type Options struct {
	BudgetBytes        int64 // global soft cap; breach triggers eviction
	LowWatermarkBytes  int64 // eviction target once triggered
	MaxCapturesPerSub  int
	MaxFileBytesPerSub int64
	CatchallCap        int
}

// New builds an empty Cache. Eviction callbacks simply let go of the
// bundle; there is nothing else to release since everything is in-memory.
func New(opts Options) *Cache {
	c := &Cache{
		budget:       opts.BudgetBytes,
		lowWater:     opts.LowWatermarkBytes,
		maxCaptures:  opts.MaxCapturesPerSub,
		maxFileBytes: opts.MaxFileBytesPerSub,
		catchallCap:  opts.CatchallCap,
		catchallIDs:  idgen.NewCaptureIDGen(nil),
	}
	for i := range c.shards {
		c.shards[i] = &shard{bundles: make(map[string]*bundle)}
	}
	ordered, _ := lru.NewWithEvict[string, struct{}](hardSessionCeiling, func(key string, _ struct{}) {
		c.dropBundle(key)
	})
	c.order = ordered
	return c
}

func (c *Cache) shardFor(subdomain string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subdomain))
	return c.shards[h.Sum32()%numShards]
}

func (c *Cache) dropBundle(subdomain string) {
	sh := c.shardFor(subdomain)
	sh.mu.Lock()
	b, ok := sh.bundles[subdomain]
	if ok {
		delete(sh.bundles, subdomain)
	}
	sh.mu.Unlock()

	if ok {
		b.mu.Lock()
		fp := b.footprintLocked()
		b.mu.Unlock()
		c.addFootprint(-fp)
	}
}

func (c *Cache) addFootprint(delta int64) {
	if delta == 0 {
		return
	}
	c.footprintMu.Lock()
	c.footprint += delta
	over := c.budget > 0 && c.footprint > c.budget
	c.footprintMu.Unlock()

	if over {
		c.evictUntilLow()
	}
}

// evictUntilLow drops whole subdomain bundles in LRU order until the
// cache-wide compressed footprint is at or below the low watermark (§4.1
// Eviction). It is transparent to callers: a subsequent read of an
// evicted subdomain returns absent.
func (c *Cache) evictUntilLow() {
	for {
		c.footprintMu.Lock()
		over := c.footprint > c.lowWater
		c.footprintMu.Unlock()
		if !over {
			return
		}
		key, _, ok := c.order.RemoveOldest()
		if !ok {
			return
		}
		c.dropBundle(key)
	}
}

// SessionExists reports whether subdomain has a live bundle.
func (c *Cache) SessionExists(subdomain string) bool {
	sh := c.shardFor(subdomain)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.bundles[subdomain]
	return ok
}

// CreateSession installs the default bundle (index.html, empty captures,
// empty DNS set) for a brand-new subdomain (§4.3 step 4). It fails if the
// subdomain already exists so the session manager's collision-retry loop
// can tell the difference from a fresh install.
func (c *Cache) CreateSession(subdomain string, seed *idgen.CaptureIDGen) error {
	sh := c.shardFor(subdomain)

	sh.mu.Lock()
	if _, exists := sh.bundles[subdomain]; exists {
		sh.mu.Unlock()
		return apperr.New(apperr.Internal, "subdomain already exists")
	}
	b, err := newBundle(seed, c.maxCaptures, c.maxFileBytes)
	if err != nil {
		sh.mu.Unlock()
		return err
	}
	sh.bundles[subdomain] = b
	sh.mu.Unlock()

	b.mu.Lock()
	fp := b.footprintLocked()
	b.mu.Unlock()

	c.order.Add(subdomain, struct{}{})
	c.addFootprint(fp)
	return nil
}

// DeleteSession explicitly removes a subdomain's entire bundle.
func (c *Cache) DeleteSession(subdomain string) {
	c.order.Remove(subdomain)
	c.dropBundle(subdomain)
}

// Touch records recent use for LRU-by-subdomain (§4.1).
func (c *Cache) Touch(subdomain string) {
	c.order.Get(subdomain) // golang-lru's Get bumps recency as a side effect
}

func (c *Cache) lookup(subdomain string) (*bundle, bool) {
	sh := c.shardFor(subdomain)
	sh.mu.RLock()
	b, ok := sh.bundles[subdomain]
	sh.mu.RUnlock()
	return b, ok
}

// NextCaptureID mints the next id for subdomain's capture log, or absent
// if the subdomain has no bundle (evicted or never created).
func (c *Cache) NextCaptureID(subdomain string) (string, bool) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return "", false
	}
	return b.ids.Next(), true
}

// AppendCapture appends c to subdomain's capture log, evicting the oldest
// entry first if the per-subdomain cap is already full (§4.1, B3). Absent
// subdomain is reported via ok=false, not an error — evicted sessions look
// exactly like sessions that never existed.
func (c *Cache) AppendCapture(subdomain string, cap *model.CapturedRequest) (ok bool, err error) {
	b, found := c.lookup(subdomain)
	if !found {
		return false, nil
	}
	delta, err := b.append(cap)
	if err != nil {
		return true, err
	}
	c.Touch(subdomain)
	c.addFootprint(delta)
	return true, nil
}

// ListCaptures returns subdomain's captures oldest-first (I3).
func (c *Cache) ListCaptures(subdomain string) ([]*model.CapturedRequest, bool, error) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return nil, false, nil
	}
	list, err := b.list()
	return list, true, err
}

// GetCapture fetches one capture by id.
func (c *Cache) GetCapture(subdomain, id string) (*model.CapturedRequest, error) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	return b.get(id)
}

// DeleteCapture removes one capture by id (a no-op, not an error, if it
// doesn't exist).
func (c *Cache) DeleteCapture(subdomain, id string) (bool, error) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return false, apperr.New(apperr.NotFound, "session not found")
	}
	delta, found := b.delete(id)
	c.addFootprint(delta)
	return found, nil
}

// ClearCaptures empties subdomain's capture log.
func (c *Cache) ClearCaptures(subdomain string) error {
	b, ok := c.lookup(subdomain)
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	c.addFootprint(b.clear())
	return nil
}

// GetDNSRecordSet returns subdomain's record set (possibly empty).
func (c *Cache) GetDNSRecordSet(subdomain string) (model.DNSRecordSet, bool, error) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return nil, false, nil
	}
	set, err := b.getDNS()
	return set, true, err
}

// PutDNSRecordSet replaces subdomain's record set (R3).
func (c *Cache) PutDNSRecordSet(subdomain string, set model.DNSRecordSet) error {
	b, ok := c.lookup(subdomain)
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	delta, err := b.putDNS(set)
	if err != nil {
		return err
	}
	c.addFootprint(delta)
	return nil
}

// GetFileTree returns subdomain's full virtual file tree (R1).
func (c *Cache) GetFileTree(subdomain string) (model.FileTree, bool, error) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return nil, false, nil
	}
	tree, err := b.getFileTree()
	return tree, true, err
}

// PutFileTree replaces subdomain's file tree, enforcing I1/I2 (B1).
func (c *Cache) PutFileTree(subdomain string, tree model.FileTree) error {
	b, ok := c.lookup(subdomain)
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	delta, err := b.putFileTree(tree)
	if err != nil {
		return err
	}
	c.addFootprint(delta)
	return nil
}

// GetFile resolves one path against subdomain's file tree per §4.5 step 3,
// falling back to the index.html entry when no key matches. This is the
// capture-serving lookup; REST fetches use GetFileExact.
func (c *Cache) GetFile(subdomain, path string) (model.ResponseFile, bool, error) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return model.ResponseFile{}, false, nil
	}
	f, found, err := b.getFile(path)
	return f, found, err
}

// GetFileExact fetches one file by key with no index.html fallback, so a
// missing path reads as absent (§6: GET /files/{path} → 404 missing).
func (c *Cache) GetFileExact(subdomain, path string) (model.ResponseFile, bool, error) {
	b, ok := c.lookup(subdomain)
	if !ok {
		return model.ResponseFile{}, false, nil
	}
	f, found, err := b.getFileExact(path)
	return f, found, err
}

// AppendCatchall records a capture that could not be attributed to any
// subdomain (Open Question #1). It is a fixed-size ring, not subject to
// LRU-by-subdomain eviction since it belongs to no subdomain.
func (c *Cache) AppendCatchall(cap *model.CapturedRequest) error {
	raw, err := compress(mustJSON(cap))
	if err != nil {
		return err
	}

	c.catchallMu.Lock()
	defer c.catchallMu.Unlock()
	if c.catchallCap > 0 && len(c.catchall) >= c.catchallCap {
		c.catchall = c.catchall[1:]
	}
	c.catchall = append(c.catchall, captureEntry{id: cap.ID, gz: raw})
	return nil
}

// NextCatchallID mints an id for the catchall bucket.
func (c *Cache) NextCatchallID() string {
	return c.catchallIDs.Next()
}

func mustJSON(c *model.CapturedRequest) []byte {
	b, err := json.Marshal(c)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// ListCatchall returns the catchall bucket, oldest-first.
func (c *Cache) ListCatchall() ([]*model.CapturedRequest, error) {
	c.catchallMu.Lock()
	entries := make([]captureEntry, len(c.catchall))
	copy(entries, c.catchall)
	c.catchallMu.Unlock()

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
		var cap model.CapturedRequest
		if err := json.Unmarshal(raw, &cap); err != nil {
			if firstErr == nil {
				firstErr = apperr.Wrap(apperr.Corrupt, "unmarshal catchall capture", err)
			}
			continue
		}
		out = append(out, &cap)
	}
	return out, firstErr
}
