// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package idcache implements the bounded, per-database associative
// memory that maps source EIDs to target EIDs, plus the monotonic
// watermark fast path that lets most lookups for brand-new entities
// skip the LRU (and, more importantly, skip a target index probe)
// entirely.
package idcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
)

// DefaultCapacity is the default number of entries the LRU holds,
// sized for roughly 48 bytes/entry as noted in the design.
const DefaultCapacity = 1_000_000

// Cache is the per-database ID-resolution cache.
type Cache struct {
	lru *lru.Cache[types.EID, types.EID]

	mu            sync.Mutex
	maxSeenEIDIdx int64
}

var _ types.Cache = (*Cache)(nil)

// New constructs a Cache with the given LRU capacity. A capacity <= 0
// uses DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.NewWithEvict[types.EID, types.EID](capacity, func(types.EID, types.EID) {
		cacheEvictions.Inc()
	})
	if err != nil {
		// Only returns an error for a non-positive size, which we've
		// just guarded against above.
		panic(err)
	}
	return &Cache{lru: l}
}

// IsNew reports whether old's entity index exceeds anything this cache
// has ever durably mapped, meaning old cannot possibly have been
// restored to the target yet.
func (c *Cache) IsNew(old types.EID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return old.EntityIndex() > c.maxSeenEIDIdx
}

// Lookup returns the target EID old was last mapped to, or
// (0, false) if old cannot yet exist at the target (the fast path) or
// simply has never been seen.
func (c *Cache) Lookup(old types.EID) (types.EID, bool) {
	if c.IsNew(old) {
		cacheWatermarkSkips.Inc()
		return 0, false
	}
	target, ok := c.lru.Get(old)
	if ok {
		cacheHits.Inc()
	} else {
		cacheMisses.Inc()
	}
	return target, ok
}

// Store records that old now maps to new, raising the watermark if
// old's entity index is the highest durably-mapped one seen so far.
func (c *Cache) Store(old, new types.EID) {
	c.lru.Add(old, new)

	idx := old.EntityIndex()
	c.mu.Lock()
	if idx > c.maxSeenEIDIdx {
		c.maxSeenEIDIdx = idx
	}
	c.mu.Unlock()
}

// Len returns the number of entries currently resident in the LRU,
// for tests and diagnostics.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Reset clears the cache's contents and watermark entirely. Tests use
// this between scenarios; the cache itself is otherwise
// reconstructable and losing it only costs performance.
func (c *Cache) Reset() {
	c.lru.Purge()
	c.mu.Lock()
	c.maxSeenEIDIdx = 0
	c.mu.Unlock()
}
