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

package idcache

import "sync"

// Registry lazily creates and retains one Cache per source database
// name. There is no cross-database sharing: each name gets its own
// LRU and watermark.
type Registry struct {
	mu       sync.Mutex
	capacity int
	byDB     map[string]*Cache
}

// NewRegistry constructs a Registry whose per-database caches use the
// given LRU capacity (0 for DefaultCapacity).
func NewRegistry(capacity int) *Registry {
	return &Registry{capacity: capacity, byDB: make(map[string]*Cache)}
}

// Get returns db's Cache, creating it on first use.
func (r *Registry) Get(db string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byDB[db]
	if !ok {
		c = New(r.capacity)
		r.byDB[db] = c
	}
	return c
}

// Reset drops db's cache entirely, so the next Get recreates it fresh.
// Used by tests between scenarios.
func (r *Registry) Reset(db string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byDB, db)
}
