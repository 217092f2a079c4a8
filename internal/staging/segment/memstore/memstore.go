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

// Package memstore is an in-memory, test-only segment.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/pkg/errors"
)

type dbState struct {
	mu       sync.RWMutex
	byStart  map[int64]*segment.Segment
	lastSeen segment.Info
	hasLast  bool
}

// Store is a sync.RWMutex-guarded map of segments, indexed by start
// time, one map per database name.
type Store struct {
	mu sync.Mutex
	dbs map[string]*dbState
}

var _ segment.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{dbs: make(map[string]*dbState)}
}

func (s *Store) state(db string) *dbState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.dbs[db]
	if !ok {
		st = &dbState{byStart: make(map[int64]*segment.Segment)}
		s.dbs[db] = st
	}
	return st
}

// Save implements segment.Store.
func (s *Store) Save(_ context.Context, db string, seg *segment.Segment) error {
	st := s.state(db)
	st.mu.Lock()
	defer st.mu.Unlock()

	cp := *seg
	st.byStart[seg.StartT] = &cp
	info := segment.Info{StartT: seg.StartT, EndT: seg.EndT}
	if !st.hasLast || info.StartT >= st.lastSeen.StartT {
		st.lastSeen = info
		st.hasLast = true
	}
	return nil
}

// List implements segment.Store.
func (s *Store) List(_ context.Context, db string) ([]segment.Info, error) {
	st := s.state(db)
	st.mu.RLock()
	defer st.mu.RUnlock()

	infos := make([]segment.Info, 0, len(st.byStart))
	for _, seg := range st.byStart {
		infos = append(infos, segment.Info{StartT: seg.StartT, EndT: seg.EndT})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartT < infos[j].StartT })
	return infos, nil
}

// Last implements segment.Store.
func (s *Store) Last(_ context.Context, db string) (segment.Info, bool, error) {
	st := s.state(db)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastSeen, st.hasLast, nil
}

// Load implements segment.Store.
func (s *Store) Load(_ context.Context, db string, start int64) (*segment.Segment, error) {
	st := s.state(db)
	st.mu.RLock()
	defer st.mu.RUnlock()

	if start == 0 {
		var first *segment.Segment
		for _, seg := range st.byStart {
			if first == nil || seg.StartT < first.StartT {
				first = seg
			}
		}
		if first == nil {
			return nil, errors.New("memstore: no segments")
		}
		cp := *first
		return &cp, nil
	}

	seg, ok := st.byStart[start]
	if !ok {
		return nil, errors.Errorf("memstore: no segment starting at %d", start)
	}
	cp := *seg
	return &cp, nil
}

// LoadRange implements segment.Store.
func (s *Store) LoadRange(ctx context.Context, db string, start, end int64) (*segment.Segment, error) {
	seg, err := s.Load(ctx, db, start)
	if err != nil {
		return nil, err
	}
	if seg.EndT != end {
		return nil, errors.Errorf("memstore: segment at %d ends at %d, not %d", start, seg.EndT, end)
	}
	return seg, nil
}
