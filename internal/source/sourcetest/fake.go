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

// Package sourcetest provides an in-memory types.SourceLog for tests,
// analogous to the teacher's sinktest fixtures.
package sourcetest

import (
	"context"
	"sort"
	"sync"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
)

// Log is a fully in-memory, append-only types.SourceLog.
type Log struct {
	mu       sync.Mutex
	entries  map[string][]types.TxEntry
	refs     map[string]map[types.EID]bool
	idToAttr map[string]map[types.EID]types.Keyword
}

var _ types.SourceLog = (*Log)(nil)

// New constructs an empty fake source log.
func New() *Log {
	return &Log{
		entries:  make(map[string][]types.TxEntry),
		refs:     make(map[string]map[types.EID]bool),
		idToAttr: make(map[string]map[types.EID]types.Keyword),
	}
}

// Append adds entry to db's log. Entries must be appended in
// increasing T order.
func (l *Log) Append(db string, entry types.TxEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[db] = append(l.entries[db], entry)
}

// SetRefs replaces the ref-attribute set reported for db.
func (l *Log) SetRefs(db string, refs map[types.EID]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs[db] = refs
}

// SetIDToAttr replaces the base-schema EID->ident map reported for db.
func (l *Log) SetIDToAttr(db string, m map[types.EID]types.Keyword) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idToAttr[db] = m
}

// ReadRange implements types.SourceLog.
func (l *Log) ReadRange(_ context.Context, db string, start, end int64) ([]types.TxEntry, map[types.EID]bool, map[types.EID]types.Keyword, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.entries[db]
	idx := sort.Search(len(all), func(i int) bool { return all[i].T >= start })
	var out []types.TxEntry
	for ; idx < len(all) && all[idx].T < end; idx++ {
		out = append(out, all[idx])
	}
	return out, l.refs[db], l.idToAttr[db], nil
}

// Tip implements types.SourceLog.
func (l *Log) Tip(_ context.Context, db string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.entries[db]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].T, nil
}
