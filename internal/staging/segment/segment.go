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

// Package segment defines the durable, contiguous slice of a source
// database's transaction log and the storage contract that the
// producer, consumer, and continuous driver depend on.
package segment

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
)

// A Segment is a durable chunk of one source database's transaction
// log, covering every t in [StartT, EndT] inclusive.
type Segment struct {
	StartT int64
	EndT   int64

	// Refs holds every source EID that names a reference-typed
	// attribute, as observed at segment-production time.
	Refs map[types.EID]bool

	// IDToAttr is a snapshot of source EID -> ident for base-schema
	// attributes, taken before any user schema existed. It lets the
	// consumer resolve schema-evolution idents while replaying early
	// history.
	IDToAttr map[types.EID]types.Keyword

	// Transactions is the ordered sequence of log entries this
	// segment covers.
	Transactions []types.TxEntry
}

// Info is the cheap {StartT, EndT} summary returned by List and Last,
// avoiding a full segment deserialization just to learn its bounds.
type Info struct {
	StartT int64
	EndT   int64
}

// A Store is a key-addressed blob store for Segments, keyed by
// (db name, StartT, EndT). Implementations: staging/segment/fsstore
// (local filesystem via afero), staging/segment/memstore (in-memory,
// test-only), staging/segment/passthrough (adapts a live source
// connection to the same interface, read-only).
type Store interface {
	// Save atomically publishes seg under db. Saving a segment with
	// the same (StartT, EndT) as an existing one is idempotent.
	Save(ctx context.Context, db string, seg *Segment) error

	// List returns every segment's Info for db, sorted by StartT.
	List(ctx context.Context, db string) ([]Info, error)

	// Last returns a cheap hint for the most-recently-saved segment,
	// or (Info{}, false, nil) if db has no segments. When both Last
	// and List are available, Last must equal the final element List
	// would return.
	Last(ctx context.Context, db string) (Info, bool, error)

	// Load retrieves the segment that starts at exactly start. A
	// start of 0 means "the first segment". Returns an error if no
	// such segment exists.
	Load(ctx context.Context, db string, start int64) (*Segment, error)

	// LoadRange retrieves the segment with the exact (start, end)
	// pair. Returns an error if the pair does not match a stored
	// segment.
	LoadRange(ctx context.Context, db string, start, end int64) (*Segment, error)
}

// Gap is a missing span in an otherwise sorted, contiguous segment
// list: (PrevEnd+1, NextStart-1).
type Gap struct {
	Start int64
	End   int64
}

// FindGaps scans a StartT-sorted Info list and returns every gap,
// i.e. every place where infos[i+1].StartT > infos[i].EndT+1.
// Overlaps (infos[i+1].StartT <= infos[i].EndT) are not reported here;
// callers that care about overlaps should check for them separately,
// per the design note that overlaps are logged but never repaired.
func FindGaps(infos []Info) []Gap {
	var gaps []Gap
	for i := 0; i+1 < len(infos); i++ {
		if infos[i+1].StartT > infos[i].EndT+1 {
			gaps = append(gaps, Gap{Start: infos[i].EndT + 1, End: infos[i+1].StartT - 1})
		}
	}
	return gaps
}

// FindOverlaps returns every index i such that infos[i+1] overlaps
// infos[i].
func FindOverlaps(infos []Info) []int {
	var overlaps []int
	for i := 0; i+1 < len(infos); i++ {
		if infos[i+1].StartT <= infos[i].EndT {
			overlaps = append(overlaps, i)
		}
	}
	return overlaps
}

// Containing returns the index of the first segment in the
// StartT-sorted infos list whose [StartT, EndT] range contains t, or
// -1 if none does.
func Containing(infos []Info, t int64) int {
	for i, info := range infos {
		if info.StartT <= t && t <= info.EndT {
			return i
		}
	}
	return -1
}
