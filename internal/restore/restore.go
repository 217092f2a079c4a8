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

// Package restore drives segments out of a segment.Store and through
// the replay engine, as a single-shot consumer (this package) or a
// continuous pipeline (package restore/driver).
package restore

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/apply"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/schemawatch"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State is the outcome of one RestoreSegment call.
type State int

const (
	// RestoredSegment means every transaction in the selected segment
	// with t > t_last was applied successfully.
	RestoredSegment State = iota
	// NothingNewAvailable means the store has nothing past what the
	// target has already applied.
	NothingNewAvailable
	// TransactionFailed means a transaction within the segment was
	// rejected by the target; the cursor reflects the last
	// transaction that did commit.
	TransactionFailed
	// PartialSegment means the store's segment covering desired_start
	// doesn't actually extend that far, so nothing could be applied.
	PartialSegment
)

// String renders the state the way log lines and test failures want
// to see it.
func (s State) String() string {
	switch s {
	case RestoredSegment:
		return "restored_segment"
	case NothingNewAvailable:
		return "nothing_new_available"
	case TransactionFailed:
		return "transaction_failed"
	case PartialSegment:
		return "partial_segment"
	default:
		return "unknown"
	}
}

// Result is the detailed outcome of a RestoreSegment call.
type Result struct {
	State State
	// AppliedThrough is the target cursor's t when the call returns: the
	// highest source t applied during this call, or the t already
	// applied before it when the call applied none. It is 0 for states
	// that return before loading a segment.
	AppliedThrough int64
	// Err is set when State is TransactionFailed.
	Err error
}

// Consumer drives a single RestoreSegment step against one store/target
// pairing for one source database.
type Consumer struct {
	DB     string
	Store  segment.Store
	Target types.Target
	Engine *apply.Engine
}

// RestoreSegment implements the eight-step single-shot state machine.
func (c *Consumer) RestoreSegment(ctx context.Context) (Result, error) {
	tLast, err := schemawatch.LastAppliedT(ctx, c.Target)
	if err != nil {
		return Result{}, errors.Wrap(err, "restore: reading cursor")
	}
	desiredStart := tLast + 1

	last, ok, err := c.Store.Last(ctx, c.DB)
	if err != nil {
		return Result{}, errors.Wrap(err, "restore: querying last segment")
	}
	if !ok || (last.StartT < desiredStart && last.EndT < desiredStart) {
		return Result{State: NothingNewAvailable}, nil
	}

	if desiredStart < 2 {
		if err := schemawatch.Ensure(ctx, c.Target); err != nil {
			return Result{}, errors.Wrap(err, "restore: ensuring bookkeeping schema")
		}
	}

	infos, err := c.Store.List(ctx, c.DB)
	if err != nil {
		return Result{}, errors.Wrap(err, "restore: listing segments")
	}
	idx := segment.Containing(infos, desiredStart)
	if idx < 0 {
		return Result{State: NothingNewAvailable}, nil
	}

	seg, err := c.Store.LoadRange(ctx, c.DB, infos[idx].StartT, infos[idx].EndT)
	if err != nil {
		return Result{}, errors.Wrap(err, "restore: loading segment")
	}
	return c.ApplyLoaded(ctx, seg, tLast, desiredStart)
}

// ApplyLoaded replays the transactions in an already-loaded segment
// with t > tLast, given that the caller has already determined
// desiredStart (tLast+1) is actually contained in seg. It is split out
// of RestoreSegment so a caller that prefetches segments itself, such
// as the continuous driver, can apply one without a redundant
// Store.LoadRange round trip.
func (c *Consumer) ApplyLoaded(ctx context.Context, seg *segment.Segment, tLast, desiredStart int64) (Result, error) {
	var lastContained int64
	for _, entry := range seg.Transactions {
		if entry.T > lastContained {
			lastContained = entry.T
		}
	}
	if lastContained < desiredStart {
		return Result{State: PartialSegment}, nil
	}

	// Copy rather than alias seg.Refs/IDToAttr: RefreshSchema mutates
	// the snapshot in place as db.install.attribute ops commit, and seg
	// may be a pointer the store still owns (e.g. memstore.LoadRange
	// returns a shallow copy sharing the original's maps).
	schema := apply.SchemaSnapshot{
		Refs:     make(map[types.EID]bool, len(seg.Refs)),
		IDToAttr: make(map[types.EID]types.Keyword, len(seg.IDToAttr)),
	}
	for e, v := range seg.Refs {
		schema.Refs[e] = v
	}
	for e, kw := range seg.IDToAttr {
		schema.IDToAttr[e] = kw
	}

	applied := tLast
	for _, entry := range seg.Transactions {
		if entry.T <= tLast {
			continue
		}
		if err := c.Engine.Apply(ctx, entry, applied, schema); err != nil {
			log.WithError(err).WithFields(log.Fields{"db": c.DB, "t": entry.T}).Warn("transaction failed during restore")
			return Result{State: TransactionFailed, AppliedThrough: applied, Err: err}, nil
		}
		applied = entry.T

		// Step 6: a transaction that just committed a db.install.attribute
		// op changes the attribute shape the remaining transactions in
		// this segment must resolve against; refresh schema in place
		// before the next iteration sees it.
		if err := apply.RefreshSchema(ctx, c.Target, &schema, entry); err != nil {
			log.WithError(err).WithFields(log.Fields{"db": c.DB, "t": entry.T}).Warn("schema refresh failed during restore")
			return Result{State: TransactionFailed, AppliedThrough: applied, Err: err}, nil
		}
	}

	return Result{State: RestoredSegment, AppliedThrough: applied}, nil
}
