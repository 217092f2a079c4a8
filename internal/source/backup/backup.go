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

// Package backup is the segment producer: it reads contiguous ranges of
// a source database's transaction log and writes them as durable
// segments.
package backup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Producer reads one source database's log and writes segments to a
// segment.Store. It is safe for concurrent use across different ranges
// of the same database; BackupBulk relies on this for its fan-out.
type Producer struct {
	Source types.SourceLog
	Store  segment.Store
	DB     string

	// MaxAttempts bounds per-segment retries in BackupBulk. <= 0 uses
	// DefaultMaxAttempts.
	MaxAttempts int
}

// DefaultMaxAttempts is how many times BackupBulk retries one segment
// range before poisoning the whole bulk operation.
const DefaultMaxAttempts = 3

// BackupSegment is the primitive backup operation: read [start, end)
// from the source, and if anything was read, write exactly one segment
// covering the actually-observed [firstT, lastT]. Returns the written
// segment's Info, or (Info{}, false, nil) if the range was empty.
// Idempotent: writing the same observed range twice is a store no-op.
func (p *Producer) BackupSegment(ctx context.Context, start, end int64) (segment.Info, bool, error) {
	started := time.Now()
	defer func() { segmentWriteDurations.WithLabelValues(p.DB).Observe(time.Since(started).Seconds()) }()

	entries, refs, idToAttr, err := p.Source.ReadRange(ctx, p.DB, start, end)
	if err != nil {
		segmentWriteErrors.WithLabelValues(p.DB).Inc()
		return segment.Info{}, false, errors.Wrap(err, "backup: reading source range")
	}
	if len(entries) == 0 {
		return segment.Info{}, false, nil
	}

	firstT, lastT := entries[0].T, entries[0].T
	for _, e := range entries {
		if e.T < firstT {
			firstT = e.T
		}
		if e.T > lastT {
			lastT = e.T
		}
	}

	seg := &segment.Segment{
		StartT:       firstT,
		EndT:         lastT,
		Refs:         refs,
		IDToAttr:     idToAttr,
		Transactions: entries,
	}
	if err := p.Store.Save(ctx, p.DB, seg); err != nil {
		segmentWriteErrors.WithLabelValues(p.DB).Inc()
		return segment.Info{}, false, errors.Wrap(err, "backup: saving segment")
	}
	segmentsWritten.WithLabelValues(p.DB).Inc()
	transactionsRead.WithLabelValues(p.DB).Add(float64(len(entries)))
	return segment.Info{StartT: firstT, EndT: lastT}, true, nil
}

// BackupNext continues from the last written segment, covering up to
// maxTxns positions. Returns the number of segments written (0 or 1).
// Safe to call repeatedly from a periodic driver; at the tip it writes
// nothing and returns 0.
func (p *Producer) BackupNext(ctx context.Context, maxTxns int64) (int, error) {
	last, ok, err := p.Store.Last(ctx, p.DB)
	if err != nil {
		return 0, errors.Wrap(err, "backup: querying last segment")
	}
	start := int64(1)
	if ok {
		start = last.EndT + 1
	}
	_, wrote, err := p.BackupSegment(ctx, start, start+maxTxns)
	if err != nil {
		return 0, err
	}
	if !wrote {
		return 0, nil
	}
	return 1, nil
}

// BackupBulk partitions [startingSegment*txnsPerSegment+1, tip] into
// equal-sized ranges and backs each one up, optionally in parallel. A
// segment range that exhausts MaxAttempts retries poisons the whole
// operation: remaining scheduled ranges are skipped and the first
// failure is returned.
func (p *Producer) BackupBulk(ctx context.Context, txnsPerSegment int64, startingSegment int64, parallel bool) (int, error) {
	if txnsPerSegment <= 0 {
		return 0, errors.New("backup: txnsPerSegment must be positive")
	}
	tip, err := p.Source.Tip(ctx, p.DB)
	if err != nil {
		return 0, errors.Wrap(err, "backup: querying source tip")
	}

	start := startingSegment*txnsPerSegment + 1
	if start > tip {
		return 0, nil
	}

	var ranges [][2]int64
	for s := start; s <= tip; s += txnsPerSegment {
		e := s + txnsPerSegment
		ranges = append(ranges, [2]int64{s, e})
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var written int64
	var poisoned atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	if !parallel {
		g.SetLimit(1)
	}
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			if poisoned.Load() {
				return nil
			}
			var lastErr error
			for attempt := 0; attempt < maxAttempts; attempt++ {
				_, wrote, err := p.BackupSegment(gctx, r[0], r[1])
				if err == nil {
					if wrote {
						atomic.AddInt64(&written, 1)
					}
					return nil
				}
				lastErr = err
				log.WithError(err).WithFields(log.Fields{"db": p.DB, "start": r[0], "end": r[1], "attempt": attempt + 1}).Warn("segment backup attempt failed")
			}
			poisoned.Store(true)
			return errors.Wrapf(lastErr, "backup: range [%d,%d) exhausted retries", r[0], r[1])
		})
	}

	if err := g.Wait(); err != nil {
		return int(written), err
	}
	return int(written), nil
}

// Repair fills every gap in db's segment list by calling BackupSegment
// on each one. Overlaps are logged but never repaired.
func (p *Producer) Repair(ctx context.Context) error {
	infos, err := p.Store.List(ctx, p.DB)
	if err != nil {
		return errors.Wrap(err, "backup: listing segments for repair")
	}
	for _, idx := range segment.FindOverlaps(infos) {
		log.WithFields(log.Fields{"db": p.DB, "a": infos[idx], "b": infos[idx+1]}).Warn("overlapping segments detected; not repaired")
	}
	for _, gap := range segment.FindGaps(infos) {
		if _, _, err := p.BackupSegment(ctx, gap.Start, gap.End+1); err != nil {
			return errors.Wrapf(err, "backup: repairing gap [%d,%d]", gap.Start, gap.End)
		}
	}
	return nil
}
