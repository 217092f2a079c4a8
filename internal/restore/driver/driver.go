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

// Package driver is the continuous restore driver: a prefetcher and a
// consumer cooperating over a bounded channel, replaying a source
// database into a target for as long as the process runs.
package driver

import (
	"context"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/restore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/apply"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/schemawatch"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/fulcrologic/datomic-cloud-backup/internal/util/stopper"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultPrefetchBuffer is the bounded channel's default capacity.
const DefaultPrefetchBuffer = 5

// DefaultPollInterval is how long the consumer sleeps after observing
// caught_up before asking the prefetcher to look again.
const DefaultPollInterval = 5 * time.Second

// DefaultInitialBackoff and DefaultMaxBackoff bound the consumer's
// exponential retry delay after an error marker.
const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// ExitReason explains why Run returned.
type ExitReason int

const (
	// ExitCancelled means the caller's stopper.Context was stopped.
	ExitCancelled ExitReason = iota
	// ExitChannelClosed means the prefetcher closed the channel, which
	// only happens as part of an orderly shutdown.
	ExitChannelClosed
)

func (r ExitReason) String() string {
	if r == ExitChannelClosed {
		return "channel_closed"
	}
	return "cancelled"
}

// item is what the prefetcher pushes onto the bounded channel.
type item struct {
	seg  *segment.Segment
	kind itemKind
	err  error
}

type itemKind int

const (
	itemSegment itemKind = iota
	itemCaughtUp
	itemError
)

// Config bundles the continuous driver's tunables. Zero values fall
// back to the package defaults.
type Config struct {
	DB             string
	Store          segment.Store
	Target         types.Target
	Engine         *apply.Engine
	PrefetchBuffer int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Driver runs the prefetcher/consumer pipeline: the prefetcher pushes
// loaded segments (or caught_up/error markers) onto a bounded channel;
// the consumer replays them against the target, which is the sole
// source of truth for how far replication has progressed.
type Driver struct {
	cfg   Config
	ch    chan item
	runID string
}

// New constructs a Driver, filling in defaulted tunables.
func New(cfg Config) *Driver {
	if cfg.PrefetchBuffer <= 0 {
		cfg.PrefetchBuffer = DefaultPrefetchBuffer
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Driver{cfg: cfg, ch: make(chan item, cfg.PrefetchBuffer), runID: uuid.New().String()}
}

// Run starts the prefetcher and drives the consumer loop until ctx is
// stopped or the channel is closed, returning the exit reason.
func (d *Driver) Run(ctx *stopper.Context) (ExitReason, error) {
	tLast, err := schemawatch.LastAppliedT(ctx, d.cfg.Target)
	if err != nil {
		return ExitCancelled, err
	}
	if tLast == 0 {
		if err := schemawatch.Ensure(ctx, d.cfg.Target); err != nil {
			return ExitCancelled, err
		}
	}

	ctx.Go(func() error {
		d.prefetch(ctx)
		return nil
	})

	return d.consume(ctx)
}

// prefetch is the producer side of the pipeline. It never tracks its
// own position: every iteration re-reads the target's authoritative
// cursor, so a consumer-side failure that leaves the cursor behind is
// picked up on the very next loop without any rewind bookkeeping.
func (d *Driver) prefetch(ctx *stopper.Context) {
	defer close(d.ch)
	for {
		select {
		case <-ctx.Stopping():
			return
		default:
		}

		desiredStart, err := d.desiredStart(ctx)
		if err != nil {
			d.push(ctx, item{kind: itemError, err: err})
			continue
		}

		last, ok, err := d.cfg.Store.Last(ctx, d.cfg.DB)
		if err != nil {
			d.push(ctx, item{kind: itemError, err: err})
			continue
		}
		if !ok || last.EndT < desiredStart {
			d.push(ctx, item{kind: itemCaughtUp})
			continue
		}

		infos, err := d.cfg.Store.List(ctx, d.cfg.DB)
		if err != nil {
			d.push(ctx, item{kind: itemError, err: err})
			continue
		}
		idx := segment.Containing(infos, desiredStart)
		if idx < 0 {
			d.push(ctx, item{kind: itemCaughtUp})
			continue
		}

		seg, err := d.cfg.Store.LoadRange(ctx, d.cfg.DB, infos[idx].StartT, infos[idx].EndT)
		if err != nil {
			d.push(ctx, item{kind: itemError, err: err})
			continue
		}

		d.push(ctx, item{kind: itemSegment, seg: seg})
	}
}

func (d *Driver) desiredStart(ctx context.Context) (int64, error) {
	t, err := schemawatch.LastAppliedT(ctx, d.cfg.Target)
	if err != nil {
		return 0, err
	}
	return t + 1, nil
}

// push sends it on the bounded channel, then applies a short sleep:
// the cursor generally won't have moved by the next iteration until
// the consumer finishes with what it was just sent, so without this
// the prefetcher would reload and requeue the same segment into every
// free channel slot before the consumer gets a chance to advance the
// target's cursor.
func (d *Driver) push(ctx *stopper.Context, it item) {
	select {
	case d.ch <- it:
	case <-ctx.Stopping():
		return
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Stopping():
	}
}

// consume is the consumer side: it owns replay and the backoff clock.
// Because the prefetcher always re-derives its position from the
// target's cursor, a transaction failure here naturally causes the
// next prefetched item to cover the same unapplied range again.
func (d *Driver) consume(ctx *stopper.Context) (ExitReason, error) {
	backoff := d.cfg.InitialBackoff
	consumer := &restore.Consumer{DB: d.cfg.DB, Store: d.cfg.Store, Target: d.cfg.Target, Engine: d.cfg.Engine}

	for {
		select {
		case <-ctx.Stopping():
			return ExitCancelled, nil
		case it, ok := <-d.ch:
			if !ok {
				return ExitChannelClosed, nil
			}
			switch it.kind {
			case itemSegment:
				tLast, err := schemawatch.LastAppliedT(ctx, d.cfg.Target)
				if err != nil {
					return ExitCancelled, err
				}
				result, err := consumer.ApplyLoaded(ctx, it.seg, tLast, tLast+1)
				if err != nil {
					return ExitCancelled, err
				}
				stateTransitions.WithLabelValues(d.cfg.DB, result.State.String()).Inc()
				if result.State == restore.TransactionFailed {
					log.WithError(result.Err).WithFields(log.Fields{"db": d.cfg.DB, "run_id": d.runID}).Warn("continuous restore: transaction failed, will retry")
					backoff = d.sleepBackoff(ctx, backoff)
					continue
				}
				backoff = d.cfg.InitialBackoff
			case itemCaughtUp:
				stateTransitions.WithLabelValues(d.cfg.DB, "caught_up").Inc()
				if !d.sleep(ctx, d.cfg.PollInterval) {
					return ExitCancelled, nil
				}
				backoff = d.cfg.InitialBackoff
			case itemError:
				stateTransitions.WithLabelValues(d.cfg.DB, "prefetch_error").Inc()
				log.WithError(it.err).WithFields(log.Fields{"db": d.cfg.DB, "run_id": d.runID}).Warn("continuous restore: prefetch error")
				backoff = d.sleepBackoff(ctx, backoff)
			}
		}
	}
}

func (d *Driver) sleepBackoff(ctx *stopper.Context, backoff time.Duration) time.Duration {
	backoffSeconds.WithLabelValues(d.cfg.DB).Observe(backoff.Seconds())
	if !d.sleep(ctx, backoff) {
		return backoff
	}
	next := backoff * 2
	if next > d.cfg.MaxBackoff {
		next = d.cfg.MaxBackoff
	}
	return next
}

func (d *Driver) sleep(ctx *stopper.Context, dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-ctx.Stopping():
		return false
	}
}
