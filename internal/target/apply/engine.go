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

// Package apply is the replay engine: it rewrites one source transaction
// log entry into a target transaction, maintaining the original_id and
// last_source_transaction bookkeeping that lets a restart resume exactly
// where the last successful transaction left off.
package apply

import (
	"context"
	"strconv"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/target/idcache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/schemawatch"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// epochFloor is the classification boundary below which a transaction's
// own :db/txInstant is treated as absent: an instant older than this is
// Datomic bootstrap preamble, not user data.
var epochFloor = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// dayMillis is added to the Unix epoch to build a synthetic instant for
// empty transactions, keeping it comfortably clear of epochFloor.
const dayMillis = 24 * 60 * 60 * 1000

var (
	identKeyword      = types.Keyword{Namespace: "db", Name: "ident"}
	tupleAttrsKeyword = types.Keyword{Namespace: "db", Name: "tupleAttrs"}
	txInstantKeyword  = types.Keyword{Namespace: "db", Name: "txInstant"}
)

// Filters are user-supplied, per-deployment transforms applied during
// step 5 of replay: a blacklist drops ops outright, a rewrite table
// transforms surviving add values.
type Filters struct {
	Blacklist map[types.Keyword]bool
	Rewrite   map[types.Keyword]func(types.Value) types.Value
}

func (f Filters) blacklisted(a types.Keyword) bool {
	return f.Blacklist != nil && f.Blacklist[a]
}

func (f Filters) rewrite(a types.Keyword, v types.Value) types.Value {
	if f.Rewrite == nil {
		return v
	}
	if fn, ok := f.Rewrite[a]; ok {
		return fn(v)
	}
	return v
}

// SchemaSnapshot is the attr-shape knowledge the segment consumer caches
// at segment entry and refreshes whenever a db.install.attribute op
// commits: which source attribute EIDs are reference-typed, and the
// source EID -> ident map used to turn raw attribute EIDs into keywords.
type SchemaSnapshot struct {
	Refs     map[types.EID]bool
	IDToAttr map[types.EID]types.Keyword
}

// Engine replays source transactions into one target database. It owns
// the composite-tuple carryover buffer for that database, so one Engine
// must not be shared across source databases, and its Apply calls for a
// single database must be serialized by the caller (the design calls
// for a single writer per database regardless of Engine's own locking).
type Engine struct {
	Target   types.Target
	Cache    *idcache.Cache
	Verifier *idcache.Verifier
	Filters  Filters
	Timeout  time.Duration

	// DB labels this Engine's Prometheus metrics. Optional; an unset
	// DB just reports under the empty-string label.
	DB string

	carry      carryover
	cursorEID  types.EID
	haveCursor bool
}

// NewEngine constructs a replay engine for one (source db, target)
// pairing. verifier may be nil to skip the invariant-violation probe.
func NewEngine(target types.Target, cache *idcache.Cache, verifier *idcache.Verifier, filters Filters) *Engine {
	if verifier == nil {
		verifier = &idcache.Verifier{}
	}
	return &Engine{
		Target:   target,
		Cache:    cache,
		Verifier: verifier,
		Filters:  filters,
		Timeout:  30 * time.Second,
	}
}

// Apply replays one source transaction entry against e.Target, updating
// e.Cache with every newly minted (source_eid, target_eid) pair on
// success. lastT is the target's last_source_transaction value before
// this call; Apply asserts the advance-CAS from lastT to entry.T.
func (e *Engine) Apply(ctx context.Context, entry types.TxEntry, lastT int64, schema SchemaSnapshot) error {
	started := time.Now()
	err := e.apply(ctx, entry, lastT, schema)
	applyDurations.WithLabelValues(e.DB).Observe(time.Since(started).Seconds())
	if err != nil {
		transactionErrors.WithLabelValues(e.DB).Inc()
		return err
	}
	transactionsApplied.WithLabelValues(e.DB).Inc()
	return nil
}

func (e *Engine) apply(ctx context.Context, entry types.TxEntry, lastT int64, schema SchemaSnapshot) error {
	sourceTxE := sourceTxEID(entry)

	instant, hasInstant := txInstant(entry, sourceTxE)
	if !hasInstant || instant.Before(epochFloor) {
		return e.applyEmpty(ctx, entry.T, lastT)
	}
	return e.applyNormal(ctx, entry, sourceTxE, lastT, schema)
}

func (e *Engine) resolveCursor(ctx context.Context) (types.EID, error) {
	if e.haveCursor {
		return e.cursorEID, nil
	}
	self, ok, err := e.Target.ResolveIdent(ctx, schemawatch.LastSourceTransaction)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("replay: last_source_transaction schema not installed")
	}
	e.cursorEID, e.haveCursor = self, true
	return self, nil
}

func sourceTxEID(entry types.TxEntry) types.EID {
	for _, d := range entry.Data {
		if d.E == d.Tx {
			return d.Tx
		}
	}
	if len(entry.Data) > 0 {
		return entry.Data[0].Tx
	}
	return 0
}

func txInstant(entry types.TxEntry, sourceTxE types.EID) (time.Time, bool) {
	for _, d := range entry.Data {
		if d.E == sourceTxE && d.V.Kind == types.KindInstant {
			return d.V.Instant, true
		}
	}
	return time.Time{}, false
}

func advanceCAS(cursor types.EID, lastT, t int64) types.TxOp {
	return types.TxOp{
		Kind: types.OpCAS,
		E:    cursor,
		A:    schemawatch.LastSourceTransaction,
		OldV: types.Value{Kind: types.KindInt, Int: lastT},
		NewV: types.Value{Kind: types.KindInt, Int: t},
	}
}

// applyEmpty implements step 2: an empty/pre-epoch transaction still
// advances the cursor so replay of later transactions stays consistent,
// but carries no user data.
func (e *Engine) applyEmpty(ctx context.Context, t int64, lastT int64) error {
	cursor, err := e.resolveCursor(ctx)
	if err != nil {
		return err
	}
	synthetic := time.UnixMilli(dayMillis + t).UTC()
	ops := []types.TxOp{
		advanceCAS(cursor, lastT, t),
		{Kind: types.OpAdd, E: "datomic.tx", A: txInstantKeyword, V: types.Value{Kind: types.KindInstant, Instant: synthetic}},
	}
	_, err = e.submit(ctx, ops)
	return err
}

// applyNormal implements steps 3-6 for a transaction that carries real
// user data.
func (e *Engine) applyNormal(ctx context.Context, entry types.TxEntry, sourceTxE types.EID, lastT int64, schema SchemaSnapshot) error {
	cursor, err := e.resolveCursor(ctx)
	if err != nil {
		return err
	}

	r := newResolver(e.Cache, schema.IDToAttr, schema.Refs)
	r.buildForwardMap(entry.Data)

	ops := make([]types.TxOp, 0, len(entry.Data)+2)

	// Step 3.1: advance CAS.
	ops = append(ops, advanceCAS(cursor, lastT, entry.T))

	// Step 3.2: bookkeeping asserts for every unique entity touched.
	seen := make(map[types.EID]bool)
	for _, d := range entry.Data {
		if d.E != sourceTxE && !seen[d.E] {
			seen[d.E] = true
			if tempid, isNew := r.resolveEntity(d.E); isNew {
				// Sampled probe: an entity about to be minted must not
				// already carry an original_id mapping on the target.
				if _, verr := e.Verifier.CheckIfNew(ctx, e.Target, d.E, e.Cache.IsNew(d.E)); verr != nil {
					return verr
				}
				ops = append(ops, types.TxOp{Kind: types.OpAdd, E: tempid, A: schemawatch.OriginalID, V: d.E})
			}
		}
	}
	ops = append(ops, types.TxOp{Kind: types.OpAdd, E: "datomic.tx", A: schemawatch.OriginalID, V: sourceTxE})

	// Cross-transaction composite-tuple carryover: reinject whatever was
	// deferred by the previous transaction, now attributed to this one.
	carried, err := e.carry.take(sourceTxE)
	if err != nil {
		return errors.Wrap(err, "replay: carryover invariant violated")
	}
	deferred, kept := splitCarryover(entry.Data, r.idToAttr)

	// Step 3.3: data ops.
	for _, d := range append(carried, kept...) {
		op, err := r.buildOp(d, sourceTxE)
		if err != nil {
			return errors.Wrapf(err, "replay: t=%d e=%d a=%d", entry.T, int64(d.E), int64(d.A))
		}
		ops = append(ops, op)
	}

	if err := e.carry.defer_(deferred); err != nil {
		return errors.Wrap(err, "replay: carryover invariant violated")
	}

	// Step 4: pruning.
	ops, err = prune(ctx, e.Target, ops)
	if err != nil {
		return errors.Wrap(err, "replay: pruning failed")
	}

	// Step 5: sort & de-noop, then user filters.
	ops, err = sortAndDenoop(ctx, e.Target, ops)
	if err != nil {
		return errors.Wrap(err, "replay: sort/de-noop failed")
	}
	ops = applyFilters(ops, e.Filters)

	if len(ops) == 0 {
		return errors.New("replay: empty op list after filtering")
	}

	result, err := e.submit(ctx, ops)
	if err != nil {
		return err
	}

	for tempid, newEID := range result.TempIDs {
		sourceEID, ok := tempIDSourceEID(tempid)
		if !ok {
			continue
		}
		log.WithFields(log.Fields{"source_eid": int64(sourceEID), "target_eid": int64(newEID)}).Trace("resolved new entity")
		e.Cache.Store(sourceEID, newEID)
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, ops []types.TxOp) (types.TxResult, error) {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	result, err := e.Target.Transact(ctx, ops, timeout)
	if err != nil {
		return types.TxResult{}, errors.Wrap(err, "replay: transact failed")
	}
	return result, nil
}

// tempIDForSourceEID builds the deterministic tempid string used for an
// entity first seen within the current transaction: the source EID in
// decimal, prefixed with "e", so every reference to that entity within
// the same transaction uses the same name. tempIDSourceEID reverses it.
func tempIDForSourceEID(e types.EID) string {
	return "e" + strconv.FormatInt(int64(e), 10)
}

func tempIDSourceEID(tempid string) (types.EID, bool) {
	if len(tempid) < 2 || tempid[0] != 'e' {
		return 0, false
	}
	n, err := strconv.ParseInt(tempid[1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return types.EID(n), true
}
