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

package restore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/restore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/memstore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/apply"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/idcache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/schemawatch"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/targettest"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/stretchr/testify/require"
)

var personName = types.Keyword{Namespace: "person", Name: "name"}

func txEntry(t int64, txE types.EID, when time.Time, data ...types.Datom) types.TxEntry {
	all := append([]types.Datom{
		{E: txE, A: txE, V: types.Value{Kind: types.KindInstant, Instant: when}, Tx: txE, Added: true},
	}, data...)
	return types.TxEntry{T: t, Data: all}
}

func newConsumer(t *testing.T, db string, target types.Target, store segment.Store) *restore.Consumer {
	cache := idcache.New(10)
	engine := apply.NewEngine(target, cache, idcache.NewVerifier(), apply.Filters{})
	return &restore.Consumer{DB: db, Store: store, Target: target, Engine: engine}
}

func TestRestoreSegmentNothingNewWithEmptyStore(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, target))
	store := memstore.New()

	c := newConsumer(t, "db1", target, store)
	result, err := c.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.NothingNewAvailable, result.State)
}

func TestRestoreSegmentAppliesFreshSegment(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, target))
	store := memstore.New()

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const aliceE types.EID = 2000
	seg := &segment.Segment{
		StartT: 1,
		EndT:   2,
		IDToAttr: map[types.EID]types.Keyword{
			9000: personName,
		},
		Transactions: []types.TxEntry{
			txEntry(1, 3000, when, types.Datom{E: aliceE, A: 9000, V: types.Value{Kind: types.KindString, Str: "Alice"}, Tx: 3000, Added: true}),
		},
	}
	require.NoError(t, store.Save(ctx, "db1", seg))

	c := newConsumer(t, "db1", target, store)
	result, err := c.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.RestoredSegment, result.State)
	require.Equal(t, int64(1), result.AppliedThrough)

	lastT, err := schemawatch.LastAppliedT(ctx, target)
	require.NoError(t, err)
	require.Equal(t, int64(1), lastT)
}

// TestRestoreSegmentNothingNewWhenOnlySegmentIsAheadOfAGap covers a
// store whose only segment starts well past desired_start: there is a
// gap immediately ahead of the cursor, and no segment covers it yet.
func TestRestoreSegmentNothingNewWhenOnlySegmentIsAheadOfAGap(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, target))
	store := memstore.New()

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seg := &segment.Segment{
		StartT:       5,
		EndT:         5,
		Transactions: []types.TxEntry{txEntry(5, 3000, when)},
	}
	require.NoError(t, store.Save(ctx, "db1", seg))

	c := newConsumer(t, "db1", target, store)
	result, err := c.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.NothingNewAvailable, result.State)
}

// TestRestoreSegmentPartialSegmentWhenDeclaredRangeOutrunsData covers a
// segment whose declared [StartT, EndT] covers desired_start but whose
// actual transaction list is shorter than that, e.g. a segment written
// by a producer that only partially observed its intended range.
func TestRestoreSegmentPartialSegmentWhenDeclaredRangeOutrunsData(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, target))
	store := memstore.New()

	self, ok, err := target.ResolveIdent(ctx, schemawatch.LastSourceTransaction)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = target.Transact(ctx, []types.TxOp{
		{Kind: types.OpAdd, E: self, A: schemawatch.LastSourceTransaction, V: types.Value{Kind: types.KindInt, Int: 10}},
	}, 0)
	require.NoError(t, err)

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seg := &segment.Segment{
		StartT:       1,
		EndT:         15,
		Transactions: []types.TxEntry{txEntry(9, 3000, when)},
	}
	require.NoError(t, store.Save(ctx, "db1", seg))

	c := newConsumer(t, "db1", target, store)
	result, err := c.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.PartialSegment, result.State)
}

// failAfterN wraps a *targettest.Target so that its Nth Transact call
// (1-indexed) fails, letting tests exercise a mid-segment failure
// without the fake target needing its own retry-counting logic.
type failAfterN struct {
	*targettest.Target
	n     int
	calls int
}

func (f *failAfterN) Transact(ctx context.Context, ops []types.TxOp, timeout time.Duration) (types.TxResult, error) {
	f.calls++
	if f.calls == f.n {
		return types.TxResult{}, errors.New("injected target failure")
	}
	return f.Target.Transact(ctx, ops, timeout)
}

func TestRestoreSegmentTransactionFailedStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	inner := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, inner))
	// Schema is already installed via inner, so Ensure is a no-op
	// through the wrapper; the second replay Transact call (t=2) is
	// the one we poison.
	target := &failAfterN{Target: inner, n: 2}

	store := memstore.New()
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seg := &segment.Segment{
		StartT: 1,
		EndT:   2,
		IDToAttr: map[types.EID]types.Keyword{
			9000: personName,
		},
		Transactions: []types.TxEntry{
			txEntry(1, 3000, when, types.Datom{E: 2000, A: 9000, V: types.Value{Kind: types.KindString, Str: "Alice"}, Tx: 3000, Added: true}),
			txEntry(2, 3001, when.Add(time.Second), types.Datom{E: 2001, A: 9000, V: types.Value{Kind: types.KindString, Str: "Bob"}, Tx: 3001, Added: true}),
		},
	}
	require.NoError(t, store.Save(ctx, "db1", seg))

	c := newConsumer(t, "db1", target, store)
	result, err := c.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.TransactionFailed, result.State)
	require.Equal(t, int64(1), result.AppliedThrough)

	lastT, err := schemawatch.LastAppliedT(ctx, inner)
	require.NoError(t, err)
	require.Equal(t, int64(1), lastT, "cursor must not advance past the last committed transaction")
}

// TestRestoreSegmentRefreshesSchemaAcrossInstallWithinOneSegment covers
// the normal schema-then-data pattern landing in a single segment: one
// transaction installs a new attribute via :db/ident, and a later
// transaction in the *same* segment uses it. ApplyLoaded must refresh
// its schema snapshot after the install commits, with no caller-side
// patching, unlike engine_test.go's two-call scenario which patches
// idToAttr by hand between Apply calls.
func TestRestoreSegmentRefreshesSchemaAcrossInstallWithinOneSegment(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, target))
	store := memstore.New()

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const (
		schemaTxE       types.EID = 1000
		personNameAttrE types.EID = 1002
		bobE            types.EID = 2000
	)

	seg := &segment.Segment{
		StartT: 1,
		EndT:   2,
		IDToAttr: map[types.EID]types.Keyword{
			9000: {Namespace: "db", Name: "ident"},
		},
		Transactions: []types.TxEntry{
			txEntry(1, schemaTxE, when,
				types.Datom{E: personNameAttrE, A: 9000, V: types.Value{Kind: types.KindKeyword, Keyword: personName}, Tx: schemaTxE, Added: true}),
			txEntry(2, 3000, when.Add(time.Minute),
				types.Datom{E: bobE, A: personNameAttrE, V: types.Value{Kind: types.KindString, Str: "Bob"}, Tx: 3000, Added: true}),
		},
	}
	require.NoError(t, store.Save(ctx, "db1", seg))

	c := newConsumer(t, "db1", target, store)
	result, err := c.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.RestoredSegment, result.State, "the install-then-use segment must replay without manual schema patching")
	require.Equal(t, int64(2), result.AppliedThrough)

	bobTargetEID, ok := c.Engine.Cache.Lookup(bobE)
	require.True(t, ok)
	name, ok, err := target.Pull(ctx, bobTargetEID, personName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Value{Kind: types.KindString, Str: "Bob"}, name)
}

// TestChainedRestoreOriginalIDReferencesImmediateUpstream restores A's
// history into B, then treats B's own EIDs as the "source" for a second
// restore into C. C's original_id bookkeeping must refer back to B's
// EID for the entity, never A's: each hop only ever knows about its own
// immediate upstream.
func TestChainedRestoreOriginalIDReferencesImmediateUpstream(t *testing.T) {
	ctx := context.Background()
	const sourceAliceE types.EID = 2000

	// Hop 1: A -> B.
	targetB := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, targetB))
	storeAB := memstore.New()

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, storeAB.Save(ctx, "db1", &segment.Segment{
		StartT: 1,
		EndT:   1,
		IDToAttr: map[types.EID]types.Keyword{
			9000: personName,
		},
		Transactions: []types.TxEntry{
			txEntry(1, 3000, when, types.Datom{E: sourceAliceE, A: 9000, V: types.Value{Kind: types.KindString, Str: "Alice"}, Tx: 3000, Added: true}),
		},
	}))

	cAB := newConsumer(t, "db1", targetB, storeAB)
	resultAB, err := cAB.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.RestoredSegment, resultAB.State)

	bAliceE, ok, err := targetB.LookupOriginalID(ctx, sourceAliceE)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, sourceAliceE, bAliceE, "B allocates its own EID distinct from A's")

	// Hop 2: B -> C. The segment's entity is B's own EID for Alice, not
	// A's: from C's perspective, B is simply "the source".
	targetC := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, targetC))
	storeBC := memstore.New()
	require.NoError(t, storeBC.Save(ctx, "db1", &segment.Segment{
		StartT: 1,
		EndT:   1,
		IDToAttr: map[types.EID]types.Keyword{
			9000: personName,
		},
		Transactions: []types.TxEntry{
			txEntry(1, 4000, when.Add(time.Minute), types.Datom{E: bAliceE, A: 9000, V: types.Value{Kind: types.KindString, Str: "Alice"}, Tx: 4000, Added: true}),
		},
	}))

	cBC := newConsumer(t, "db1", targetC, storeBC)
	resultBC, err := cBC.RestoreSegment(ctx)
	require.NoError(t, err)
	require.Equal(t, restore.RestoredSegment, resultBC.State)

	cAliceE, ok, err := targetC.LookupOriginalID(ctx, bAliceE)
	require.NoError(t, err)
	require.True(t, ok, "C's original_id must reference B's EID")
	require.NotZero(t, cAliceE)

	_, ok, err = targetC.LookupOriginalID(ctx, sourceAliceE)
	require.NoError(t, err)
	require.False(t, ok, "C must never have heard of A's original EID")
}
