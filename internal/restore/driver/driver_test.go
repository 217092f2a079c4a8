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

package driver_test

import (
	"context"
	"testing"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/restore/driver"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/memstore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/apply"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/idcache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/schemawatch"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/targettest"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/fulcrologic/datomic-cloud-backup/internal/util/stopper"
	"github.com/stretchr/testify/require"
)

var personName = types.Keyword{Namespace: "person", Name: "name"}

func txEntry(t int64, txE types.EID, when time.Time, data ...types.Datom) types.TxEntry {
	all := append([]types.Datom{
		{E: txE, A: txE, V: types.Value{Kind: types.KindInstant, Instant: when}, Tx: txE, Added: true},
	}, data...)
	return types.TxEntry{T: t, Data: all}
}

// TestDriverCatchesUpThenStopsOnCancel seeds a store with two segments
// ahead of a fresh target, runs the driver, and waits for the second
// transaction to land before stopping it. This exercises the full
// prefetch -> channel -> consume -> cursor-resync loop end to end.
func TestDriverCatchesUpThenStopsOnCancel(t *testing.T) {
	target := targettest.New()
	store := memstore.New()
	ctx := stopper.WithContext(context.Background())

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "db1", &segment.Segment{
		StartT: 1,
		EndT:   1,
		IDToAttr: map[types.EID]types.Keyword{
			9000: personName,
		},
		Transactions: []types.TxEntry{
			txEntry(1, 3000, when, types.Datom{E: 2000, A: 9000, V: types.Value{Kind: types.KindString, Str: "Alice"}, Tx: 3000, Added: true}),
		},
	}))
	require.NoError(t, store.Save(ctx, "db1", &segment.Segment{
		StartT: 2,
		EndT:   2,
		IDToAttr: map[types.EID]types.Keyword{
			9000: personName,
		},
		Transactions: []types.TxEntry{
			txEntry(2, 3001, when.Add(time.Second), types.Datom{E: 2001, A: 9000, V: types.Value{Kind: types.KindString, Str: "Bob"}, Tx: 3001, Added: true}),
		},
	}))

	cache := idcache.New(10)
	engine := apply.NewEngine(target, cache, idcache.NewVerifier(), apply.Filters{})
	d := driver.New(driver.Config{
		DB:           "db1",
		Store:        store,
		Target:       target,
		Engine:       engine,
		PollInterval: 20 * time.Millisecond,
	})

	done := make(chan struct {
		reason driver.ExitReason
		err    error
	}, 1)
	go func() {
		reason, err := d.Run(ctx)
		done <- struct {
			reason driver.ExitReason
			err    error
		}{reason, err}
	}()

	require.Eventually(t, func() bool {
		lastT, err := schemawatch.LastAppliedT(context.Background(), target)
		return err == nil && lastT == 2
	}, 2*time.Second, 10*time.Millisecond, "driver should replay both seeded transactions")

	ctx.Stop(time.Second)
	result := <-done
	require.NoError(t, result.err)
	require.Equal(t, driver.ExitCancelled, result.reason)
}

// TestDriverResumesAfterRestart stops a driver mid-stream, then starts a
// brand new Driver instance against the same store and target. Because
// the prefetcher always re-derives its start position from the target's
// last_source_transaction cursor rather than any in-memory state, the
// second instance must pick up exactly where the first left off with no
// duplicated or skipped transactions.
func TestDriverResumesAfterRestart(t *testing.T) {
	target := targettest.New()
	store := memstore.New()

	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idToAttr := map[types.EID]types.Keyword{9000: personName}

	firstCtx := stopper.WithContext(context.Background())
	require.NoError(t, store.Save(firstCtx, "db1", &segment.Segment{
		StartT:   1,
		EndT:     1,
		IDToAttr: idToAttr,
		Transactions: []types.TxEntry{
			txEntry(1, 3000, when, types.Datom{E: 2000, A: 9000, V: types.Value{Kind: types.KindString, Str: "Alice"}, Tx: 3000, Added: true}),
		},
	}))

	cache := idcache.New(10)
	engine := apply.NewEngine(target, cache, idcache.NewVerifier(), apply.Filters{})
	first := driver.New(driver.Config{
		DB:           "db1",
		Store:        store,
		Target:       target,
		Engine:       engine,
		PollInterval: 20 * time.Millisecond,
	})

	firstDone := make(chan driver.ExitReason, 1)
	go func() {
		reason, err := first.Run(firstCtx)
		require.NoError(t, err)
		firstDone <- reason
	}()

	require.Eventually(t, func() bool {
		lastT, err := schemawatch.LastAppliedT(context.Background(), target)
		return err == nil && lastT == 1
	}, 2*time.Second, 10*time.Millisecond, "first driver instance should replay the seeded transaction")

	firstCtx.Stop(time.Second)
	require.Equal(t, driver.ExitCancelled, <-firstDone)

	// A second transaction arrives only after the first instance is gone,
	// simulating a process restart picking up live traffic.
	require.NoError(t, store.Save(context.Background(), "db1", &segment.Segment{
		StartT:   2,
		EndT:     2,
		IDToAttr: idToAttr,
		Transactions: []types.TxEntry{
			txEntry(2, 3001, when.Add(time.Second), types.Datom{E: 2001, A: 9000, V: types.Value{Kind: types.KindString, Str: "Bob"}, Tx: 3001, Added: true}),
		},
	}))

	secondCtx := stopper.WithContext(context.Background())
	cache2 := idcache.New(10)
	engine2 := apply.NewEngine(target, cache2, idcache.NewVerifier(), apply.Filters{})
	second := driver.New(driver.Config{
		DB:           "db1",
		Store:        store,
		Target:       target,
		Engine:       engine2,
		PollInterval: 20 * time.Millisecond,
	})

	secondDone := make(chan struct {
		reason driver.ExitReason
		err    error
	}, 1)
	go func() {
		reason, err := second.Run(secondCtx)
		secondDone <- struct {
			reason driver.ExitReason
			err    error
		}{reason, err}
	}()

	require.Eventually(t, func() bool {
		lastT, err := schemawatch.LastAppliedT(context.Background(), target)
		return err == nil && lastT == 2
	}, 2*time.Second, 10*time.Millisecond, "second driver instance should resume from t=1 and replay t=2 exactly once")

	secondCtx.Stop(time.Second)
	result := <-secondDone
	require.NoError(t, result.err)
	require.Equal(t, driver.ExitCancelled, result.reason)

	bob, ok := cache2.Lookup(2001)
	require.True(t, ok)
	require.NotZero(t, bob)
}
