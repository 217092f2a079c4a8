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

package backup_test

import (
	"context"
	"testing"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/source/backup"
	"github.com/fulcrologic/datomic-cloud-backup/internal/source/sourcetest"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/memstore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/stretchr/testify/require"
)

func seedLog(n int) *sourcetest.Log {
	log := sourcetest.New()
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		txE := types.EID(10_000 + i)
		log.Append("db1", types.TxEntry{
			T: int64(i),
			Data: []types.Datom{
				{E: txE, A: txE, V: types.Value{Kind: types.KindInstant, Instant: when.Add(time.Duration(i) * time.Second)}, Tx: txE, Added: true},
			},
		})
	}
	return log
}

func TestBackupBulkPartitionsIntoEqualSizedSegments(t *testing.T) {
	ctx := context.Background()
	src := seedLog(7)
	store := memstore.New()
	p := &backup.Producer{Source: src, Store: store, DB: "db1"}

	written, err := p.BackupBulk(ctx, 2, 0, false)
	require.NoError(t, err)
	require.Equal(t, 4, written)

	infos, err := store.List(ctx, "db1")
	require.NoError(t, err)
	require.Len(t, infos, 4)
	require.Equal(t, int64(7), infos[len(infos)-1].EndT)
}

func TestBackupBulkParallelCoversWholeSourceTip(t *testing.T) {
	ctx := context.Background()
	src := seedLog(1061)
	store := memstore.New()
	p := &backup.Producer{Source: src, Store: store, DB: "db1"}

	written, err := p.BackupBulk(ctx, 100, 0, true)
	require.NoError(t, err)
	require.Equal(t, 11, written)

	last, ok, err := store.Last(ctx, "db1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1061), last.EndT)
}

func TestBackupNextIsZeroAtTip(t *testing.T) {
	ctx := context.Background()
	src := seedLog(3)
	store := memstore.New()
	p := &backup.Producer{Source: src, Store: store, DB: "db1"}

	n, err := p.BackupNext(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = p.BackupNext(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n, "calling BackupNext at the tip writes nothing")
}

func TestRepairFillsGaps(t *testing.T) {
	ctx := context.Background()
	src := seedLog(163)
	store := memstore.New()
	p := &backup.Producer{Source: src, Store: store, DB: "db1"}

	require.NoError(t, store.Save(ctx, "db1", &segment.Segment{StartT: 1, EndT: 105, Transactions: mustRange(src, 1, 106)}))
	require.NoError(t, store.Save(ctx, "db1", &segment.Segment{StartT: 110, EndT: 118, Transactions: mustRange(src, 110, 119)}))
	require.NoError(t, store.Save(ctx, "db1", &segment.Segment{StartT: 146, EndT: 163, Transactions: mustRange(src, 146, 164)}))

	infos, err := store.List(ctx, "db1")
	require.NoError(t, err)
	gaps := segment.FindGaps(infos)
	require.Len(t, gaps, 2)
	require.Equal(t, segment.Gap{Start: 106, End: 109}, gaps[0])
	require.Equal(t, segment.Gap{Start: 119, End: 145}, gaps[1])

	require.NoError(t, p.Repair(ctx))

	infos, err = store.List(ctx, "db1")
	require.NoError(t, err)
	require.Empty(t, segment.FindGaps(infos))
}

func mustRange(src *sourcetest.Log, start, end int64) []types.TxEntry {
	entries, _, _, err := src.ReadRange(context.Background(), "db1", start, end)
	if err != nil {
		panic(err)
	}
	return entries
}
