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

// Package segtest holds a conformance suite shared by every
// segment.Store implementation, so that fsstore and memstore are held
// to the same contract described in segment.Store's doc comments.
package segtest

import (
	"context"
	"testing"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/stretchr/testify/require"
)

// RunConformance exercises the invariants every segment.Store
// implementation must satisfy: §8's "For all databases, list(db) is
// sorted by start_t" and "For every segment s, load(db, s.start_t)
// returns s unchanged".
func RunConformance(t *testing.T, st segment.Store) {
	ctx := context.Background()
	const db = "conformance-db"

	_, ok, err := st.Last(ctx, db)
	require.NoError(t, err)
	require.False(t, ok, "empty store should report no last segment")

	infos, err := st.List(ctx, db)
	require.NoError(t, err)
	require.Empty(t, infos)

	segs := []*segment.Segment{
		{StartT: 1, EndT: 2, Refs: map[types.EID]bool{9: true}},
		{StartT: 3, EndT: 4, IDToAttr: map[types.EID]types.Keyword{1: {Namespace: "db", Name: "ident"}}},
		{StartT: 5, EndT: 10, Transactions: []types.TxEntry{{T: 5}, {T: 7}, {T: 10}}},
	}
	// Save out of order to verify List still sorts by StartT.
	require.NoError(t, st.Save(ctx, db, segs[2]))
	require.NoError(t, st.Save(ctx, db, segs[0]))
	require.NoError(t, st.Save(ctx, db, segs[1]))

	infos, err = st.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	for i, seg := range segs {
		require.Equal(t, seg.StartT, infos[i].StartT)
		require.Equal(t, seg.EndT, infos[i].EndT)
	}

	last, ok, err := st.Last(ctx, db)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, segment.Info{StartT: 5, EndT: 10}, last)

	for _, seg := range segs {
		got, err := st.Load(ctx, db, seg.StartT)
		require.NoError(t, err)
		require.Equal(t, seg.StartT, got.StartT)
		require.Equal(t, seg.EndT, got.EndT)
		require.Equal(t, seg.Refs, got.Refs)
		require.Equal(t, seg.IDToAttr, got.IDToAttr)
		require.Equal(t, seg.Transactions, got.Transactions)

		got2, err := st.LoadRange(ctx, db, seg.StartT, seg.EndT)
		require.NoError(t, err)
		require.Equal(t, got.StartT, got2.StartT)
	}

	first, err := st.Load(ctx, db, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.StartT)

	_, err = st.LoadRange(ctx, db, 1, 999)
	require.Error(t, err, "mismatched (start,end) pair must fail")

	_, err = st.Load(ctx, db, 12345)
	require.Error(t, err)

	// Re-saving the same (start,end) is idempotent.
	require.NoError(t, st.Save(ctx, db, segs[0]))
	infos, err = st.List(ctx, db)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	// Gap/overlap helpers operate purely on the Info slice.
	require.Empty(t, segment.FindGaps(infos))
	require.Empty(t, segment.FindOverlaps(infos))
}
