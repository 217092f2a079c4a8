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

package passthrough_test

import (
	"context"
	"testing"

	"github.com/fulcrologic/datomic-cloud-backup/internal/source/sourcetest"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/passthrough"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/stretchr/testify/require"
)

func TestPassthroughTracksSourceTip(t *testing.T) {
	ctx := context.Background()
	log := sourcetest.New()
	st := passthrough.New(log, "db1")

	_, ok, err := st.Last(ctx, "db1")
	require.NoError(t, err)
	require.False(t, ok)

	log.Append("db1", types.TxEntry{T: 1})
	log.Append("db1", types.TxEntry{T: 2})

	info, ok, err := st.Last(ctx, "db1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), info.StartT)
	require.Equal(t, int64(2), info.EndT)

	seg, err := st.Load(ctx, "db1", 0)
	require.NoError(t, err)
	require.Len(t, seg.Transactions, 2)

	err = st.Save(ctx, "db1", &segment.Segment{})
	require.Error(t, err)
}
