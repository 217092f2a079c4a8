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

package fsstore_test

import (
	"context"
	"testing"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/fsstore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/segtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) segment.Store {
	t.Helper()
	st, err := fsstore.New(afero.NewMemMapFs(), "/segments")
	require.NoError(t, err)
	return st
}

func TestFsStoreConformance(t *testing.T) {
	segtest.RunConformance(t, newStore(t))
}

func TestFsStoreListFiltersByDB(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.Save(ctx, "alpha", &segment.Segment{StartT: 1, EndT: 2}))
	require.NoError(t, st.Save(ctx, "beta", &segment.Segment{StartT: 1, EndT: 5}))

	infos, err := st.List(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, int64(2), infos[0].EndT)
}
