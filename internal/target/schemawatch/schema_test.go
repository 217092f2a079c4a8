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

package schemawatch_test

import (
	"context"
	"testing"

	"github.com/fulcrologic/datomic-cloud-backup/internal/target/schemawatch"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/targettest"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/stretchr/testify/require"
)

func TestEnsureInstallsSchemaAndSeedsCursor(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()

	require.NoError(t, schemawatch.Ensure(ctx, target))

	_, ok, err := target.ResolveIdent(ctx, schemawatch.OriginalID)
	require.NoError(t, err)
	require.True(t, ok, "original_id ident must be installed")

	self, ok, err := target.ResolveIdent(ctx, schemawatch.LastSourceTransaction)
	require.NoError(t, err)
	require.True(t, ok, "last_source_transaction ident must be installed")

	v, ok, err := target.Pull(ctx, self, schemawatch.LastSourceTransaction)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Value{Kind: types.KindInt, Int: 0}, v)

	lastT, err := schemawatch.LastAppliedT(ctx, target)
	require.NoError(t, err)
	require.Equal(t, int64(0), lastT)
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()

	require.NoError(t, schemawatch.Ensure(ctx, target))
	before := target.TransactCount

	require.NoError(t, schemawatch.Ensure(ctx, target))
	require.Equal(t, before, target.TransactCount, "second Ensure must not re-install")
}

func TestLastAppliedTReflectsAdvancedCursor(t *testing.T) {
	ctx := context.Background()
	target := targettest.New()
	require.NoError(t, schemawatch.Ensure(ctx, target))

	self, ok, err := target.ResolveIdent(ctx, schemawatch.LastSourceTransaction)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = target.Transact(ctx, []types.TxOp{
		{Kind: types.OpAdd, E: self, A: schemawatch.LastSourceTransaction, V: types.Value{Kind: types.KindInt, Int: 42}},
	}, 0)
	require.NoError(t, err)

	got, err := schemawatch.LastAppliedT(ctx, target)
	require.NoError(t, err)
	require.Equal(t, int64(42), got)
}
