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

// Package schemawatch installs and tracks the bookkeeping schema that
// makes source-EID -> target-EID mapping durable on the target itself:
// the original_id attribute and the last_source_transaction cursor
// entity.
package schemawatch

import (
	"context"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OriginalID is the bookkeeping attribute stamped on every restored
// non-transaction entity with its source EID.
var OriginalID = types.Keyword{Name: "original_id"}

// LastSourceTransaction names the distinguished cursor entity whose
// only datom is (self, self, t_last).
var LastSourceTransaction = types.Keyword{Name: "last_source_transaction"}

const installTimeout = 30 * time.Second

// Ensure installs the bookkeeping schema and seeds the cursor exactly
// once. It is safe to call on every startup: a check-then-install
// guard (mirroring the check the target-side table watcher uses
// before creating a user table) makes the call idempotent.
func Ensure(ctx context.Context, target types.Target) error {
	if _, ok, err := target.ResolveIdent(ctx, OriginalID); err != nil {
		return err
	} else if ok {
		log.Debug("bookkeeping schema already installed")
		return nil
	}

	ops := []types.TxOp{
		{Kind: types.OpAdd, E: "original_id_attr", A: types.Keyword{Namespace: "db", Name: "ident"}, V: types.Value{Kind: types.KindKeyword, Keyword: OriginalID}},
		{Kind: types.OpAdd, E: "original_id_attr", A: types.Keyword{Namespace: "db", Name: "valueType"}, V: types.Value{Kind: types.KindKeyword, Keyword: types.Keyword{Namespace: "db.type", Name: "long"}}},
		{Kind: types.OpAdd, E: "original_id_attr", A: types.Keyword{Namespace: "db", Name: "cardinality"}, V: types.Value{Kind: types.KindKeyword, Keyword: types.Keyword{Namespace: "db.cardinality", Name: "one"}}},

		{Kind: types.OpAdd, E: "last_source_tx_attr", A: types.Keyword{Namespace: "db", Name: "ident"}, V: types.Value{Kind: types.KindKeyword, Keyword: LastSourceTransaction}},
		{Kind: types.OpAdd, E: "last_source_tx_attr", A: types.Keyword{Namespace: "db", Name: "valueType"}, V: types.Value{Kind: types.KindKeyword, Keyword: types.Keyword{Namespace: "db.type", Name: "long"}}},
		{Kind: types.OpAdd, E: "last_source_tx_attr", A: types.Keyword{Namespace: "db", Name: "cardinality"}, V: types.Value{Kind: types.KindKeyword, Keyword: types.Keyword{Namespace: "db.cardinality", Name: "one"}}},
		{Kind: types.OpAdd, E: "last_source_tx_attr", A: types.Keyword{Namespace: "db", Name: "noHistory"}, V: types.Value{Kind: types.KindBool, Bool: true}},
	}

	if _, err := target.Transact(ctx, ops, installTimeout); err != nil {
		return errors.Wrap(err, "schemawatch: could not install bookkeeping schema")
	}
	log.Info("installed bookkeeping schema")

	return seedCursor(ctx, target)
}

// seedCursor is the follow-up transaction that sets the cursor entity
// to 0. It must run after the schema-install transaction commits,
// since the cursor entity doesn't exist until its own attribute is
// installed. The cursor's only datom is self-referential: the entity
// that defines last_source_transaction is the same entity the datom
// is asserted on, found by resolving the ident back to its EID.
func seedCursor(ctx context.Context, target types.Target) error {
	self, ok, err := target.ResolveIdent(ctx, LastSourceTransaction)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("schemawatch: last_source_transaction ident missing after schema install")
	}
	ops := []types.TxOp{
		{Kind: types.OpAdd, E: self, A: LastSourceTransaction, V: types.Value{Kind: types.KindInt, Int: 0}},
	}
	if _, err := target.Transact(ctx, ops, installTimeout); err != nil {
		return errors.Wrap(err, "schemawatch: could not seed cursor")
	}
	return nil
}

// LastAppliedT reads the durable cursor from the target: the value of
// last_source_transaction on the entity that defines it. Returns 0 if
// the schema has never been installed.
func LastAppliedT(ctx context.Context, target types.Target) (int64, error) {
	self, ok, err := target.ResolveIdent(ctx, LastSourceTransaction)
	if err != nil || !ok {
		return 0, err
	}
	v, ok, err := target.Pull(ctx, self, LastSourceTransaction)
	if err != nil || !ok {
		return 0, err
	}
	switch x := v.(type) {
	case types.Value:
		return x.Int, nil
	case types.EID:
		return int64(x), nil
	case int64:
		return x, nil
	default:
		return 0, errors.Errorf("schemawatch: unexpected cursor value type %T", v)
	}
}
