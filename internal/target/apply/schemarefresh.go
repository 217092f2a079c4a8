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

package apply

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
)

// installedAttributes scans a transaction's source datoms for
// db.install.attribute commits: an entity asserting a :db/ident keyword
// value against an attribute EID the caller already knows names
// :db/ident. Returns the newly-installed source EID -> ident map, or
// nil if entry installed nothing.
func installedAttributes(entry types.TxEntry, idToAttr map[types.EID]types.Keyword) map[types.EID]types.Keyword {
	var installed map[types.EID]types.Keyword
	for _, d := range entry.Data {
		if !d.Added || d.V.Kind != types.KindKeyword {
			continue
		}
		if idToAttr[d.A] != identKeyword {
			continue
		}
		if installed == nil {
			installed = make(map[types.EID]types.Keyword)
		}
		installed[d.E] = d.V.Keyword
	}
	return installed
}

// RefreshSchema implements the segment consumer's step 6 refresh: after
// entry has committed successfully, detect any db.install.attribute ops
// it carried and merge the newly-installed attributes into schema,
// querying the target for whether each one is ref-typed now that its
// installing transaction is live. A segment that installs an attribute
// and then uses it later in the same segment relies on this to resolve
// the new attribute's later datoms correctly.
func RefreshSchema(ctx context.Context, target types.Target, schema *SchemaSnapshot, entry types.TxEntry) error {
	installed := installedAttributes(entry, schema.IDToAttr)
	if len(installed) == 0 {
		return nil
	}
	if schema.IDToAttr == nil {
		schema.IDToAttr = make(map[types.EID]types.Keyword, len(installed))
	}
	if schema.Refs == nil {
		schema.Refs = make(map[types.EID]bool, len(installed))
	}
	for e, kw := range installed {
		schema.IDToAttr[e] = kw
		isRef, err := target.IsRefAttribute(ctx, kw)
		if err != nil {
			return err
		}
		if isRef {
			schema.Refs[e] = true
		}
	}
	return nil
}
