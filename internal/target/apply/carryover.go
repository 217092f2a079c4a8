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
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
)

// carryover holds the composite-tuple datoms deferred out of one
// transaction for reinjection into the next. The design assumes exactly
// one deferred payload in flight at a time per source database; a
// second deferral before the first is drained is the "nested or
// overlapping installation" case the design notes flag as unspecified,
// so it is treated as an invariant violation rather than silently
// clobbered or merged.
type carryover struct {
	pending []types.Datom
}

// take drains any carried-over datoms, rewriting their tx field to the
// transaction that is about to replay them.
func (c *carryover) take(nextSourceTxE types.EID) ([]types.Datom, error) {
	if len(c.pending) == 0 {
		return nil, nil
	}
	out := make([]types.Datom, len(c.pending))
	for i, d := range c.pending {
		d.Tx = nextSourceTxE
		out[i] = d
	}
	c.pending = nil
	return out, nil
}

// defer_ stashes datoms deferred by the transaction just processed.
func (c *carryover) defer_(data []types.Datom) error {
	if len(data) == 0 {
		return nil
	}
	if len(c.pending) != 0 {
		return errors.New("overlapping composite-tuple carryover")
	}
	c.pending = data
	return nil
}
