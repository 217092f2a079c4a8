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
	"fmt"
	"sort"

	"github.com/fulcrologic/datomic-cloud-backup/internal/target/idcache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
)

// resolver carries the per-transaction state needed to rewrite one
// source transaction's datoms into target-addressable ops: the shared
// ID cache, the schema snapshot, the set of tempids minted so far in
// this transaction, and the intra-transaction ident forward-reference
// map.
type resolver struct {
	cache    *idcache.Cache
	idToAttr map[types.EID]types.Keyword
	refs     map[types.EID]bool
	tempIDs  map[types.EID]string
	forward  map[types.Keyword]types.EID
}

func newResolver(cache *idcache.Cache, idToAttr map[types.EID]types.Keyword, refs map[types.EID]bool) *resolver {
	return &resolver{
		cache:    cache,
		idToAttr: idToAttr,
		refs:     refs,
		tempIDs:  make(map[types.EID]string),
		forward:  make(map[types.Keyword]types.EID),
	}
}

// buildForwardMap implements the intra-transaction ident forward
// reference scan: a :db/ident assertion within this transaction records
// keyword -> entity, so a tuple element naming that keyword before its
// own defining datom appears can be substituted with the entity's
// source EID and resolved normally.
func (r *resolver) buildForwardMap(data []types.Datom) {
	for _, d := range data {
		if !d.Added {
			continue
		}
		kw, ok := r.idToAttr[d.A]
		if !ok || kw != identKeyword || d.V.Kind != types.KindKeyword {
			continue
		}
		r.forward[d.V.Keyword] = d.E
	}
}

// resolveEntity returns the target-addressable reference for a source
// entity: its already-cached target EID, its already-minted tempid for
// this transaction, or a freshly minted tempid. isNew reports whether
// this is the first time this transaction has seen e and it was not
// already known to the target, which is the signal the bookkeeping-
// assert step uses to decide whether to stamp original_id.
func (r *resolver) resolveEntity(e types.EID) (ref any, isNew bool) {
	if newEID, ok := r.cache.Lookup(e); ok {
		return newEID, false
	}
	if tempid, ok := r.tempIDs[e]; ok {
		return tempid, false
	}
	tempid := tempIDForSourceEID(e)
	r.tempIDs[e] = tempid
	return tempid, true
}

// resolveAttr turns a source attribute EID into its keyword ident when
// known, falling back to ordinary entity resolution for an attribute
// being installed within this very transaction.
func (r *resolver) resolveAttr(a types.EID) any {
	if kw, ok := r.idToAttr[a]; ok {
		return kw
	}
	ref, _ := r.resolveEntity(a)
	return ref
}

// buildOp implements step 3.3 for a single source datom.
func (r *resolver) buildOp(d types.Datom, sourceTxE types.EID) (types.TxOp, error) {
	kind := types.OpAdd
	if !d.Added {
		kind = types.OpRetract
	}

	var e any
	if d.E == sourceTxE {
		e = "datomic.tx"
	} else {
		ref, _ := r.resolveEntity(d.E)
		e = ref
	}

	a := r.resolveAttr(d.A)
	akw, aIsKeyword := a.(types.Keyword)

	v, err := r.resolveValue(d.V, d.A, sourceTxE, aIsKeyword, akw)
	if err != nil {
		return types.TxOp{}, err
	}

	return types.TxOp{Kind: kind, E: e, A: a, V: v}, nil
}

func (r *resolver) resolveValue(v types.Value, attrEID, sourceTxE types.EID, aIsKeyword bool, akw types.Keyword) (any, error) {
	if v.Kind == types.KindTuple {
		out := make([]any, len(v.Tuple))
		for i, elem := range v.Tuple {
			if elem.Kind == types.KindKeyword {
				if local, ok := r.forward[elem.Keyword]; ok {
					ref, _ := r.resolveEntity(local)
					out[i] = ref
					continue
				}
			}
			resolved, err := r.resolveScalar(elem, attrEID, sourceTxE, aIsKeyword, akw)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return r.resolveScalar(v, attrEID, sourceTxE, aIsKeyword, akw)
}

// resolveScalar decides whether v names an entity (the tx entity
// itself, a base-schema db/* reference, or a declared ref attribute) and
// if so resolves it through the entity path; otherwise v is carried
// verbatim.
func (r *resolver) resolveScalar(v types.Value, attrEID, sourceTxE types.EID, aIsKeyword bool, akw types.Keyword) (any, error) {
	if !v.IsInteger() {
		return v, nil
	}
	candidate := v.AsEID()

	isEntityRef := candidate == sourceTxE ||
		(aIsKeyword && akw.IsDBNamespace()) ||
		r.refs[attrEID]

	if !isEntityRef {
		return v, nil
	}
	if candidate == sourceTxE {
		return "datomic.tx", nil
	}
	ref, _ := r.resolveEntity(candidate)
	return ref, nil
}

// splitCarryover implements the cross-transaction composite-tuple
// carryover split: datoms belonging to a newly installed composite-tuple
// attribute's own definition stay in this transaction; a datom whose ref
// value points at that attribute's entity is deferred to the next one.
// Every other datom, including one that uses that entity as its
// attribute, stays in this transaction.
func splitCarryover(data []types.Datom, idToAttr map[types.EID]types.Keyword) (deferred, kept []types.Datom) {
	tupleDefEntities := make(map[types.EID]bool)
	for _, d := range data {
		if d.Added && idToAttr[d.A] == tupleAttrsKeyword {
			tupleDefEntities[d.E] = true
		}
	}
	if len(tupleDefEntities) == 0 {
		return nil, data
	}

	kept = make([]types.Datom, 0, len(data))
	for _, d := range data {
		if tupleDefEntities[d.E] {
			kept = append(kept, d)
			continue
		}
		if d.V.Kind == types.KindRef && tupleDefEntities[d.V.Ref] {
			deferred = append(deferred, d)
			continue
		}
		kept = append(kept, d)
	}
	return deferred, kept
}

// prune implements step 4: drop ops the target would reject or that
// would leave a dangling reference.
func prune(ctx context.Context, target types.Target, ops []types.TxOp) ([]types.TxOp, error) {
	asE := make(map[string]bool, len(ops))
	for _, op := range ops {
		if s, ok := op.E.(string); ok {
			asE[s] = true
		}
	}

	out := make([]types.TxOp, 0, len(ops))
	for _, op := range ops {
		if kw, ok := op.A.(types.Keyword); ok {
			if targetEID, found, err := target.ResolveIdent(ctx, kw); err != nil {
				return nil, err
			} else if found {
				if isTuple, err := target.IsCompositeTupleDef(ctx, targetEID); err != nil {
					return nil, err
				} else if isTuple {
					continue
				}
			}
			if s, ok := op.V.(string); ok && !asE[s] {
				if isRef, err := target.IsRefAttribute(ctx, kw); err != nil {
					return nil, err
				} else if isRef {
					continue
				}
			}
		}
		out = append(out, op)
	}
	return out, nil
}

// sortAndDenoop implements step 5's ordering and add/retract collision
// pruning: all adds precede all retracts, and a retract that collides
// with an add already asserted on the same (e,a) in this transaction is
// dropped for cardinality-one attributes.
func sortAndDenoop(ctx context.Context, target types.Target, ops []types.TxOp) ([]types.TxOp, error) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Kind != types.OpRetract && ops[j].Kind == types.OpRetract
	})

	asserted := make(map[string]bool, len(ops))
	out := make([]types.TxOp, 0, len(ops))
	for _, op := range ops {
		key := fmt.Sprintf("%v|%v", op.E, op.A)
		if op.Kind == types.OpRetract && asserted[key] {
			cardOne := true
			if kw, ok := op.A.(types.Keyword); ok {
				var err error
				cardOne, err = target.AttrCardinalityOne(ctx, kw)
				if err != nil {
					return nil, err
				}
			}
			if cardOne {
				continue
			}
		}
		if op.Kind != types.OpRetract {
			asserted[key] = true
		}
		out = append(out, op)
	}
	return out, nil
}

func applyFilters(ops []types.TxOp, f Filters) []types.TxOp {
	out := make([]types.TxOp, 0, len(ops))
	for _, op := range ops {
		if kw, ok := op.A.(types.Keyword); ok {
			if f.blacklisted(kw) {
				continue
			}
			if op.Kind == types.OpAdd {
				if val, ok := op.V.(types.Value); ok {
					op.V = f.rewrite(kw, val)
				}
			}
		}
		out = append(out, op)
	}
	return out
}
