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

// Package targettest provides a fully in-memory types.Target used by
// the replay engine's, schema installer's, and restore driver's tests.
package targettest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
)

// Target is an in-memory fake datom store. It is intentionally naive:
// cardinality-one attributes overwrite, cardinality-many attributes
// accumulate a set, and every Transact call is all-or-nothing.
type Target struct {
	mu sync.Mutex

	nextEID        int64
	entities       map[types.EID]map[types.Keyword][]any
	cardOne        map[types.Keyword]bool
	refAttrs       map[types.Keyword]bool
	idents         map[types.Keyword]types.EID
	compositeTuple map[types.EID]bool
	originalIDIdx  map[types.EID]types.EID // source EID -> target EID

	// TransactCount is incremented on every call, failed or not.
	TransactCount int
	// FailNextTransact, if set, makes the next Transact call return
	// this error instead of applying anything.
	FailNextTransact error
}

var _ types.Target = (*Target)(nil)

const originalIDAttr = "original_id"

// New constructs an empty fake target. EIDs are allocated starting at
// 1000 so that tests can tell fake-target EIDs apart from small source
// EIDs at a glance.
func New() *Target {
	return &Target{
		nextEID:        1000,
		entities:       make(map[types.EID]map[types.Keyword][]any),
		cardOne:        make(map[types.Keyword]bool),
		refAttrs:       make(map[types.Keyword]bool),
		idents:         make(map[types.Keyword]types.EID),
		compositeTuple: make(map[types.EID]bool),
		originalIDIdx:  make(map[types.EID]types.EID),
	}
}

// RegisterCardinalityMany marks a as cardinality-many; by default
// every attribute is treated as cardinality-one.
func (t *Target) RegisterCardinalityMany(a types.Keyword) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cardOne[a] = false
}

// RegisterRefAttribute marks a as a reference-typed attribute.
func (t *Target) RegisterRefAttribute(a types.Keyword) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refAttrs[a] = true
}

// RegisterCompositeTupleDef marks e as a composite-tuple attribute
// definition entity.
func (t *Target) RegisterCompositeTupleDef(e types.EID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compositeTuple[e] = true
}

// RegisterIdent associates keyword k with entity e, as though a prior
// transaction had installed it.
func (t *Target) RegisterIdent(k types.Keyword, e types.EID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idents[k] = e
}

func (t *Target) isCardOne(a types.Keyword) bool {
	v, ok := t.cardOne[a]
	if !ok {
		return true
	}
	return v
}

// Transact implements types.Target.
func (t *Target) Transact(_ context.Context, ops []types.TxOp, _ time.Duration) (types.TxResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.TransactCount++
	if t.FailNextTransact != nil {
		err := t.FailNextTransact
		t.FailNextTransact = nil
		return types.TxResult{}, err
	}

	// Stage changes against a scratch copy so a mid-transaction
	// failure (CAS mismatch) leaves no partial effect.
	scratch := make(map[types.EID]map[types.Keyword][]any, len(t.entities))
	for e, attrs := range t.entities {
		cp := make(map[types.Keyword][]any, len(attrs))
		for a, vs := range attrs {
			cp[a] = append([]any(nil), vs...)
		}
		scratch[e] = cp
	}

	tempIDs := make(map[string]types.EID)
	pendingIdents := make(map[types.Keyword]types.EID)
	resolve := func(v any) (types.EID, error) {
		switch x := v.(type) {
		case types.EID:
			return x, nil
		case string:
			if x == "datomic.tx" {
				if id, ok := tempIDs[x]; ok {
					return id, nil
				}
				id := t.allocLocked()
				tempIDs[x] = id
				return id, nil
			}
			if id, ok := tempIDs[x]; ok {
				return id, nil
			}
			id := t.allocLocked()
			tempIDs[x] = id
			return id, nil
		default:
			return 0, fmt.Errorf("targettest: cannot resolve %T as entity/attr", v)
		}
	}

	attrOf := func(v any) (types.Keyword, error) {
		switch x := v.(type) {
		case types.Keyword:
			return x, nil
		case string:
			id, err := resolve(x)
			if err != nil {
				return types.Keyword{}, err
			}
			return types.Keyword{Namespace: "tempattr", Name: fmt.Sprint(id)}, nil
		default:
			return types.Keyword{}, fmt.Errorf("targettest: bad attribute %T", v)
		}
	}

	get := func(e types.EID, a types.Keyword) (any, bool) {
		attrs, ok := scratch[e]
		if !ok {
			return nil, false
		}
		vs, ok := attrs[a]
		if !ok || len(vs) == 0 {
			return nil, false
		}
		return vs[0], true
	}

	put := func(e types.EID, a types.Keyword, v any) {
		if scratch[e] == nil {
			scratch[e] = make(map[types.Keyword][]any)
		}
		if t.isCardOne(a) {
			scratch[e][a] = []any{v}
		} else {
			scratch[e][a] = append(scratch[e][a], v)
		}
	}

	retract := func(e types.EID, a types.Keyword, v any) {
		vs := scratch[e][a]
		out := vs[:0]
		for _, cur := range vs {
			if fmt.Sprint(cur) != fmt.Sprint(v) {
				out = append(out, cur)
			}
		}
		scratch[e][a] = out
	}

	for _, op := range ops {
		a, err := attrOf(op.A)
		if err != nil {
			return types.TxResult{}, err
		}

		switch op.Kind {
		case types.OpCAS:
			e, err := resolve(op.E)
			if err != nil {
				return types.TxResult{}, err
			}
			cur, _ := get(e, a)
			if fmt.Sprint(cur) != fmt.Sprint(op.OldV) {
				return types.TxResult{}, types.ErrCASFailed
			}
			put(e, a, op.NewV)

		case types.OpAdd:
			e, err := resolve(op.E)
			if err != nil {
				return types.TxResult{}, err
			}
			v := op.V
			if s, ok := v.(string); ok {
				if id, err := resolve(s); err == nil {
					v = id
				}
			}
			put(e, a, v)
			if a.Namespace == "" && a.Name == originalIDAttr {
				if srcEID, ok := v.(types.EID); ok {
					t.originalIDIdx[srcEID] = e
				}
			}
			if a.Namespace == "db" && a.Name == "ident" {
				if val, ok := op.V.(types.Value); ok && val.Kind == types.KindKeyword {
					pendingIdents[val.Keyword] = e
				}
			}

		case types.OpRetract:
			e, err := resolve(op.E)
			if err != nil {
				return types.TxResult{}, err
			}
			retract(e, a, op.V)

		default:
			return types.TxResult{}, fmt.Errorf("targettest: unknown op kind %d", op.Kind)
		}
	}

	t.entities = scratch
	for k, e := range pendingIdents {
		t.idents[k] = e
	}
	return types.TxResult{TempIDs: tempIDs}, nil
}

func (t *Target) allocLocked() types.EID {
	t.nextEID++
	return types.EID(t.nextEID)
}

// Pull implements types.Target.
func (t *Target) Pull(_ context.Context, e types.EID, a types.Keyword) (any, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	attrs, ok := t.entities[e]
	if !ok {
		return nil, false, nil
	}
	vs, ok := attrs[a]
	if !ok || len(vs) == 0 {
		return nil, false, nil
	}
	if t.isCardOne(a) {
		return vs[0], true, nil
	}
	return vs, true, nil
}

// ResolveIdent implements types.Target.
func (t *Target) ResolveIdent(_ context.Context, k types.Keyword) (types.EID, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.idents[k]
	return e, ok, nil
}

// LookupOriginalID implements types.Target.
func (t *Target) LookupOriginalID(_ context.Context, sourceEID types.EID) (types.EID, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.originalIDIdx[sourceEID]
	return e, ok, nil
}

// AttrCardinalityOne implements types.Target.
func (t *Target) AttrCardinalityOne(_ context.Context, a types.Keyword) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isCardOne(a), nil
}

// IsRefAttribute implements types.Target.
func (t *Target) IsRefAttribute(_ context.Context, a types.Keyword) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refAttrs[a], nil
}

// IsCompositeTupleDef implements types.Target.
func (t *Target) IsCompositeTupleDef(_ context.Context, e types.EID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compositeTuple[e], nil
}
