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

package idcache

import (
	"context"
	"math/rand"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
)

// DefaultVerifyProbability is the default fraction of "is new"
// decisions that get a synchronous probe against the target's
// original_id index, guarding against a bug in the monotonic-watermark
// assumption.
const DefaultVerifyProbability = 0.01

// ErrMonotonicAssumptionViolated is the non-recoverable invariant
// violation raised when a verification probe finds that an EID this
// cache believed to be "new" already exists at the target.
var ErrMonotonicAssumptionViolated = errors.New("idcache: eid believed new already exists at target")

// Verifier samples IsNew decisions and probes the target when the
// sample fires, per the design's 1% verification hook.
type Verifier struct {
	Probability float64
	Rand        *rand.Rand
}

// NewVerifier constructs a Verifier with the default probability, seeded
// from the current time so repeated process runs sample a different
// subsequence rather than replaying the same probes every time.
func NewVerifier() *Verifier {
	return &Verifier{Probability: DefaultVerifyProbability, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// CheckIfNew reports whether old should be treated as new, sampling a
// probe against target when the tunable probability fires. A positive
// probe result is an invariant violation and is returned as an error.
func (v *Verifier) CheckIfNew(ctx context.Context, target types.Target, old types.EID, believedNew bool) (bool, error) {
	if !believedNew || v.Probability <= 0 {
		return believedNew, nil
	}
	if v.Rand.Float64() >= v.Probability {
		return believedNew, nil
	}
	if _, found, err := target.LookupOriginalID(ctx, old); err != nil {
		return believedNew, err
	} else if found {
		return believedNew, errors.Wrapf(ErrMonotonicAssumptionViolated, "source eid %d", int64(old))
	}
	return believedNew, nil
}
