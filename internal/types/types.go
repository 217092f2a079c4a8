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

// Package types contains data types and interfaces that define the
// major functional blocks of code within datomic-cloud-backup. The
// goal of placing the types into this package is to make it easy to
// compose functionality as the replication pipeline evolves.
package types

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// An EID is a 64-bit entity identifier. The low 42 bits (EntityIndex)
// are globally monotonic with respect to the database's transaction
// history; the remaining high bits encode a partition.
type EID int64

const entityIndexBits = 42
const entityIndexMask = int64(1)<<entityIndexBits - 1

// EntityIndex returns the monotonic low-bit portion of the EID that
// the ID-resolution cache uses as its fast-path watermark.
func (e EID) EntityIndex() int64 {
	return int64(e) & entityIndexMask
}

// Partition returns the high-bit partition portion of the EID.
func (e EID) Partition() int64 {
	return int64(e) >> entityIndexBits
}

// Keyword is a namespaced identifier, e.g. :person/name is
// Keyword{Namespace: "person", Name: "name"}. Keywords carry value
// equality and flow through replay unchanged unless they appear as the
// value of a reference-typed attribute.
type Keyword struct {
	Namespace string
	Name      string
}

// String renders the keyword in its source-editor form.
func (k Keyword) String() string {
	if k.Namespace == "" {
		return ":" + k.Name
	}
	return ":" + k.Namespace + "/" + k.Name
}

// IsDBNamespace returns true if the keyword lives in a base-schema
// "db", "db.install", "db.cardinality", etc. namespace. Values of such
// attributes that look like integers are base-schema references, not
// arbitrary scalars.
func (k Keyword) IsDBNamespace() bool {
	return k.Namespace == "db" || (len(k.Namespace) > 3 && k.Namespace[:3] == "db.")
}

// ValueKind tags the dynamic type carried by a Value.
type ValueKind int

// The value kinds a datom's V may hold.
const (
	KindInt ValueKind = iota
	KindString
	KindBool
	KindInstant
	KindUUID
	KindKeyword
	KindFloat
	KindBytes
	KindTuple
	KindRef
)

// A Value is a tagged union over every scalar type a datom's value
// position may hold, plus the two compound forms (Ref and Tuple) that
// the replay engine must special-case.
type Value struct {
	Kind    ValueKind
	Int     int64
	Str     string
	Bool    bool
	Instant time.Time
	UUID    [16]byte
	Keyword Keyword
	Float   float64
	Bytes   []byte
	Tuple   []Value
	Ref     EID
}

// IsInteger reports whether the value can be interpreted as an
// integer, which matters when deciding whether a base-schema attribute
// value is secretly an EID.
func (v Value) IsInteger() bool {
	return v.Kind == KindInt || v.Kind == KindRef
}

// AsEID returns the value's integer payload reinterpreted as an EID.
func (v Value) AsEID() EID {
	if v.Kind == KindRef {
		return v.Ref
	}
	return EID(v.Int)
}

// A Datom is a single fact (e, a, v, tx, added) as read from the
// source's transaction log.
type Datom struct {
	E     EID
	A     EID
	V     Value
	Tx    EID
	Added bool
}

// A TxEntry is one ordered entry from the source's transaction log: a
// monotonic log position T and the datoms asserted/retracted in that
// transaction, including the transaction-entity's own datoms (e.g. its
// :db/txInstant).
type TxEntry struct {
	T    int64
	Data []Datom
}

// Range is a half-open [Start, End) or closed [Start, End] interval of
// log positions, depending on context; call sites document which.
type Range struct {
	Start int64
	End   int64
}

// A SourceLog is the opaque collaborator that lets the segment
// producer read a contiguous range of a source database's transaction
// log. Implementations consume whatever the concrete database client
// exposes (query, index probe, transaction read) as already-decoded
// TxEntry values.
type SourceLog interface {
	// ReadRange returns every TxEntry with start <= t < end, along with
	// a snapshot of which source EIDs name reference-typed attributes
	// (Refs) and the base-schema EID->ident map (IDToAttr) as observed
	// at the time of the read. The returned entries are not required to
	// span the entire requested range; the producer trims to what is
	// actually returned.
	ReadRange(ctx context.Context, db string, start, end int64) (entries []TxEntry, refs map[EID]bool, idToAttr map[EID]Keyword, err error)

	// Tip returns the most recent log position known to the source, or
	// 0 if the log is empty.
	Tip(ctx context.Context, db string) (int64, error)
}

// TxOp is a single data-modification directive the replay engine hands
// to the target: an assertion, a retraction, or a compare-and-swap.
type TxOp struct {
	Kind  OpKind
	E     any // EID, "datomic.tx", or a tempid string
	A     any // Keyword, EID, or a tempid string
	V     any // Value, EID, tempid string, []any for a resolved tuple, or nil
	OldV  any // only meaningful for OpCAS
	NewV  any // only meaningful for OpCAS
}

// OpKind enumerates the operation forms a Target accepts.
type OpKind int

// The operation kinds a Target accepts in a transaction request.
const (
	OpAdd OpKind = iota
	OpRetract
	OpCAS
)

// TxResult is returned by a successful Target.Transact call.
type TxResult struct {
	// TempIDs maps every tempid string used in the request to the
	// concrete EID the target assigned it.
	TempIDs map[string]EID
}

// ErrCASFailed is returned by Target.Transact when a CAS op's OldV did
// not match the current value, i.e. a concurrent writer (or a retried,
// already-applied transaction) raced the caller.
var ErrCASFailed = errors.New("compare-and-swap assertion failed")

// A Target is the opaque collaborator representing the destination
// database. The replay engine and schema installer consume it as a
// set of operations: submit a transaction, or pull a single attribute
// value off an entity.
type Target interface {
	// Transact submits ops as a single transaction with the given
	// timeout and returns the resulting tempid assignments.
	Transact(ctx context.Context, ops []TxOp, timeout time.Duration) (TxResult, error)

	// Pull retrieves the value of attribute a on entity e, or
	// (nil, false, nil) if the entity has no value for that attribute.
	Pull(ctx context.Context, e EID, a Keyword) (v any, ok bool, err error)

	// ResolveIdent returns the EID currently associated with a
	// namespaced keyword ident, or (0, false, nil) if none exists.
	ResolveIdent(ctx context.Context, k Keyword) (EID, bool, error)

	// LookupOriginalID performs an index probe against the
	// bookkeeping original_id attribute, returning the target EID
	// that was stamped with the given source EID, if any. Used by the
	// ID cache's verification hook.
	LookupOriginalID(ctx context.Context, sourceEID EID) (EID, bool, error)

	// AttrCardinalityOne reports whether attribute a is
	// cardinality-one on the target, used by the de-noop pass.
	AttrCardinalityOne(ctx context.Context, a Keyword) (bool, error)

	// IsRefAttribute reports whether attribute a is a reference-typed
	// attribute on the target.
	IsRefAttribute(ctx context.Context, a Keyword) (bool, error)

	// IsCompositeTupleDef reports whether e names a composite-tuple
	// attribute definition entity (i.e. a schema-install transaction
	// for a tuple-typed attribute whose components reference other
	// attributes on the same entity).
	IsCompositeTupleDef(ctx context.Context, e EID) (bool, error)
}

// A Cache maps source EIDs to target EIDs for one source database. See
// [github.com/fulcrologic/datomic-cloud-backup/internal/target/idcache].
type Cache interface {
	Lookup(old EID) (EID, bool)
	Store(old, new EID)
	IsNew(old EID) bool
}
