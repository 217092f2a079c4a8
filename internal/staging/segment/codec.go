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

package segment

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Value type tags used by the wire format. These are independent of
// types.ValueKind's iota ordering so that the two can evolve without
// breaking already-written segments.
const (
	tagInt byte = iota
	tagString
	tagBool
	tagInstant
	tagUUID
	tagKeyword
	tagFloat
	tagBytes
	tagTuple
	tagRef
)

// Encode serializes seg into the segment wire format: a zstd-compressed,
// length-prefixed, self-describing binary encoding. Every value variant
// in types.Value round-trips exactly, including nested tuples.
func Encode(seg *Segment) ([]byte, error) {
	var raw bytes.Buffer
	w := &writer{w: &raw}

	w.writeVarint(seg.StartT)
	w.writeVarint(seg.EndT)

	w.writeVarint(int64(len(seg.Refs)))
	for eid := range seg.Refs {
		w.writeVarint(int64(eid))
	}

	w.writeVarint(int64(len(seg.IDToAttr)))
	for eid, kw := range seg.IDToAttr {
		w.writeVarint(int64(eid))
		w.writeKeyword(kw)
	}

	w.writeVarint(int64(len(seg.Transactions)))
	for _, tx := range seg.Transactions {
		w.writeVarint(tx.T)
		w.writeVarint(int64(len(tx.Data)))
		for _, d := range tx.Data {
			w.writeVarint(int64(d.E))
			w.writeVarint(int64(d.A))
			w.writeValue(d.V)
			w.writeVarint(int64(d.Tx))
			w.writeBool(d.Added)
		}
	}
	if w.err != nil {
		return nil, w.err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw.Bytes(), nil), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*Segment, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt segment: could not decompress")
	}

	r := &reader{r: bytes.NewReader(raw)}
	seg := &Segment{}
	seg.StartT = r.readVarint()
	seg.EndT = r.readVarint()

	// Empty collections decode as nil, matching the nil fields an
	// unpopulated Segment is encoded from.
	nrefs := int(r.readVarint())
	if nrefs > 0 {
		seg.Refs = make(map[types.EID]bool, nrefs)
	}
	for i := 0; i < nrefs; i++ {
		seg.Refs[types.EID(r.readVarint())] = true
	}

	nattrs := int(r.readVarint())
	if nattrs > 0 {
		seg.IDToAttr = make(map[types.EID]types.Keyword, nattrs)
	}
	for i := 0; i < nattrs; i++ {
		eid := types.EID(r.readVarint())
		seg.IDToAttr[eid] = r.readKeyword()
	}

	ntx := int(r.readVarint())
	if ntx > 0 {
		seg.Transactions = make([]types.TxEntry, ntx)
	}
	for i := 0; i < ntx; i++ {
		seg.Transactions[i].T = r.readVarint()
		ndata := int(r.readVarint())
		var data []types.Datom
		if ndata > 0 {
			data = make([]types.Datom, ndata)
		}
		for j := 0; j < ndata; j++ {
			data[j].E = types.EID(r.readVarint())
			data[j].A = types.EID(r.readVarint())
			data[j].V = r.readValue()
			data[j].Tx = types.EID(r.readVarint())
			data[j].Added = r.readBool()
		}
		seg.Transactions[i].Data = data
	}

	if r.err != nil {
		return nil, r.err
	}
	return seg, nil
}

type writer struct {
	w   io.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (w *writer) writeVarint(v int64) {
	if w.err != nil {
		return
	}
	n := binary.PutVarint(w.buf[:], v)
	_, w.err = w.w.Write(w.buf[:n])
}

func (w *writer) writeBool(b bool) {
	if b {
		w.writeVarint(1)
	} else {
		w.writeVarint(0)
	}
}

func (w *writer) writeBytes(b []byte) {
	w.writeVarint(int64(len(b)))
	if w.err != nil || len(b) == 0 {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *writer) writeString(s string) {
	w.writeBytes([]byte(s))
}

func (w *writer) writeKeyword(k types.Keyword) {
	w.writeString(k.Namespace)
	w.writeString(k.Name)
}

func (w *writer) writeValue(v types.Value) {
	switch v.Kind {
	case types.KindInt:
		w.writeVarint(int64(tagInt))
		w.writeVarint(v.Int)
	case types.KindString:
		w.writeVarint(int64(tagString))
		w.writeString(v.Str)
	case types.KindBool:
		w.writeVarint(int64(tagBool))
		w.writeBool(v.Bool)
	case types.KindInstant:
		w.writeVarint(int64(tagInstant))
		w.writeVarint(v.Instant.UnixMilli())
	case types.KindUUID:
		w.writeVarint(int64(tagUUID))
		w.writeBytes(v.UUID[:])
	case types.KindKeyword:
		w.writeVarint(int64(tagKeyword))
		w.writeKeyword(v.Keyword)
	case types.KindFloat:
		w.writeVarint(int64(tagFloat))
		w.writeVarint(int64(math.Float64bits(v.Float)))
	case types.KindBytes:
		w.writeVarint(int64(tagBytes))
		w.writeBytes(v.Bytes)
	case types.KindTuple:
		w.writeVarint(int64(tagTuple))
		w.writeVarint(int64(len(v.Tuple)))
		for _, e := range v.Tuple {
			w.writeValue(e)
		}
	case types.KindRef:
		w.writeVarint(int64(tagRef))
		w.writeVarint(int64(v.Ref))
	default:
		w.err = errors.Errorf("unknown value kind %d", v.Kind)
	}
}

type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) readVarint() int64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(r.r)
	if err != nil {
		r.err = errors.Wrap(err, "corrupt segment")
		return 0
	}
	return v
}

func (r *reader) readBool() bool {
	return r.readVarint() != 0
}

func (r *reader) readBytes() []byte {
	n := int(r.readVarint())
	if r.err != nil || n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = errors.Wrap(err, "corrupt segment")
		return nil
	}
	return buf
}

func (r *reader) readString() string {
	return string(r.readBytes())
}

func (r *reader) readKeyword() types.Keyword {
	ns := r.readString()
	name := r.readString()
	return types.Keyword{Namespace: ns, Name: name}
}

func (r *reader) readValue() types.Value {
	tag := r.readVarint()
	if r.err != nil {
		return types.Value{}
	}
	switch byte(tag) {
	case tagInt:
		return types.Value{Kind: types.KindInt, Int: r.readVarint()}
	case tagString:
		return types.Value{Kind: types.KindString, Str: r.readString()}
	case tagBool:
		return types.Value{Kind: types.KindBool, Bool: r.readBool()}
	case tagInstant:
		return types.Value{Kind: types.KindInstant, Instant: time.UnixMilli(r.readVarint()).UTC()}
	case tagUUID:
		var u [16]byte
		copy(u[:], r.readBytes())
		return types.Value{Kind: types.KindUUID, UUID: u}
	case tagKeyword:
		return types.Value{Kind: types.KindKeyword, Keyword: r.readKeyword()}
	case tagFloat:
		bits := r.readVarint()
		return types.Value{Kind: types.KindFloat, Float: math.Float64frombits(uint64(bits))}
	case tagBytes:
		return types.Value{Kind: types.KindBytes, Bytes: r.readBytes()}
	case tagTuple:
		n := int(r.readVarint())
		elems := make([]types.Value, n)
		for i := range elems {
			elems[i] = r.readValue()
		}
		return types.Value{Kind: types.KindTuple, Tuple: elems}
	case tagRef:
		return types.Value{Kind: types.KindRef, Ref: types.EID(r.readVarint())}
	default:
		r.err = errors.Errorf("corrupt segment: unknown value tag %d", tag)
		return types.Value{}
	}
}
