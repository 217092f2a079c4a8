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

// Package passthrough adapts a live types.SourceLog into the
// segment.Store interface, for deployments that want to replay
// straight off the source log without ever writing a durable segment.
// It deliberately has no Save-side effects.
package passthrough

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
)

// Store presents a live SourceLog as a read-only segment.Store. Each
// logical "segment" spans the entire log, from 1 through the source's
// current tip, so List and Last always report a single entry that
// grows over time.
type Store struct {
	Log      types.SourceLog
	Database string
}

var _ segment.Store = (*Store)(nil)

// New wraps log for database db.
func New(log types.SourceLog, db string) *Store {
	return &Store{Log: log, Database: db}
}

// Save is unimplemented; the passthrough adapter is read-only.
func (s *Store) Save(context.Context, string, *segment.Segment) error {
	return errors.New("passthrough: segment store is read-only, cannot save")
}

func (s *Store) bounds(ctx context.Context) (segment.Info, bool, error) {
	tip, err := s.Log.Tip(ctx, s.Database)
	if err != nil {
		return segment.Info{}, false, err
	}
	if tip == 0 {
		return segment.Info{}, false, nil
	}
	return segment.Info{StartT: 1, EndT: tip}, true, nil
}

// List implements segment.Store.
func (s *Store) List(ctx context.Context, db string) ([]segment.Info, error) {
	if db != s.Database {
		return nil, errors.Errorf("passthrough: bound to %q, not %q", s.Database, db)
	}
	info, ok, err := s.bounds(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return []segment.Info{info}, nil
}

// Last implements segment.Store.
func (s *Store) Last(ctx context.Context, db string) (segment.Info, bool, error) {
	if db != s.Database {
		return segment.Info{}, false, errors.Errorf("passthrough: bound to %q, not %q", s.Database, db)
	}
	return s.bounds(ctx)
}

// Load implements segment.Store. A start of 0 or 1 both mean "from the
// beginning of the log".
func (s *Store) Load(ctx context.Context, db string, start int64) (*segment.Segment, error) {
	info, ok, err := s.bounds(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("passthrough: source log is empty")
	}
	if start != 0 && start != info.StartT {
		return nil, errors.Errorf("passthrough: only start=%d is available, not %d", info.StartT, start)
	}
	return s.LoadRange(ctx, db, info.StartT, info.EndT)
}

// LoadRange implements segment.Store by reading straight through to
// the source log.
func (s *Store) LoadRange(ctx context.Context, db string, start, end int64) (*segment.Segment, error) {
	if db != s.Database {
		return nil, errors.Errorf("passthrough: bound to %q, not %q", s.Database, db)
	}
	entries, refs, idToAttr, err := s.Log.ReadRange(ctx, db, start, end+1)
	if err != nil {
		return nil, err
	}
	return &segment.Segment{
		StartT:       start,
		EndT:         end,
		Refs:         refs,
		IDToAttr:     idToAttr,
		Transactions: entries,
	}, nil
}
