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

// Package pgstore is a Postgres/CockroachDB-backed segment.Store, for
// deployments that would rather lean on an existing cluster than a
// local filesystem for segment durability. Segments are stored as the
// same zstd-compressed wire blob segment.Encode produces elsewhere;
// Postgres is only used as a key-addressed blob table.
package pgstore

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS segments (
	db      STRING NOT NULL,
	start_t INT8 NOT NULL,
	end_t   INT8 NOT NULL,
	payload BYTES NOT NULL,
	PRIMARY KEY (db, start_t, end_t)
)
`

// Store implements segment.Store against a single "segments" table.
// Safe for concurrent use; all of its operations are single statements
// and rely on the table's primary key for idempotent Save.
type Store struct {
	Pool *pgxpool.Pool
}

var _ segment.Store = (*Store)(nil)

// New opens a pool against connString and ensures the backing table
// exists.
func New(ctx context.Context, connString string) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, nil, errors.Wrap(err, "pgstore: could not open pool")
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "pgstore: could not ensure schema")
	}
	return &Store{Pool: pool}, pool.Close, nil
}

// Save implements segment.Store. The UPSERT overwrites any existing row
// for the same (db, start, end), so writing a segment twice leaves one
// row, matching the idempotence the producer relies on.
func (s *Store) Save(ctx context.Context, db string, seg *segment.Segment) error {
	wire, err := segment.Encode(seg)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx,
		`UPSERT INTO segments (db, start_t, end_t, payload) VALUES ($1, $2, $3, $4)`,
		db, seg.StartT, seg.EndT, wire)
	return errors.Wrap(err, "pgstore: could not save segment")
}

// List implements segment.Store.
func (s *Store) List(ctx context.Context, db string) ([]segment.Info, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT start_t, end_t FROM segments WHERE db = $1 ORDER BY start_t`, db)
	if err != nil {
		return nil, errors.Wrap(err, "pgstore: could not list segments")
	}
	defer rows.Close()

	var infos []segment.Info
	for rows.Next() {
		var info segment.Info
		if err := rows.Scan(&info.StartT, &info.EndT); err != nil {
			return nil, errors.Wrap(err, "pgstore: could not scan segment row")
		}
		infos = append(infos, info)
	}
	return infos, errors.Wrap(rows.Err(), "pgstore: error iterating segment rows")
}

// Last implements segment.Store.
func (s *Store) Last(ctx context.Context, db string) (segment.Info, bool, error) {
	var info segment.Info
	err := s.Pool.QueryRow(ctx,
		`SELECT start_t, end_t FROM segments WHERE db = $1 ORDER BY start_t DESC LIMIT 1`, db,
	).Scan(&info.StartT, &info.EndT)
	if errors.Is(err, pgx.ErrNoRows) {
		return segment.Info{}, false, nil
	}
	if err != nil {
		return segment.Info{}, false, errors.Wrap(err, "pgstore: could not query last segment")
	}
	return info, true, nil
}

// Load implements segment.Store.
func (s *Store) Load(ctx context.Context, db string, start int64) (*segment.Segment, error) {
	var query string
	var args []any
	if start == 0 {
		query = `SELECT payload FROM segments WHERE db = $1 ORDER BY start_t LIMIT 1`
		args = []any{db}
	} else {
		query = `SELECT payload FROM segments WHERE db = $1 AND start_t = $2 LIMIT 1`
		args = []any{db, start}
	}

	var wire []byte
	if err := s.Pool.QueryRow(ctx, query, args...).Scan(&wire); err != nil {
		return nil, errors.Wrapf(err, "pgstore: no segment for %s starting at %d", db, start)
	}
	return segment.Decode(wire)
}

// LoadRange implements segment.Store.
func (s *Store) LoadRange(ctx context.Context, db string, start, end int64) (*segment.Segment, error) {
	var wire []byte
	err := s.Pool.QueryRow(ctx,
		`SELECT payload FROM segments WHERE db = $1 AND start_t = $2 AND end_t = $3`,
		db, start, end,
	).Scan(&wire)
	if err != nil {
		return nil, errors.Wrapf(err, "pgstore: no segment for %s at (%d,%d)", db, start, end)
	}
	return segment.Decode(wire)
}
