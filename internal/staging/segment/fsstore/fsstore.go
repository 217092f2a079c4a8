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

// Package fsstore is a filesystem-backed segment.Store. It is built on
// top of afero.Fs rather than the os package directly so that tests
// can swap in an in-memory filesystem without touching any production
// code path.
package fsstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const ext = ".seg"

var filenamePattern = regexp.MustCompile(`^(.+)\.(\d{20})-(\d{20})\.seg$`)

// Store persists one file per segment under Dir, named
// "{db}.{start}-{end}.seg" with the start and end zero-padded to 20
// digits so that a plain lexicographic directory scan yields
// StartT-sorted output.
type Store struct {
	Fs  afero.Fs
	Dir string

	mu sync.Mutex
}

var _ segment.Store = (*Store)(nil)

// New constructs a Store rooted at dir on the given filesystem. Pass
// afero.NewOsFs() for production use, or afero.NewMemMapFs() in tests.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "fsstore: could not create directory")
	}
	return &Store{Fs: fs, Dir: dir}, nil
}

func basename(db string, start, end int64) string {
	return fmt.Sprintf("%s.%020d-%020d%s", db, start, end, ext)
}

func (s *Store) path(name string) string {
	return s.Dir + "/" + name
}

// Save implements segment.Store.
func (s *Store) Save(_ context.Context, db string, seg *segment.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wire, err := segment.Encode(seg)
	if err != nil {
		return err
	}

	name := basename(db, seg.StartT, seg.EndT)
	tmp := s.path(name + ".tmp")
	if err := afero.WriteFile(s.Fs, tmp, wire, 0o644); err != nil {
		return errors.Wrap(err, "fsstore: could not write segment")
	}
	// Rename is atomic on every filesystem afero targets in this
	// repository's test and production configurations.
	if err := s.Fs.Rename(tmp, s.path(name)); err != nil {
		return errors.Wrap(err, "fsstore: could not publish segment")
	}
	return nil
}

func (s *Store) list(db string) ([]segment.Info, error) {
	entries, err := afero.ReadDir(s.Fs, s.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "fsstore: could not list directory")
	}

	var infos []segment.Info
	for _, entry := range entries {
		m := filenamePattern.FindStringSubmatch(entry.Name())
		if m == nil || m[1] != db {
			continue
		}
		start, err1 := strconv.ParseInt(m[2], 10, 64)
		end, err2 := strconv.ParseInt(m[3], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		infos = append(infos, segment.Info{StartT: start, EndT: end})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartT < infos[j].StartT })
	return infos, nil
}

// List implements segment.Store.
func (s *Store) List(_ context.Context, db string) ([]segment.Info, error) {
	return s.list(db)
}

// Last implements segment.Store.
func (s *Store) Last(_ context.Context, db string) (segment.Info, bool, error) {
	infos, err := s.list(db)
	if err != nil {
		return segment.Info{}, false, err
	}
	if len(infos) == 0 {
		return segment.Info{}, false, nil
	}
	return infos[len(infos)-1], true, nil
}

// Load implements segment.Store.
func (s *Store) Load(ctx context.Context, db string, start int64) (*segment.Segment, error) {
	infos, err := s.list(db)
	if err != nil {
		return nil, err
	}
	if start == 0 {
		if len(infos) == 0 {
			return nil, errors.Errorf("fsstore: no segments for %s", db)
		}
		return s.LoadRange(ctx, db, infos[0].StartT, infos[0].EndT)
	}
	for _, info := range infos {
		if info.StartT == start {
			return s.LoadRange(ctx, db, info.StartT, info.EndT)
		}
	}
	return nil, errors.Errorf("fsstore: no segment for %s starting at %d", db, start)
}

// LoadRange implements segment.Store.
func (s *Store) LoadRange(_ context.Context, db string, start, end int64) (*segment.Segment, error) {
	name := basename(db, start, end)
	wire, err := afero.ReadFile(s.Fs, s.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "fsstore: no segment for %s at (%d,%d)", db, start, end)
	}
	return segment.Decode(wire)
}
