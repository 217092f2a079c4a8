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

// Package wiring assembles the segment store, ID-resolution cache,
// replay engine, and the three top-level components (Backuper,
// Restorer, ContinuousDriver) from a cliconfig.Config. The provider
// set below is consumed by wire_gen.go, which is hand-maintained in
// wire's generated-file shape rather than produced by `go generate`.
package wiring

import (
	"context"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cliconfig"
	"github.com/fulcrologic/datomic-cloud-backup/internal/restore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/restore/driver"
	"github.com/fulcrologic/datomic-cloud-backup/internal/source/backup"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/fsstore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/staging/segment/pgstore"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/apply"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/idcache"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/google/wire"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Set is consumed by `wire build ./internal/wiring`. wire_gen.go is
// the hand-maintained equivalent of what that command would produce.
var Set = wire.NewSet(
	ProvideStore,
	ProvideCache,
	ProvideFilters,
	ProvideEngine,
	ProvideBackuper,
	ProvideRestorer,
	ProvideContinuousDriver,
)

// DefaultCacheCapacity is the ID-resolution cache's LRU size. The
// design's default of one million entries assumes a long-running
// continuous restore process amortizing the bound across the whole
// source history.
const DefaultCacheCapacity = 1_000_000

// Backuper wraps the segment producer as the unit cmd/datomic-backup
// drives.
type Backuper struct {
	*backup.Producer
}

// Restorer wraps the single-shot segment consumer as the unit
// cmd/datomic-restore drives in its default, non-continuous mode.
type Restorer struct {
	*restore.Consumer
}

// ProvideStore constructs the segment.Store realization named by
// cfg.StoreBackend: the filesystem-backed store rooted at
// cfg.SegmentDir ("fs", the default), or the Postgres/CockroachDB-
// backed store opened against cfg.StoreConn ("pg"). The returned
// cleanup func closes any pool the store opened; callers must defer it.
func ProvideStore(ctx context.Context, cfg *cliconfig.Config) (segment.Store, func(), error) {
	switch cfg.StoreBackend {
	case "", "fs":
		st, err := fsstore.New(afero.NewOsFs(), cfg.SegmentDir)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case "pg":
		return pgstore.New(ctx, cfg.StoreConn)
	default:
		return nil, nil, errors.Errorf("wiring: unknown segment store backend %q", cfg.StoreBackend)
	}
}

// ProvideCache constructs the ID-resolution cache.
func ProvideCache() *idcache.Cache {
	return idcache.New(DefaultCacheCapacity)
}

// ProvideFilters translates the parsed blacklist/rewrite tokens from
// cfg into an apply.Filters. Every rewrite token becomes a transformer
// that replaces the value with the token itself as a string value (so
// person/ssn=redact stores "redact"); no token is interpreted further.
func ProvideFilters(cfg *cliconfig.Config) apply.Filters {
	f := apply.Filters{
		Blacklist: cfg.Blacklist,
		Rewrite:   make(map[types.Keyword]func(types.Value) types.Value, len(cfg.RewriteTokens)),
	}
	for kw, token := range cfg.RewriteTokens {
		token := token
		f.Rewrite[kw] = func(types.Value) types.Value {
			return types.Value{Kind: types.KindString, Str: token}
		}
	}
	return f
}

// ProvideEngine constructs the replay engine. Verification defaults to
// idcache's 1%-sample verifier unless the config disables it.
func ProvideEngine(cfg *cliconfig.Config, target types.Target, cache *idcache.Cache, filters apply.Filters) *apply.Engine {
	verifier := idcache.NewVerifier()
	if cfg.DisableVerify {
		verifier.Probability = 0
	} else {
		verifier.Probability = cfg.VerifyFraction
	}
	engine := apply.NewEngine(target, cache, verifier, filters)
	engine.DB = cfg.DB
	return engine
}

// ProvideBackuper constructs a Backuper bound to cfg's source and
// segment store.
func ProvideBackuper(cfg *cliconfig.Config, source types.SourceLog, store segment.Store) *Backuper {
	return &Backuper{Producer: &backup.Producer{Source: source, Store: store, DB: cfg.DB}}
}

// ProvideRestorer constructs a Restorer for a single RestoreSegment
// call.
func ProvideRestorer(cfg *cliconfig.Config, store segment.Store, target types.Target, engine *apply.Engine) *Restorer {
	return &Restorer{Consumer: &restore.Consumer{DB: cfg.DB, Store: store, Target: target, Engine: engine}}
}

// ProvideContinuousDriver constructs the continuous restore driver
// described in the design's prefetcher/consumer pipeline.
func ProvideContinuousDriver(cfg *cliconfig.Config, store segment.Store, target types.Target, engine *apply.Engine) *driver.Driver {
	return driver.New(driver.Config{
		DB:             cfg.DB,
		Store:          store,
		Target:         target,
		Engine:         engine,
		PrefetchBuffer: cfg.PrefetchBuffer,
		PollInterval:   cfg.PollInterval,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	})
}
