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

// Package cliconfig binds every tunable exposed by the backup, restore,
// and serve subcommands to a shared pflag.FlagSet.
package cliconfig

import (
	"strings"
	"time"

	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the user-visible configuration for a single source
// database's backup/restore pipeline.
type Config struct {
	DB         string
	SourceConn string
	TargetConn string
	SegmentDir string

	// StoreBackend selects the segment.Store realization: "fs" (the
	// default, backed by SegmentDir) or "pg" (backed by StoreConn, a
	// Postgres/CockroachDB connection string).
	StoreBackend string
	StoreConn    string

	SegmentSize     int64
	PollInterval    time.Duration
	PrefetchBuffer  int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	VerifyFraction  float64
	DisableVerify   bool
	BulkParallelism bool

	blacklist     []string
	rewriteSpecs  []string
	Blacklist     map[types.Keyword]bool
	RewriteTokens map[types.Keyword]string
}

// DefaultSegmentSize is spec's default transactions-per-segment.
const DefaultSegmentSize = 1000

// DefaultVerifyFraction is the share of entities believed new that are
// checked against the target's original_id index before each
// transaction is submitted.
const DefaultVerifyFraction = 0.01

// DefaultStoreBackend is the segment.Store realization used when
// --segmentStore is left unset.
const DefaultStoreBackend = "fs"

// Bind registers every flag onto flags, mirroring the teacher's
// Config.Bind shape: one flag per tunable, sensible defaults, parsed
// and validated later by Preflight.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.DB, "db", "", "the source database name to replicate")
	flags.StringVar(&c.SourceConn, "sourceConn", "", "connection string for the Datomic transaction log source")
	flags.StringVar(&c.TargetConn, "targetConn", "", "connection string for the target database")
	flags.StringVar(&c.SegmentDir, "segmentDir", "", "filesystem directory used to store backup segments (segmentStore=fs)")
	flags.StringVar(&c.StoreBackend, "segmentStore", DefaultStoreBackend, `segment.Store realization to use: "fs" or "pg"`)
	flags.StringVar(&c.StoreConn, "segmentStoreConn", "", "Postgres/CockroachDB connection string for the segment store (segmentStore=pg)")

	flags.Int64Var(&c.SegmentSize, "segmentSize", DefaultSegmentSize, "transactions per backup segment")
	flags.DurationVar(&c.PollInterval, "pollInterval", 5*time.Second, "how long the continuous restore driver sleeps after catching up")
	flags.IntVar(&c.PrefetchBuffer, "prefetchBuffer", 5, "capacity of the bounded channel between the prefetcher and consumer")
	flags.DurationVar(&c.InitialBackoff, "initialBackoff", time.Second, "initial retry delay after a restore error")
	flags.DurationVar(&c.MaxBackoff, "maxBackoff", 5*time.Minute, "maximum retry delay after repeated restore errors")
	flags.Float64Var(&c.VerifyFraction, "verifyFraction", DefaultVerifyFraction, "fraction of newly-cached entities re-verified against the target's original_id index")
	flags.BoolVar(&c.DisableVerify, "disableVerification", false, "skip the pre-submit original_id verification probe entirely")
	flags.BoolVar(&c.BulkParallelism, "parallelBulkBackup", true, "run bulk backup's segment ranges concurrently instead of serially")

	flags.StringSliceVar(&c.blacklist, "blacklistAttr", nil, "fully-qualified attribute idents to drop from every replayed transaction (namespace/name)")
	flags.StringSliceVar(&c.rewriteSpecs, "rewriteAttr", nil, "attribute value rewrites, as namespace/name=token pairs; each replayed value of the attribute is replaced by the token as a string")
}

// Preflight validates flag values and parses the blacklist/rewrite
// specs into the Keyword-addressed maps apply.Filters expects.
func (c *Config) Preflight() error {
	if c.DB == "" {
		return errors.New("db must be set")
	}
	if c.SourceConn == "" {
		return errors.New("sourceConn must be set")
	}
	if c.TargetConn == "" {
		return errors.New("targetConn must be set")
	}
	switch c.StoreBackend {
	case "fs":
		if c.SegmentDir == "" {
			return errors.New("segmentDir must be set when segmentStore=fs")
		}
	case "pg":
		if c.StoreConn == "" {
			return errors.New("segmentStoreConn must be set when segmentStore=pg")
		}
	default:
		return errors.Errorf("segmentStore must be \"fs\" or \"pg\", got %q", c.StoreBackend)
	}
	if c.SegmentSize <= 0 {
		return errors.New("segmentSize must be positive")
	}
	if c.VerifyFraction < 0 || c.VerifyFraction > 1 {
		return errors.New("verifyFraction must be between 0 and 1")
	}

	c.Blacklist = make(map[types.Keyword]bool, len(c.blacklist))
	for _, raw := range c.blacklist {
		kw, err := parseKeyword(raw)
		if err != nil {
			return errors.Wrapf(err, "blacklistAttr %q", raw)
		}
		c.Blacklist[kw] = true
	}

	c.RewriteTokens = make(map[types.Keyword]string, len(c.rewriteSpecs))
	for _, raw := range c.rewriteSpecs {
		namePart, token, ok := strings.Cut(raw, "=")
		if !ok {
			return errors.Errorf("rewriteAttr %q must be namespace/name=token", raw)
		}
		kw, err := parseKeyword(namePart)
		if err != nil {
			return errors.Wrapf(err, "rewriteAttr %q", raw)
		}
		c.RewriteTokens[kw] = token
	}

	return nil
}

func parseKeyword(raw string) (types.Keyword, error) {
	ns, name, ok := strings.Cut(raw, "/")
	if !ok || ns == "" || name == "" {
		return types.Keyword{}, errors.New("expected namespace/name")
	}
	return types.Keyword{Namespace: ns, Name: name}, nil
}
