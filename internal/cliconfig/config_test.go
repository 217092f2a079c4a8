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

package cliconfig_test

import (
	"testing"

	"github.com/fulcrologic/datomic-cloud-backup/internal/cliconfig"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestBindSetsDefaults(t *testing.T) {
	var c cliconfig.Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse(nil))

	require.Equal(t, int64(cliconfig.DefaultSegmentSize), c.SegmentSize)
	require.Equal(t, cliconfig.DefaultVerifyFraction, c.VerifyFraction)
}

func TestPreflightRequiresCoreFlags(t *testing.T) {
	var c cliconfig.Config
	require.Error(t, c.Preflight())
}

func TestPreflightParsesBlacklistAndRewrite(t *testing.T) {
	var c cliconfig.Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse([]string{
		"--db=db1",
		"--sourceConn=datomic:conn",
		"--targetConn=postgres://target",
		"--segmentDir=/tmp/segments",
		"--blacklistAttr=audit/internalNote",
		"--rewriteAttr=person/ssn=redact",
	}))

	require.NoError(t, c.Preflight())
	require.True(t, c.Blacklist[types.Keyword{Namespace: "audit", Name: "internalNote"}])
	require.Equal(t, "redact", c.RewriteTokens[types.Keyword{Namespace: "person", Name: "ssn"}])
}

func TestPreflightValidatesStoreBackend(t *testing.T) {
	var c cliconfig.Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse([]string{
		"--db=db1",
		"--sourceConn=datomic:conn",
		"--targetConn=postgres://target",
		"--segmentStore=pg",
	}))

	// pg backend doesn't need segmentDir, but does need segmentStoreConn.
	require.Error(t, c.Preflight())

	c.StoreConn = "postgres://segments"
	require.NoError(t, c.Preflight())
}

func TestPreflightRejectsUnknownStoreBackend(t *testing.T) {
	var c cliconfig.Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse([]string{
		"--db=db1",
		"--sourceConn=datomic:conn",
		"--targetConn=postgres://target",
		"--segmentDir=/tmp/segments",
		"--segmentStore=bogus",
	}))

	require.Error(t, c.Preflight())
}

func TestPreflightRejectsMalformedRewrite(t *testing.T) {
	var c cliconfig.Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse([]string{
		"--db=db1",
		"--sourceConn=datomic:conn",
		"--targetConn=postgres://target",
		"--segmentDir=/tmp/segments",
		"--rewriteAttr=noequals",
	}))

	require.Error(t, c.Preflight())
}
