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

// Package transport resolves a source/target connection string from
// the CLI into the types.SourceLog and types.Target collaborators the
// rest of the repository treats as opaque. No production Datomic
// client ships in this module: the "fake" scheme below is backed by
// the in-memory fakes under sourcetest/targettest and exists so the
// CLI binaries are runnable end to end against a local fixture.
// Deployments that talk to a real Datomic cluster or peer provide
// their own types.SourceLog/types.Target and call the wiring
// providers directly rather than going through cmd/datomic-backup or
// cmd/datomic-restore.
package transport

import (
	"context"
	"strings"

	"github.com/fulcrologic/datomic-cloud-backup/internal/source/sourcetest"
	"github.com/fulcrologic/datomic-cloud-backup/internal/target/targettest"
	"github.com/fulcrologic/datomic-cloud-backup/internal/types"
	"github.com/pkg/errors"
)

const fakeScheme = "fake:"

// OpenSource resolves connStr into a types.SourceLog.
func OpenSource(_ context.Context, connStr string) (types.SourceLog, error) {
	if strings.HasPrefix(connStr, fakeScheme) {
		return sourcetest.New(), nil
	}
	return nil, errors.Errorf(
		"transport: no production Datomic source client is wired for connection string %q; "+
			"link in a types.SourceLog implementation and call internal/wiring directly", connStr)
}

// OpenTarget resolves connStr into a types.Target.
func OpenTarget(_ context.Context, connStr string) (types.Target, error) {
	if strings.HasPrefix(connStr, fakeScheme) {
		return targettest.New(), nil
	}
	return nil, errors.Errorf(
		"transport: no production Datomic target client is wired for connection string %q; "+
			"link in a types.Target implementation and call internal/wiring directly", connStr)
}
