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

package apply

import (
	"github.com/fulcrologic/datomic-cloud-backup/internal/util/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apply_transactions_total",
		Help: "the number of source transactions successfully replayed into the target",
	}, metrics.DBLabels)
	transactionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apply_transaction_errors_total",
		Help: "the number of source transactions that failed during replay",
	}, metrics.DBLabels)
	applyDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apply_transaction_duration_seconds",
		Help:    "the length of time it took to replay one source transaction, including the target Transact round trip",
		Buckets: metrics.LatencyBuckets,
	}, metrics.DBLabels)
)
