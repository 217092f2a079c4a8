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

package driver

import (
	"github.com/fulcrologic/datomic-cloud-backup/internal/util/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "restore_driver_backoff_duration_seconds",
		Help:    "the length of each backoff sleep the consumer took after an error or transaction failure",
		Buckets: metrics.LatencyBuckets,
	}, metrics.DBLabels)
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restore_driver_state_transitions_total",
		Help: "the number of times the consumer observed each restore.State or prefetch outcome",
	}, []string{"db", "state"})
)
