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

package backup

import (
	"github.com/fulcrologic/datomic-cloud-backup/internal/util/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_segments_written_total",
		Help: "the number of segments written by BackupSegment",
	}, metrics.DBLabels)
	segmentWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_segment_write_errors_total",
		Help: "the number of times BackupSegment failed to read the source or save a segment",
	}, metrics.DBLabels)
	segmentWriteDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backup_segment_write_duration_seconds",
		Help:    "the length of time it took BackupSegment to read the source range and save the resulting segment",
		Buckets: metrics.LatencyBuckets,
	}, metrics.DBLabels)
	transactionsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_transactions_read_total",
		Help: "the number of source transactions read into segments",
	}, metrics.DBLabels)
)
