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

package idcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idcache_hits_total",
		Help: "the number of Lookup calls resolved from the LRU",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idcache_misses_total",
		Help: "the number of Lookup calls that found nothing in the LRU and weren't caught by the new-entity watermark",
	})
	cacheWatermarkSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idcache_watermark_skips_total",
		Help: "the number of Lookup calls short-circuited by the monotonic new-entity watermark",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idcache_evictions_total",
		Help: "the number of entries the LRU has evicted to stay within capacity",
	})
)
