/*
 * Copyright 2019 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cloud

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// cacheStatsMetrics provide description, value, and value type for cache metrics.
type cacheStatsMetrics []struct {
	desc    *prometheus.Desc
	eval    func(CacheStats) float64
	valType prometheus.ValueType
}

// CacheCollector exports the statistics of a cache.
type CacheCollector struct {
	cache   *Cache
	metrics cacheStatsMetrics
}

func cacheStatNamespace(s string) string {
	return fmt.Sprintf("briefcase_cloud_cache_%s", s)
}

// NewCacheCollector returns a collector of the cache statistics.
func NewCacheCollector(c *Cache) prometheus.Collector {
	newDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(cacheStatNamespace(name), help, nil, nil)
	}
	return &CacheCollector{
		cache: c,
		metrics: cacheStatsMetrics{
			{
				desc:    newDesc("blocks", "Blocks held by the local store"),
				eval:    func(s CacheStats) float64 { return float64(s.Blocks) },
				valType: prometheus.GaugeValue,
			},
			{
				desc:    newDesc("dirty_blocks", "Blocks staged for upload"),
				eval:    func(s CacheStats) float64 { return float64(s.Dirty) },
				valType: prometheus.GaugeValue,
			},
			{
				desc:    newDesc("pinned_blocks", "Blocks referenced by in-flight reads"),
				eval:    func(s CacheStats) float64 { return float64(s.Pinned) },
				valType: prometheus.GaugeValue,
			},
			{
				desc:    newDesc("hits_total", "Block reads served locally"),
				eval:    func(s CacheStats) float64 { return float64(s.Hits) },
				valType: prometheus.CounterValue,
			},
			{
				desc:    newDesc("fetches_total", "Block fetches issued to the transport"),
				eval:    func(s CacheStats) float64 { return float64(s.Fetches) },
				valType: prometheus.CounterValue,
			},
			{
				desc:    newDesc("shared_fetches_total", "Block reads which joined an in-flight fetch"),
				eval:    func(s CacheStats) float64 { return float64(s.Shared) },
				valType: prometheus.CounterValue,
			},
			{
				desc:    newDesc("evictions_total", "Blocks evicted from the local store"),
				eval:    func(s CacheStats) float64 { return float64(s.Evictions) },
				valType: prometheus.CounterValue,
			},
		},
	}
}

// Describe returns all descriptions of the collector.
func (cc *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, i := range cc.metrics {
		ch <- i.desc
	}
}

// Collect returns the current state of all metrics of the collector.
func (cc *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := cc.cache.Stats()
	for _, i := range cc.metrics {
		ch <- prometheus.MustNewConstMetric(i.desc, i.valType, i.eval(stats))
	}
}
