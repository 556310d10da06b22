// Copyright 2022 Intel Corporation. All Rights Reserved.
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

package telepage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/telepaging/pkg/metrics"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	faultsDesc = iota
	migrationsDesc
	pagesDesc
	bytesDesc
	predictionDesc
	patternsDesc
	prefetchDesc
	prefetchEffectivenessDesc
	nodeLatencyDesc
	nodeFreeMemoryDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	faultsDesc: prometheus.NewDesc(
		"telepage_faults",
		"Page faults handled, by type.",
		[]string{"type"}, nil,
	),
	migrationsDesc: prometheus.NewDesc(
		"telepage_migrations",
		"Page migrations, by direction.",
		[]string{"direction"}, nil,
	),
	pagesDesc: prometheus.NewDesc(
		"telepage_pages",
		"Mapped pages, by tier.",
		[]string{"tier"}, nil,
	),
	bytesDesc: prometheus.NewDesc(
		"telepage_bytes",
		"Bytes transferred and net bytes saved by compression.",
		[]string{"type"}, nil,
	),
	predictionDesc: prometheus.NewDesc(
		"telepage_predictions",
		"Access prediction counters.",
		[]string{"type"}, nil,
	),
	patternsDesc: prometheus.NewDesc(
		"telepage_patterns",
		"Learned access patterns.",
		nil, nil,
	),
	prefetchDesc: prometheus.NewDesc(
		"telepage_prefetches",
		"Prefetch counters.",
		[]string{"type"}, nil,
	),
	prefetchEffectivenessDesc: prometheus.NewDesc(
		"telepage_prefetch_effectiveness",
		"Share of prefetched pages accessed before eviction.",
		nil, nil,
	),
	nodeLatencyDesc: prometheus.NewDesc(
		"telepage_node_latency_seconds",
		"Measured round trip latency to remote nodes.",
		[]string{"node"}, nil,
	),
	nodeFreeMemoryDesc: prometheus.NewDesc(
		"telepage_node_free_memory_bytes",
		"Free memory reported by remote nodes.",
		[]string{"node"}, nil,
	),
}

type collector struct {
	ctx *Context
}

// NewCollector creates a Prometheus collector for a Context.
func NewCollector(c *Context) prometheus.Collector {
	return &collector{ctx: c}
}

// RegisterCollector registers the collector of a Context for metrics collection.
func RegisterCollector(c *Context) error {
	return metrics.RegisterCollector("telepage", func() (prometheus.Collector, error) {
		return NewCollector(c), nil
	})
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func counter(ch chan<- prometheus.Metric, desc int, value float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.CounterValue, value, labels...)
}

func gauge(ch chan<- prometheus.Metric, desc int, value float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, value, labels...)
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.ctx.GetStats()

	counter(ch, faultsDesc, float64(s.RemoteFaults), "remote")
	counter(ch, faultsDesc, float64(s.CompressedFaults), "compressed")
	counter(ch, faultsDesc, float64(s.NotRemote), "not-remote")
	counter(ch, faultsDesc, float64(s.PrefetchHits), "prefetch-hit")
	counter(ch, faultsDesc, float64(s.Coalesced), "coalesced")
	counter(ch, faultsDesc, float64(s.FaultErrors), "error")

	counter(ch, migrationsDesc, float64(s.MigrationsLocal), "to-local")
	counter(ch, migrationsDesc, float64(s.MigrationsRemote), "to-remote")
	counter(ch, migrationsDesc, float64(s.MigrationsCompress), "to-compressed")
	counter(ch, migrationsDesc, float64(s.MigrationsBetween), "local")
	counter(ch, migrationsDesc, float64(s.FailedMigrations), "failed")

	for _, kind := range []TierKind{TeraPage, HBM, Accelerator, NVM, Compressed, Remote} {
		gauge(ch, pagesDesc, float64(s.Pages[kind]), kind.String())
	}

	gauge(ch, bytesDesc, float64(s.BytesTransferred), "transferred")
	gauge(ch, bytesDesc, float64(s.BytesSaved), "saved")

	counter(ch, predictionDesc, float64(s.Predictor.Predictions), "predicted")
	counter(ch, predictionDesc, float64(s.Predictor.Hits), "hit")
	counter(ch, predictionDesc, float64(s.Predictor.Misses), "miss")
	gauge(ch, patternsDesc, float64(s.Predictor.Patterns))

	counter(ch, prefetchDesc, float64(s.Prefetch.Requests), "requested")
	counter(ch, prefetchDesc, float64(s.Prefetch.Successes), "fetched")
	counter(ch, prefetchDesc, float64(s.Prefetch.Hits), "hit")
	counter(ch, prefetchDesc, float64(s.Prefetch.Evictions), "evicted")
	counter(ch, prefetchDesc, float64(s.Prefetch.Cancellations), "cancelled")
	gauge(ch, prefetchEffectivenessDesc, s.Prefetch.Effectiveness())

	for _, n := range s.Nodes {
		node := strconv.FormatUint(n.Node, 10)
		gauge(ch, nodeLatencyDesc, n.Latency.Seconds(), node)
		gauge(ch, nodeFreeMemoryDesc, float64(n.FreeMemory), node)
	}
}
