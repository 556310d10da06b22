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
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/intel/telepaging/pkg/telepage/remote"
)

// counters are the event counters of a Context.
type counters struct {
	faults           atomic.Uint64
	remoteFaults     atomic.Uint64
	compressedFaults atomic.Uint64
	notRemote        atomic.Uint64
	prefetchHits     atomic.Uint64
	faultErrors      atomic.Uint64
	coalesced        atomic.Uint64
	reclaimed        atomic.Uint64
	toLocal          atomic.Uint64
	toRemote         atomic.Uint64
	toCompressed     atomic.Uint64
	betweenLocal     atomic.Uint64
	failedMigrations atomic.Uint64
	bytesTransferred atomic.Uint64
	scans            atomic.Uint64
}

func (c *counters) migrated(from, to TierKind) {
	switch {
	case to.IsLocal() && from.IsLocal():
		c.betweenLocal.Add(1)
	case to.IsLocal():
		c.toLocal.Add(1)
	case to == Remote:
		c.toRemote.Add(1)
	case to == Compressed:
		c.toCompressed.Add(1)
	}
}

// Stats are the statistics of a Context.
type Stats struct {
	Faults           uint64
	RemoteFaults     uint64
	CompressedFaults uint64
	NotRemote        uint64
	PrefetchHits     uint64
	FaultErrors      uint64
	Coalesced        uint64
	Reclaimed        uint64

	Migrations         uint64
	MigrationsLocal    uint64
	MigrationsRemote   uint64
	MigrationsCompress uint64
	MigrationsBetween  uint64
	FailedMigrations   uint64
	Scans              uint64

	BytesTransferred uint64
	BytesSaved       int64

	Pages      map[TierKind]uint64
	Processes  int
	Predictor  PredictorStats
	Prefetch   PrefetchStats
	Compressed CompressedStats
	Arenas     []ArenaStats
	Nodes      []remote.NodeStats
}

// GetStats returns the statistics of the subsystem.
func (c *Context) GetStats() *Stats {
	s := &Stats{
		Faults:             c.counters.faults.Load(),
		RemoteFaults:       c.counters.remoteFaults.Load(),
		CompressedFaults:   c.counters.compressedFaults.Load(),
		NotRemote:          c.counters.notRemote.Load(),
		PrefetchHits:       c.counters.prefetchHits.Load(),
		FaultErrors:        c.counters.faultErrors.Load(),
		Coalesced:          c.counters.coalesced.Load(),
		Reclaimed:          c.counters.reclaimed.Load(),
		MigrationsLocal:    c.counters.toLocal.Load(),
		MigrationsRemote:   c.counters.toRemote.Load(),
		MigrationsCompress: c.counters.toCompressed.Load(),
		MigrationsBetween:  c.counters.betweenLocal.Load(),
		FailedMigrations:   c.counters.failedMigrations.Load(),
		Scans:              c.counters.scans.Load(),
		BytesTransferred:   c.counters.bytesTransferred.Load(),
		Pages:              map[TierKind]uint64{},
		Prefetch:           c.prefetcher.Stats(),
		Compressed:         c.store.Stats(),
	}
	s.Migrations = s.MigrationsLocal + s.MigrationsRemote + s.MigrationsCompress + s.MigrationsBetween
	s.BytesSaved = s.Compressed.SavedTotal

	if p, ok := c.predictor.(*CorrelationPredictor); ok {
		s.Predictor = p.Stats()
	}
	for _, a := range c.arenas {
		s.Arenas = append(s.Arenas, a.Stats())
	}
	if c.remote != nil {
		s.Nodes = c.remote.Stats()
		for _, n := range s.Nodes {
			s.BytesSaved += n.BytesSaved
		}
	}

	c.RLock()
	s.Processes = len(c.processes)
	for _, as := range c.processes {
		for kind, n := range as.tiers.PageCounts() {
			s.Pages[kind] += n
		}
	}
	c.RUnlock()

	return s
}

// Summarize renders the statistics as tables.
func (s *Stats) Summarize() string {
	lines := []string{}
	lines = append(lines, "table: faults")
	lines = append(lines, "  faults   remote compress notremote prefetch  errors coalesced reclaimed")
	lines = append(lines, fmt.Sprintf("%8d %8d %8d %9d %8d %7d %9d %9d",
		s.Faults, s.RemoteFaults, s.CompressedFaults, s.NotRemote,
		s.PrefetchHits, s.FaultErrors, s.Coalesced, s.Reclaimed))

	lines = append(lines, "table: migrations")
	lines = append(lines, "   total  tolocal toremote tocompr  between  failed    scans")
	lines = append(lines, fmt.Sprintf("%8d %8d %8d %8d %8d %7d %8d",
		s.Migrations, s.MigrationsLocal, s.MigrationsRemote, s.MigrationsCompress,
		s.MigrationsBetween, s.FailedMigrations, s.Scans))

	lines = append(lines, "table: pages")
	lines = append(lines, "    tier    pages  size[M]")
	kinds := make([]TierKind, 0, len(s.Pages))
	for kind := range s.Pages {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		lines = append(lines, fmt.Sprintf("%8s %8d %8d", kind, s.Pages[kind], s.Pages[kind]*PageSize/(1024*1024)))
	}

	p := s.Predictor
	lines = append(lines, "table: prediction")
	lines = append(lines, "accesses predicted     hits   misses accuracy patterns  learned  evicted suppressed")
	lines = append(lines, fmt.Sprintf("%8d %9d %8d %8d %7.1f%% %8d %8d %8d %10d",
		p.Accesses, p.Predictions, p.Hits, p.Misses, p.Accuracy(), p.Patterns, p.Learned, p.Evicted, p.Suppressed))

	f := s.Prefetch
	lines = append(lines, "table: prefetch")
	lines = append(lines, "requests rejected  success     hits  evicted cancelled exhausted  timeouts  avg[ms] effective")
	lines = append(lines, fmt.Sprintf("%8d %8d %8d %8d %8d %9d %9d %9d %8.3f %8.1f%%",
		f.Requests, f.Rejected, f.Successes, f.Hits, f.Evictions, f.Cancellations, f.ResourceExhausted,
		f.Timeouts, float64(f.AverageLatency().Microseconds())/1000, 100*f.Effectiveness()))

	lines = append(lines, "table: transfers")
	lines = append(lines, "transferred[K] saved[K] compressed[pages]")
	lines = append(lines, fmt.Sprintf("%14d %8d %17d", s.BytesTransferred/1024, s.BytesSaved/1024, s.Compressed.Pages))

	if len(s.Nodes) > 0 {
		lines = append(lines, "table: nodes")
		lines = append(lines, "    node conn  lat[us] bw[MB/s]  free[M] regions requests failures address")
		for _, n := range s.Nodes {
			conn := "no"
			if n.Connected {
				conn = "yes"
			}
			lines = append(lines, fmt.Sprintf("%8d %4s %8d %8.1f %8d %7d %8d %8d %s",
				n.Node, conn, n.Latency.Microseconds(), n.BandwidthMBps, n.FreeMemory/(1024*1024),
				n.Regions, n.Requests, n.Failures, n.Address))
		}
	}

	return strings.Join(lines, "\n")
}
