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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fetcher hands out fake frames for prefetched pages.
type fetcher struct {
	sync.Mutex
	frame    uint64
	fetched  []uint64
	released []uint64
	hold     chan struct{}
	err      error
}

func (f *fetcher) fetch(ctx context.Context, _ int, page uint64) (uint64, error) {
	f.Lock()
	f.fetched = append(f.fetched, page)
	hold, err := f.hold, f.err
	f.frame++
	frame := 0x100000 + f.frame*PageSize
	f.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	return frame, nil
}

func (f *fetcher) release(frame uint64) {
	f.Lock()
	defer f.Unlock()
	f.released = append(f.released, frame)
}

func (f *fetcher) releasedFrames() []uint64 {
	f.Lock()
	defer f.Unlock()
	return append([]uint64{}, f.released...)
}

func newTestPrefetcher(opts PrefetcherOptions) (*Prefetcher, *fetcher) {
	if opts.Policy == PolicyDisabled {
		opts.Policy = PolicyStandard
	}
	if opts.Window == 0 {
		opts.Window = 4
	}
	if opts.MemoryBudget == 0 {
		opts.MemoryBudget = 4 << 20
	}
	f := &fetcher{}
	return NewPrefetcher(opts, f.fetch, f.release), f
}

func drain(p *Prefetcher) int {
	total := 0
	for p.QueueLength() > 0 {
		total += p.ProcessQueue(context.Background())
	}
	return total
}

func TestPrefetchAdmission(t *testing.T) {
	p, _ := newTestPrefetcher(PrefetcherOptions{MinConfidence: 70})

	tcases := []struct {
		name       string
		page       uint64
		confidence int
		result     PrefetchResult
	}{
		{name: "confident", page: 0x1000, confidence: 80, result: PrefetchSuccess},
		{name: "unaligned duplicate", page: 0x1800, confidence: 90, result: Rejected},
		{name: "not confident", page: 0x2000, confidence: 50, result: Rejected},
		{name: "threshold", page: 0x3000, confidence: 70, result: PrefetchSuccess},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, p.RequestPrefetch(1, tc.page, Medium, tc.confidence, SourceStride))
		})
	}
	require.Equal(t, 2, p.QueueLength())

	require.Equal(t, 2, drain(p))
	require.Equal(t, AlreadyInMemory, p.RequestPrefetch(1, 0x1000, Medium, 80, SourceStride))
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(2, 0x1000, Medium, 80, SourceStride))

	stats := p.Stats()
	require.Equal(t, uint64(3), stats.Requests)
	require.Equal(t, uint64(2), stats.Rejected)
	require.Equal(t, 2, stats.Cached)
	require.Equal(t, 1, stats.Queued)
}

func TestPrefetchPriorityOrder(t *testing.T) {
	p, f := newTestPrefetcher(PrefetcherOptions{MaxConcurrent: 1})

	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x1000, Low, 90, SourceSpatial))
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x2000, Medium, 80, SourcePattern))
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x3000, Critical, 50, SourceHint))
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x4000, Medium, 90, SourceStride))
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x5000, Medium, 80, SourcePattern))

	for i := 0; i < 5; i++ {
		require.Equal(t, 1, p.ProcessQueue(context.Background()))
	}
	require.Equal(t, []uint64{0x3000, 0x4000, 0x2000, 0x5000, 0x1000}, f.fetched)
}

func TestPrefetchBudgetEviction(t *testing.T) {
	p, f := newTestPrefetcher(PrefetcherOptions{MaxConcurrent: 1, MemoryBudget: 4 << 20})

	const n = (4 << 20) / PageSize
	for i := uint64(0); i < n; i++ {
		require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, i*PageSize, Medium, 80, SourceStride))
	}
	require.Equal(t, n, drain(p))
	require.Equal(t, n, p.PrefetchedCount())
	require.Equal(t, uint64(4<<20), p.MemoryUsage())

	// the oldest prefetched page makes room for a new request
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, n*PageSize, Low, 80, SourceStride))
	require.Equal(t, []uint64{0x100000 + PageSize}, f.releasedFrames())
	require.False(t, p.Prefetched(1, 0))
	require.True(t, p.Prefetched(1, PageSize))
	require.Equal(t, uint64(4<<20)-PageSize, p.MemoryUsage())
	require.Equal(t, uint64(1), p.Stats().Evictions)
}

func TestPrefetchBudgetExhausted(t *testing.T) {
	p, _ := newTestPrefetcher(PrefetcherOptions{MemoryBudget: 2 * PageSize})

	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x1000, Low, 80, SourceSpatial))
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x2000, Medium, 80, SourceStride))

	tcases := []struct {
		name     string
		page     uint64
		priority Priority
		result   PrefetchResult
		queued   []uint64
	}{
		{name: "low is dropped", page: 0x3000, priority: Low, result: ResourceExhausted},
		{name: "medium replaces low", page: 0x4000, priority: Medium, result: PrefetchSuccess},
		{name: "medium does not replace medium", page: 0x5000, priority: Medium, result: ResourceExhausted},
		{name: "high replaces medium", page: 0x6000, priority: High, result: PrefetchSuccess},
		{name: "critical replaces medium", page: 0x7000, priority: Critical, result: PrefetchSuccess},
		{name: "high does not replace high", page: 0x8000, priority: High, result: ResourceExhausted},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, p.RequestPrefetch(1, tc.page, tc.priority, 80, SourceHint))
			require.Equal(t, 2, p.QueueLength())
		})
	}

	stats := p.Stats()
	require.Equal(t, uint64(3), stats.ResourceExhausted)
	require.Equal(t, uint64(3), stats.Cancellations)
	require.NotContains(t, p.queued, pageKey{1, 0x1000}, "low priority request still queued")
}

func TestPrefetchDisable(t *testing.T) {
	p, f := newTestPrefetcher(PrefetcherOptions{})
	for i := uint64(1); i <= 3; i++ {
		require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, i*PageSize, Medium, 80, SourceStride))
	}

	p.SetEnabled(false)
	require.False(t, p.Enabled())
	require.Zero(t, p.QueueLength())
	require.Equal(t, Rejected, p.RequestPrefetch(1, PageSize, Medium, 80, SourceStride))
	require.Zero(t, p.ProcessQueue(context.Background()))
	require.Empty(t, f.fetched)

	p.SetEnabled(true)
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, PageSize, Medium, 80, SourceStride))
	require.Equal(t, 1, drain(p))
}

func TestPrefetchInvalidateInFlight(t *testing.T) {
	p, f := newTestPrefetcher(PrefetcherOptions{MaxConcurrent: 4})
	f.hold = make(chan struct{})

	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x1000, Medium, 80, SourceStride))
	require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x9000, Medium, 80, SourceStride))

	done := make(chan int)
	go func() {
		done <- p.ProcessQueue(context.Background())
	}()
	require.Eventually(t, func() bool { return p.InFlight() == 2 }, time.Second, time.Millisecond)

	require.Equal(t, 1, p.Invalidate(1, NewAddrRange(0, 0x2000)))
	close(f.hold)
	require.Equal(t, 1, <-done)

	require.False(t, p.Prefetched(1, 0x1000))
	require.True(t, p.Prefetched(1, 0x9000))
	require.Len(t, f.releasedFrames(), 1)
	require.Equal(t, uint64(1), p.Stats().Cancellations)
}

func TestPrefetchHitAndReclaim(t *testing.T) {
	p, f := newTestPrefetcher(PrefetcherOptions{})
	for i := uint64(1); i <= 4; i++ {
		require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, i*PageSize, Medium, 80, SourceStride))
	}
	require.Equal(t, 4, drain(p))

	frame, ok := p.RecordHit(1, 2*PageSize+10)
	require.True(t, ok)
	require.NotZero(t, frame)
	_, ok = p.RecordHit(1, 2*PageSize)
	require.False(t, ok)
	require.Equal(t, uint64(3*PageSize), p.MemoryUsage())

	require.Equal(t, 2, p.Reclaim(2))
	require.Equal(t, 1, p.Reclaim(0))
	require.Zero(t, p.Reclaim(0))
	require.Len(t, f.releasedFrames(), 3)
	require.NotContains(t, f.releasedFrames(), frame)

	stats := p.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, 0.25, stats.Effectiveness())
}

func TestPrefetchFailures(t *testing.T) {
	tcases := []struct {
		name   string
		err    error
		cached bool
		check  func(*testing.T, PrefetchStats)
	}{
		{
			name: "local page",
			err:  errors.Wrap(ErrNotRemote, "already local"),
			check: func(t *testing.T, s PrefetchStats) {
				require.Zero(t, s.Failures)
			},
		},
		{
			name: "timeout",
			err:  errors.Wrap(ErrTimeout, "no reply"),
			check: func(t *testing.T, s PrefetchStats) {
				require.Equal(t, uint64(1), s.Timeouts)
			},
		},
		{
			name: "connection",
			err:  errors.Wrap(ErrConnection, "refused"),
			check: func(t *testing.T, s PrefetchStats) {
				require.Equal(t, uint64(1), s.Failures)
			},
		},
		{
			name:   "success",
			cached: true,
			check: func(t *testing.T, s PrefetchStats) {
				require.Equal(t, uint64(1), s.Successes)
			},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			p, f := newTestPrefetcher(PrefetcherOptions{})
			f.err = tc.err
			require.Equal(t, PrefetchSuccess, p.RequestPrefetch(1, 0x1000, Medium, 80, SourceStride))
			drain(p)
			require.Equal(t, tc.cached, p.Prefetched(1, 0x1000))
			require.Zero(t, p.InFlight())
			tc.check(t, p.Stats())
		})
	}
}

func TestEffectiveWindow(t *testing.T) {
	tcases := []struct {
		policy PrefetchPolicy
		window int
	}{
		{policy: PolicyConservative, window: 2},
		{policy: PolicyStandard, window: 4},
		{policy: PolicyAggressive, window: 8},
		{policy: PolicyAdaptive, window: 4},
	}
	for _, tc := range tcases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			p, _ := newTestPrefetcher(PrefetcherOptions{Policy: tc.policy, Window: 4})
			require.Equal(t, tc.window, p.EffectiveWindow())
		})
	}

	p, _ := newTestPrefetcher(PrefetcherOptions{})
	p.SetOptions(PrefetcherOptions{Policy: PolicyDisabled, Window: 4})
	require.Zero(t, p.EffectiveWindow())
	require.False(t, p.Enabled())
	require.Equal(t, Rejected, p.RequestPrefetch(1, 0x1000, Critical, 100, SourceHint))
}
