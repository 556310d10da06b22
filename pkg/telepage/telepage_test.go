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
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/telepaging/pkg/config"
	"github.com/intel/telepaging/pkg/telepage/codec"
	"github.com/intel/telepaging/pkg/telepage/protocol"
	"github.com/intel/telepaging/pkg/telepage/remote"
)

const (
	testPID  = 100
	testBase = 0x7f0000000000
)

// env is a Context with its local arenas and remote nodes.
type env struct {
	ctx    *Context
	arenas map[TierKind]*Arena
	pools  map[TierKind]Pool
	server *remote.Server
	tlb    *recordingTLB
	sched  *countingScheduler
}

type envOption func(*envOptions)

type envOptions struct {
	cfg    Config
	remote bool
	pools  map[TierKind]func(*Arena) Pool
}

func withConfig(fn func(*Config)) envOption {
	return func(o *envOptions) {
		fn(&o.cfg)
	}
}

func withRemote() envOption {
	return func(o *envOptions) {
		o.remote = true
	}
}

// withPool wraps the arena of a tier.
func withPool(kind TierKind, wrap func(*Arena) Pool) envOption {
	return func(o *envOptions) {
		o.pools[kind] = wrap
	}
}

func newEnv(t *testing.T, opts ...envOption) *env {
	o := &envOptions{
		cfg:   DefaultConfig(),
		pools: map[TierKind]func(*Arena) Pool{},
	}
	for _, opt := range opts {
		opt(o)
	}

	e := &env{
		arenas: map[TierKind]*Arena{},
		pools:  map[TierKind]Pool{},
		tlb:    &recordingTLB{},
		sched:  &countingScheduler{GoroutineScheduler: NewGoroutineScheduler()},
	}
	for _, kind := range []TierKind{TeraPage, HBM} {
		a, err := NewArena(kind.String(), uint64(kind+1)<<32, 64*PageSize)
		require.NoError(t, err)
		t.Cleanup(func() { a.Close() })
		e.arenas[kind] = a
		e.pools[kind] = a
		if wrap, ok := o.pools[kind]; ok {
			e.pools[kind] = wrap(a)
		}
	}

	var pool *remote.Pool
	if o.remote {
		tr, err := protocol.NewTransform(codec.None, codec.LevelDefault, protocol.EncryptionNone, nil)
		require.NoError(t, err)
		e.server = remote.NewServer(2, remote.NewStore(1<<20), tr)
		require.NoError(t, e.server.Listen("127.0.0.1:0"))
		t.Cleanup(e.server.Close)
		pool = remote.NewPool([]remote.Node{{ID: 2, Address: e.server.Addr(), Memory: 1 << 20}},
			remote.Options{Local: 1})
		t.Cleanup(pool.Close)
	}

	c, err := New(Options{
		Config:    o.cfg,
		Pools:     e.pools,
		Remote:    pool,
		Scheduler: e.sched,
		TLB:       e.tlb,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	e.ctx = c

	return e
}

func (e *env) allocated(kind TierKind) uint64 {
	return e.arenas[kind].Stats().Allocated
}

func (e *env) served() uint64 {
	return e.server.Stats().Served
}

// recordingTLB records flushed pages.
type recordingTLB struct {
	sync.Mutex
	flushed []uint64
}

func (t *recordingTLB) Flush(_ int, addr uint64) {
	t.Lock()
	defer t.Unlock()
	t.flushed = append(t.flushed, addr)
}

func (t *recordingTLB) flushes() []uint64 {
	t.Lock()
	defer t.Unlock()
	return append([]uint64{}, t.flushed...)
}

// countingScheduler counts goroutines entering Block.
type countingScheduler struct {
	*GoroutineScheduler
	blocking atomic.Int32
}

func (s *countingScheduler) Block(ctx context.Context, id uint64, done <-chan struct{}) error {
	s.blocking.Add(1)
	return s.GoroutineScheduler.Block(ctx, id, done)
}

// gatedPool holds allocations back until its gate is opened.
type gatedPool struct {
	*Arena
	gate    chan struct{}
	waiting atomic.Int32
}

func (p *gatedPool) AllocatePage() (uint64, error) {
	p.waiting.Add(1)
	<-p.gate
	return p.Arena.AllocatePage()
}

// faultyPool fails or corrupts copies into it.
type faultyPool struct {
	*Arena
	failAlloc bool
	failWrite bool
	corrupt   bool
}

func (p *faultyPool) AllocatePage() (uint64, error) {
	if p.failAlloc {
		return 0, errors.Wrap(ErrOutOfMemory, "no frames for you")
	}
	return p.Arena.AllocatePage()
}

func (p *faultyPool) Write(addr uint64, data []byte) error {
	if p.failWrite {
		return errors.New("write failed")
	}
	return p.Arena.Write(addr, data)
}

func (p *faultyPool) Read(addr uint64, buf []byte) error {
	if err := p.Arena.Read(addr, buf); err != nil {
		return err
	}
	if p.corrupt {
		buf[0] ^= 0xff
	}
	return nil
}

func pattern(seed byte) []byte {
	data := make([]byte, PageSize)
	for i := range data {
		data[i] = seed + byte(i*7)
	}
	return data
}

// mapLocal maps pages to TeraPage memory filled with pattern(seed+page).
func mapLocal(t *testing.T, as *AddressSpace, addr uint64, pages int, seed byte) {
	require.NoError(t, as.Map(context.Background(), addr, uint64(pages)*PageSize, TeraPage, ReadWrite))
	for i := 0; i < pages; i++ {
		require.NoError(t, as.WritePage(addr+uint64(i)*PageSize, pattern(seed+byte(i))))
	}
}

func requireTier(t *testing.T, as *AddressSpace, addr uint64, kind TierKind) {
	got, _, _, ok := as.Lookup(addr)
	require.True(t, ok, "%#x not mapped", addr)
	require.Equal(t, kind, got, "tier of %#x", addr)
}

func requireContents(t *testing.T, as *AddressSpace, addr uint64, data []byte) {
	got, err := as.ReadPage(context.Background(), addr)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got), "contents of %#x differ", addr)
}

func TestMapUnmap(t *testing.T) {
	e := newEnv(t)
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	require.NoError(t, as.Map(ctx, testBase, 4*PageSize, TeraPage, ReadWrite))
	require.NoError(t, as.Map(ctx, testBase+4*PageSize, 2*PageSize, Compressed, ReadOnly))
	require.Equal(t, uint64(4), e.allocated(TeraPage))
	require.Equal(t, 4, e.ctx.ReverseMap().Len())

	tcases := []struct {
		name  string
		start uint64
		size  uint64
		state TierState
	}{
		{name: "local", start: testBase, size: 4 * PageSize, state: LocalMapped},
		{name: "single page", start: testBase + PageSize, size: 1, state: LocalMapped},
		{name: "compressed", start: testBase + 4*PageSize, size: 2 * PageSize, state: CompressedMapped},
		{name: "local and compressed", start: testBase, size: 6 * PageSize, state: SplitMapped},
		{name: "partially mapped", start: testBase + 4*PageSize, size: 4 * PageSize, state: SplitMapped},
		{name: "unmapped", start: testBase + 16*PageSize, size: PageSize, state: Unmapped},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.state, as.State(tc.start, tc.size))
		})
	}

	err := as.Map(ctx, testBase+5*PageSize, 2*PageSize, TeraPage, ReadWrite)
	require.ErrorIs(t, err, ErrInvalidAddress)
	err = as.Map(ctx, testBase+100, PageSize, TeraPage, ReadWrite)
	require.ErrorIs(t, err, ErrInvalidAddress)
	err = as.Map(ctx, testBase+32*PageSize, PageSize, Remote, ReadWrite)
	require.ErrorIs(t, err, ErrInvalidTier)
	require.Equal(t, uint64(4), e.allocated(TeraPage), "failed maps leaked frames")

	require.Equal(t, uint64(2), as.Unmap(testBase+PageSize, 2*PageSize))
	require.Equal(t, uint64(2), e.allocated(TeraPage))
	require.Equal(t, 2, e.ctx.ReverseMap().Len())
	require.Equal(t, []uint64{testBase + PageSize, testBase + 2*PageSize}, e.tlb.flushes())
	require.Equal(t, SplitMapped, as.State(testBase, 4*PageSize))

	require.Equal(t, uint64(4), as.Unmap(testBase, 8*PageSize))
	require.Equal(t, uint64(0), e.allocated(TeraPage))
	require.Equal(t, Unmapped, as.State(testBase, 8*PageSize))
	require.Zero(t, e.ctx.GetStats().Compressed.Pages)
}

func TestWritePage(t *testing.T) {
	e := newEnv(t)
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	mapLocal(t, as, testBase, 2, 1)
	requireContents(t, as, testBase+PageSize, pattern(2))

	require.NoError(t, as.Map(ctx, testBase+2*PageSize, PageSize, TeraPage, ReadOnly))
	require.ErrorIs(t, as.WritePage(testBase+2*PageSize, []byte{1}), ErrAccessDenied)

	require.NoError(t, as.Map(ctx, testBase+3*PageSize, PageSize, Compressed, ReadWrite))
	require.ErrorIs(t, as.WritePage(testBase+3*PageSize, []byte{1}), ErrNotRemote)
	requireContents(t, as, testBase+3*PageSize, make([]byte, PageSize))

	require.ErrorIs(t, as.WritePage(testBase+8*PageSize, []byte{1}), ErrInvalidAddress)
}

func TestFaultCompressed(t *testing.T) {
	e := newEnv(t)
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	mapLocal(t, as, testBase, 1, 42)
	require.NoError(t, as.Migrate(ctx, testBase, Compressed))
	requireTier(t, as, testBase, Compressed)
	require.Equal(t, CompressedMapped, as.State(testBase, PageSize))
	require.Zero(t, e.allocated(TeraPage))
	require.Zero(t, e.ctx.ReverseMap().Len())

	require.Equal(t, Success, as.HandlePageFault(ctx, testBase+123, false))
	requireTier(t, as, testBase, TeraPage)
	requireContents(t, as, testBase, pattern(42))
	require.Equal(t, uint64(1), e.allocated(TeraPage))
	require.Equal(t, 1, e.ctx.ReverseMap().Len())
	require.Zero(t, e.ctx.GetStats().Compressed.Pages)

	require.Equal(t, NotRemote, as.HandlePageFault(ctx, testBase, true))
	require.Equal(t, NotRemote, as.HandlePageFault(ctx, testBase+PageSize, false))

	stats := e.ctx.GetStats()
	require.Equal(t, uint64(1), stats.Faults)
	require.Equal(t, uint64(1), stats.CompressedFaults)
	require.Equal(t, uint64(2), stats.NotRemote)
	require.Equal(t, uint64(1), stats.MigrationsCompress)
	require.Zero(t, stats.FaultErrors)
	require.Contains(t, stats.Summarize(), "table: faults")
}

func TestFaultAccessDenied(t *testing.T) {
	e := newEnv(t)
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	tcases := []struct {
		name    string
		mapType MapType
		isWrite bool
		result  FaultResult
	}{
		{name: "read of read-only", mapType: ReadOnly, isWrite: false, result: Success},
		{name: "write to read-only", mapType: ReadOnly, isWrite: true, result: AccessDenied},
		{name: "write to executable", mapType: ReadExecute, isWrite: true, result: AccessDenied},
		{name: "write to read-write", mapType: ReadWrite, isWrite: true, result: Success},
	}
	for i, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			addr := testBase + uint64(i)*PageSize
			require.NoError(t, as.Map(ctx, addr, PageSize, Compressed, tc.mapType))
			require.Equal(t, tc.result, as.HandlePageFault(ctx, addr, tc.isWrite))
			kind := Compressed
			if tc.result == Success {
				kind = TeraPage
			}
			requireTier(t, as, addr, kind)
			_, _, mapType, _ := as.Lookup(addr)
			require.Equal(t, tc.mapType, mapType)
		})
	}
}

func TestFaultCoalescing(t *testing.T) {
	gate := make(chan struct{})
	e := newEnv(t, withRemote(), withPool(TeraPage, func(a *Arena) Pool {
		return &gatedPool{Arena: a, gate: gate}
	}))
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	// two pages so that the region outlives the fault
	require.NoError(t, as.Map(ctx, testBase, 2*PageSize, Remote, ReadWrite))
	requireTier(t, as, testBase, Remote)
	served := e.served()

	const faulters = 8
	results := make(chan FaultResult, faulters)
	for i := 0; i < faulters; i++ {
		go func(i int) {
			results <- as.HandlePageFault(ctx, testBase+uint64(i)*8, i%2 == 0)
		}(i)
	}
	require.Eventually(t, func() bool { return e.sched.blocking.Load() == faulters-1 },
		5*time.Second, time.Millisecond)
	close(gate)

	for i := 0; i < faulters; i++ {
		require.Equal(t, Success, <-results)
	}
	require.Equal(t, served+1, e.served(), "page fetched more than once")
	requireTier(t, as, testBase, TeraPage)
	requireTier(t, as, testBase+PageSize, Remote)
	requireContents(t, as, testBase, make([]byte, PageSize))

	stats := e.ctx.GetStats()
	require.Equal(t, uint64(faulters), stats.Faults)
	require.Equal(t, uint64(faulters), stats.RemoteFaults)
	require.Equal(t, uint64(faulters-1), stats.Coalesced)
	require.Equal(t, uint64(PageSize), stats.BytesTransferred)
}

func TestFaultRemoteFailure(t *testing.T) {
	e := newEnv(t, withRemote())
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	require.NoError(t, as.Map(ctx, testBase, PageSize, Remote, ReadWrite))
	e.server.Close()

	result := as.HandlePageFault(ctx, testBase, false)
	require.Contains(t, []FaultResult{ConnectionError, Timeout}, result)
	requireTier(t, as, testBase, Remote)
	require.Zero(t, e.allocated(TeraPage))
	require.Equal(t, uint64(1), e.ctx.GetStats().FaultErrors)
}

func TestMigrateRemoteRoundTrip(t *testing.T) {
	e := newEnv(t, withRemote())
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	mapLocal(t, as, testBase, 3, 9)
	require.NoError(t, as.Migrate(ctx, testBase+PageSize, Remote))

	requireTier(t, as, testBase, TeraPage)
	requireTier(t, as, testBase+PageSize, Remote)
	requireTier(t, as, testBase+2*PageSize, TeraPage)
	_, node, _, _ := as.Lookup(testBase + PageSize)
	require.Equal(t, uint64(2), node)
	require.Equal(t, uint64(2), e.allocated(TeraPage))
	require.Equal(t, []uint64{testBase + PageSize}, e.tlb.flushes())
	require.Equal(t, SplitMapped, as.State(testBase, 3*PageSize))
	requireContents(t, as, testBase+PageSize, pattern(10))
	require.Equal(t, 1, e.server.Stats().Store.Regions)

	require.NoError(t, as.Migrate(ctx, testBase+PageSize, TeraPage))
	requireTier(t, as, testBase+PageSize, TeraPage)
	requireContents(t, as, testBase+PageSize, pattern(10))
	require.Equal(t, uint64(3), e.allocated(TeraPage))
	require.Eventually(t, func() bool { return e.server.Stats().Store.Regions == 0 },
		5*time.Second, time.Millisecond, "remote region not freed")

	for i := uint64(0); i < 3; i++ {
		requireContents(t, as, testBase+i*PageSize, pattern(9+byte(i)))
	}

	stats := e.ctx.GetStats()
	require.Equal(t, uint64(1), stats.MigrationsRemote)
	require.Equal(t, uint64(1), stats.MigrationsLocal)
	require.Equal(t, uint64(2), stats.Migrations)
}

func TestMigrateFailure(t *testing.T) {
	tcases := []struct {
		name string
		pool *faultyPool
		err  error
	}{
		{name: "out of memory", pool: &faultyPool{failAlloc: true}, err: ErrOutOfMemory},
		{name: "write fails", pool: &faultyPool{failWrite: true}},
		{name: "copy corrupted", pool: &faultyPool{corrupt: true}, err: ErrChecksum},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, withPool(HBM, func(a *Arena) Pool {
				tc.pool.Arena = a
				return tc.pool
			}))
			as := e.ctx.Process(testPID)
			mapLocal(t, as, testBase, 2, 5)

			err := as.Migrate(context.Background(), testBase, HBM)
			require.Error(t, err)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}

			requireTier(t, as, testBase, TeraPage)
			requireContents(t, as, testBase, pattern(5))
			require.Equal(t, uint64(2), e.allocated(TeraPage))
			require.Zero(t, e.allocated(HBM), "destination frame leaked")
			require.Empty(t, e.tlb.flushes())
			require.Equal(t, uint64(1), e.ctx.GetStats().FailedMigrations)
		})
	}
}

func TestMigrateLocalTiers(t *testing.T) {
	e := newEnv(t)
	as := e.ctx.Process(testPID)
	ctx := context.Background()
	mapLocal(t, as, testBase, 1, 77)

	oldFrame := e.arenas[TeraPage].base
	require.Equal(t, []Mapping{{PID: testPID, Addr: testBase}}, e.ctx.ReverseMap().Get(oldFrame))

	require.NoError(t, as.Migrate(ctx, testBase, HBM))
	requireTier(t, as, testBase, HBM)
	requireContents(t, as, testBase, pattern(77))
	require.Empty(t, e.ctx.ReverseMap().Get(oldFrame))
	require.Equal(t, []Mapping{{PID: testPID, Addr: testBase}}, e.ctx.ReverseMap().Get(e.arenas[HBM].base))
	require.NoError(t, as.Migrate(ctx, testBase, HBM), "migration to the same tier")
	require.Equal(t, uint64(1), e.ctx.GetStats().MigrationsBetween)
}

func TestWriteDuringMigration(t *testing.T) {
	gated := &gatedPool{gate: make(chan struct{})}
	e := newEnv(t, withPool(HBM, func(a *Arena) Pool {
		gated.Arena = a
		return gated
	}))
	as := e.ctx.Process(testPID)
	ctx := context.Background()
	mapLocal(t, as, testBase, 1, 1)

	migrated := make(chan error, 1)
	go func() {
		migrated <- as.Migrate(ctx, testBase, HBM)
	}()
	require.Eventually(t, func() bool { return gated.waiting.Load() == 1 }, 5*time.Second, time.Millisecond)

	written := make(chan error, 1)
	go func() {
		written <- as.WritePage(testBase, pattern(77))
	}()
	require.Never(t, func() bool { return len(written) > 0 }, 50*time.Millisecond, time.Millisecond,
		"write completed while the page was being migrated")

	close(gated.gate)
	require.NoError(t, <-migrated)
	require.NoError(t, <-written)
	requireTier(t, as, testBase, HBM)
	requireContents(t, as, testBase, pattern(77))
}

func TestMigrateRestrictions(t *testing.T) {
	tcases := []struct {
		name   string
		mode   Mode
		limit  int
		target TierKind
		err    error
	}{
		{name: "disabled", mode: Disabled, limit: 5, target: Compressed, err: ErrDisabled},
		{name: "too far", mode: Full, limit: 3, target: Compressed, err: ErrMigrationDistance},
		{name: "no remote nodes", mode: Full, limit: 5, target: Remote, err: ErrInvalidTier},
		{name: "unmapped", mode: Full, limit: 5, target: Compressed, err: ErrInvalidAddress},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, withConfig(func(cfg *Config) {
				cfg.Mode = tc.mode
				cfg.MaxMigrationDistance = tc.limit
			}))
			as := e.ctx.Process(testPID)
			addr := uint64(testBase)
			if tc.err != ErrInvalidAddress {
				mapLocal(t, as, addr, 1, 1)
			} else {
				addr += 64 * PageSize
			}
			require.ErrorIs(t, as.Migrate(context.Background(), addr, tc.target), tc.err)
		})
	}
}

func TestPrefetchHint(t *testing.T) {
	e := newEnv(t)
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	mapLocal(t, as, testBase, 8, 20)
	for i := uint64(0); i < 8; i++ {
		require.NoError(t, as.Migrate(ctx, testBase+i*PageSize, Compressed))
	}
	require.NoError(t, as.Map(ctx, testBase+8*PageSize, PageSize, TeraPage, ReadWrite))

	queued, err := as.Prefetch(ctx, testBase, 9*PageSize)
	require.NoError(t, err)
	require.Equal(t, 8, queued)

	p := e.ctx.Prefetcher()
	for p.QueueLength() > 0 {
		p.ProcessQueue(ctx)
	}
	require.Equal(t, 8, p.PrefetchedCount())
	require.Equal(t, uint64(9), e.allocated(TeraPage))

	require.Equal(t, Success, as.HandlePageFault(ctx, testBase+3*PageSize, false))
	requireContents(t, as, testBase+3*PageSize, pattern(23))
	require.Equal(t, uint64(1), e.ctx.GetStats().PrefetchHits)
	require.Equal(t, 7, p.PrefetchedCount())

	// unmapping drops the prefetched copies
	as.Unmap(testBase, 8*PageSize)
	require.Zero(t, p.PrefetchedCount())
	require.Equal(t, uint64(1), e.allocated(TeraPage))
}

func TestFaultReclaimsPrefetched(t *testing.T) {
	e := newEnv(t)
	as := e.ctx.Process(testPID)
	ctx := context.Background()

	require.NoError(t, as.Map(ctx, testBase, 9*PageSize, Compressed, ReadWrite))
	queued, err := as.Prefetch(ctx, testBase, 8*PageSize)
	require.NoError(t, err)
	require.Equal(t, 8, queued)

	p := e.ctx.Prefetcher()
	for p.QueueLength() > 0 {
		p.ProcessQueue(ctx)
	}
	require.Equal(t, 8, p.PrefetchedCount())

	// fill up the rest of the pool
	require.NoError(t, as.Map(ctx, testBase+16*PageSize, 56*PageSize, TeraPage, ReadWrite))
	require.Equal(t, uint64(64), e.allocated(TeraPage))

	require.Equal(t, Success, as.HandlePageFault(ctx, testBase+8*PageSize, false))
	requireTier(t, as, testBase+8*PageSize, TeraPage)
	requireContents(t, as, testBase+8*PageSize, make([]byte, PageSize))

	require.Zero(t, p.PrefetchedCount())
	require.Equal(t, uint64(8), e.ctx.GetStats().Reclaimed)
	require.Equal(t, uint64(57), e.allocated(TeraPage))
	requireTier(t, as, testBase, Compressed)
}

func TestPrefetchDisabledByMode(t *testing.T) {
	e := newEnv(t, withConfig(func(cfg *Config) { cfg.Mode = PredictionOnly }))
	as := e.ctx.Process(testPID)
	require.NoError(t, as.Map(context.Background(), testBase, PageSize, Compressed, ReadWrite))

	_, err := as.Prefetch(context.Background(), testBase, PageSize)
	require.ErrorIs(t, err, ErrDisabled)
	require.False(t, e.ctx.Prefetcher().Enabled())
}

func TestSequentialPrefetch(t *testing.T) {
	tcases := []struct {
		name     string
		mode     Mode
		accesses int
		predicts bool
		expected []uint64
	}{
		{
			name:     "full",
			mode:     Full,
			accesses: 4,
			predicts: true,
			expected: pages(testBase, 4, 5, 6, 7),
		},
		{
			name:     "prefetch only",
			mode:     PrefetchOnly,
			accesses: 1,
			expected: pages(testBase, 1, 2, 3, 4),
		},
		{
			name:     "prediction only",
			mode:     PredictionOnly,
			accesses: 4,
			predicts: true,
			expected: []uint64{},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, withConfig(func(cfg *Config) { cfg.Mode = tc.mode }))
			as := e.ctx.Process(testPID)
			ctx := context.Background()
			require.NoError(t, as.Map(ctx, testBase, 16*PageSize, Compressed, ReadWrite))

			for i := 0; i < tc.accesses; i++ {
				as.TrackPageAccess(testBase + uint64(i)*PageSize)
			}

			p := e.ctx.Prefetcher()
			require.Equal(t, len(tc.expected), p.QueueLength())
			for p.QueueLength() > 0 {
				p.ProcessQueue(ctx)
			}
			for _, page := range tc.expected {
				require.True(t, p.Prefetched(testPID, page), "%#x not prefetched", page)
			}

			stats := e.ctx.GetStats()
			require.Equal(t, tc.predicts, stats.Predictor.Predictions > 0, "predictions made")
			require.Equal(t, uint64(len(tc.expected)), stats.Prefetch.Requests)
		})
	}
}

func TestAutoMigrate(t *testing.T) {
	e := newEnv(t, withConfig(func(cfg *Config) {
		cfg.Migration.ColdThreshold = config.Duration(100 * time.Millisecond)
		cfg.Migration.HotAccessCount = 2
	}))
	as := e.ctx.Process(testPID)
	ctx := context.Background()
	mapLocal(t, as, testBase, 4, 30)

	moved, err := e.ctx.migrator.AutoMigrate(ctx)
	require.NoError(t, err)
	require.Zero(t, moved, "fresh pages are not cold")

	time.Sleep(200 * time.Millisecond)
	moved, err = e.ctx.migrator.AutoMigrate(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, moved)
	require.Equal(t, CompressedMapped, as.State(testBase, 4*PageSize))
	require.Zero(t, e.allocated(TeraPage))

	for i := 0; i < 3; i++ {
		as.TrackPageAccess(testBase + PageSize)
	}
	moved, err = e.ctx.migrator.AutoMigrate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	requireTier(t, as, testBase+PageSize, TeraPage)
	requireContents(t, as, testBase+PageSize, pattern(31))
	require.Equal(t, uint64(3), e.ctx.GetStats().Scans)
}

func TestRemoveProcess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, pid := range []int{1, 2} {
		as := e.ctx.Process(pid)
		mapLocal(t, as, testBase, 3, byte(pid))
	}
	require.Equal(t, []int{1, 2}, e.ctx.Processes())
	require.Equal(t, uint64(6), e.allocated(TeraPage))

	e.ctx.RemoveProcess(1)
	require.Equal(t, []int{2}, e.ctx.Processes())
	require.Equal(t, uint64(3), e.allocated(TeraPage))
	requireContents(t, e.ctx.Process(2), testBase, pattern(2))

	// a new address space of the pid starts empty
	require.Equal(t, Unmapped, e.ctx.Process(1).State(testBase, PageSize))
	_, err := e.ctx.Process(1).ReadPage(ctx, testBase)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestReconfigure(t *testing.T) {
	e := newEnv(t)

	cfg := e.ctx.Config()
	cfg.Mode = PredictionOnly
	cfg.Profile = ProfilePerformance
	cfg.Migration = MigrationConfig{}
	cfg.Prefetcher.MemoryBudget = 0
	require.NoError(t, e.ctx.Reconfigure(cfg))

	got := e.ctx.Config()
	require.Equal(t, PredictionOnly, got.Mode)
	require.Equal(t, 500*time.Millisecond, got.Migration.ScanInterval.Std())
	require.Equal(t, uint64(8<<20), got.Prefetcher.MemoryBudget)
	require.False(t, e.ctx.Prefetcher().Enabled())

	cfg.PrefetchWindow = -1
	require.Error(t, e.ctx.Reconfigure(cfg))
	require.Equal(t, PredictionOnly, e.ctx.Config().Mode)
}

func TestRun(t *testing.T) {
	e := newEnv(t, withConfig(func(cfg *Config) {
		cfg.Transfer.MaintenanceInterval = config.Duration(time.Millisecond)
		cfg.Migration.ScanInterval = config.Duration(time.Millisecond)
	}))
	as := e.ctx.Process(testPID)
	require.NoError(t, as.Map(context.Background(), testBase, 16*PageSize, Compressed, ReadWrite))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- e.ctx.Run(ctx)
	}()

	_, err := as.Prefetch(ctx, testBase, 4*PageSize)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.ctx.Prefetcher().PrefetchedCount() == 4 },
		5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return e.ctx.GetStats().Scans > 0 },
		5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
