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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/intel/telepaging/pkg/telepage/codec"
	"github.com/intel/telepaging/pkg/telepage/protocol"
	"github.com/intel/telepaging/pkg/telepage/remote"
)

// arenaBase is the frame address of the first local arena. Arenas of
// consecutive tiers are spaced arenaSpacing apart.
const (
	arenaBase    = 1 << 40
	arenaSpacing = 1 << 40
)

// Options are the collaborators of a Context. Unset collaborators get
// defaults: arenas sized by the configuration, a goroutine scheduler, a
// counting TLB and a correlation predictor.
type Options struct {
	// Config is the configuration. Unset values are resolved from its profile.
	Config Config
	// Pools are the local memory tiers. TeraPage is required.
	Pools map[TierKind]Pool
	// Remote is the pool of remote node clients, nil without remote memory.
	Remote *remote.Pool
	// Cluster selects nodes for remote allocations, Remote if unset.
	Cluster Cluster
	// Scheduler suspends faulting threads.
	Scheduler Scheduler
	// TLB is flushed when pages change tiers.
	TLB TLB
	// Predictor predicts page accesses.
	Predictor Predictor
}

// Context is the state of the subsystem shared by all address spaces.
type Context struct {
	sync.RWMutex
	cfg        Config
	pools      map[TierKind]Pool
	arenas     []*Arena
	store      *CompressedStore
	remote     *remote.Pool
	cluster    Cluster
	sched      Scheduler
	tlb        TLB
	predictor  Predictor
	tracker    *AccessTracker
	prefetcher *Prefetcher
	migrator   *MigrationEngine
	faults     *PageFaultHandler
	rmap       *ReverseMap
	limiter    *rate.Limiter
	processes  map[int]*AddressSpace
	kick       chan struct{}
	frees      sync.WaitGroup
	ids        atomic.Uint64
	counters   counters
	closed     bool
}

// New creates a Context.
func New(opts Options) (*Context, error) {
	cfg := opts.Config.Resolved()

	c := &Context{
		cfg:       cfg,
		pools:     map[TierKind]Pool{},
		remote:    opts.Remote,
		cluster:   opts.Cluster,
		sched:     opts.Scheduler,
		tlb:       opts.TLB,
		predictor: opts.Predictor,
		tracker:   NewAccessTracker(cfg.heatOptions()),
		rmap:      NewReverseMap(),
		limiter:   newLimiter(cfg.Migration.Bandwidth),
		processes: map[int]*AddressSpace{},
		kick:      make(chan struct{}, 1),
	}

	for kind, pool := range opts.Pools {
		if !kind.IsLocal() {
			return nil, telepageError("%s is not a local tier", kind)
		}
		c.pools[kind] = pool
	}
	if err := c.createArenas(); err != nil {
		c.closeArenas()
		return nil, err
	}

	compressor, err := codec.Get(cfg.Transfer.Compression, codec.Level(cfg.Transfer.CompressionLevel))
	if err != nil {
		c.closeArenas()
		return nil, err
	}
	c.store = NewCompressedStore(compressor)

	if c.cluster == nil && c.remote != nil {
		c.cluster = c.remote
	}
	if c.sched == nil {
		c.sched = NewGoroutineScheduler()
	}
	if c.tlb == nil {
		c.tlb = &countingTLB{}
	}
	if c.predictor == nil {
		p, err := NewCorrelationPredictor(PredictorOptions{
			Window:   cfg.PrefetchWindow,
			Learning: cfg.LearningEnabled,
		})
		if err != nil {
			c.closeArenas()
			return nil, err
		}
		c.predictor = p
	}

	c.prefetcher = NewPrefetcher(cfg.prefetcherOptions(), c.prefetchPage, c.freeFrame)
	c.prefetcher.SetEnabled(cfg.Mode.prefetches())
	c.migrator = &MigrationEngine{ctx: c}
	c.faults = &PageFaultHandler{ctx: c}

	log.Info("context created: mode %s, profile %s, local tiers %v, remote nodes %d",
		cfg.Mode, cfg.Profile, c.localTiers(), c.remoteNodes())

	return c, nil
}

// createArenas creates arenas for configured tiers without a pool.
func (c *Context) createArenas() error {
	for kind, size := range c.cfg.Memory.Sizes() {
		if _, ok := c.pools[kind]; ok {
			continue
		}
		base := uint64(arenaBase + kind.Rank()*arenaSpacing)
		a, err := NewArena(kind.String(), base, size)
		if err != nil {
			return err
		}
		c.arenas = append(c.arenas, a)
		c.pools[kind] = a
	}
	if _, ok := c.pools[TeraPage]; !ok {
		return errors.Wrap(ErrInvalidTier, "no TeraPage memory")
	}
	return nil
}

func (c *Context) closeArenas() {
	for _, a := range c.arenas {
		if err := a.Close(); err != nil {
			log.Error("failed to close arena %s: %v", a.name, err)
		}
	}
	c.arenas = nil
}

func newLimiter(bandwidth int) *rate.Limiter {
	if bandwidth <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bandwidth)*(1<<20), 16*PageSize)
}

func (c *Context) localTiers() []TierKind {
	kinds := make([]TierKind, 0, len(c.pools))
	for kind := range c.pools {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (c *Context) remoteNodes() int {
	if c.remote == nil {
		return 0
	}
	return len(c.remote.Nodes())
}

// config returns the active configuration.
func (c *Context) config() Config {
	c.RLock()
	defer c.RUnlock()
	return c.cfg
}

// Config returns the active configuration.
func (c *Context) Config() Config {
	return c.config()
}

// Reconfigure applies a new configuration. Memory sizes and the node
// list only take effect on restart.
func (c *Context) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Resolved()

	c.Lock()
	c.cfg = cfg
	c.Unlock()

	c.limiter.SetLimit(newLimiter(cfg.Migration.Bandwidth).Limit())
	c.limiter.SetBurst(16 * PageSize)
	c.tracker.SetOptions(cfg.heatOptions())
	c.prefetcher.SetOptions(cfg.prefetcherOptions())
	c.prefetcher.SetEnabled(cfg.Mode.prefetches())
	if p, ok := c.predictor.(*CorrelationPredictor); ok {
		p.SetLearning(cfg.LearningEnabled)
		p.SetWindow(cfg.PrefetchWindow)
	}

	log.Info("reconfigured: mode %s, profile %s", cfg.Mode, cfg.Profile)
	return nil
}

// Process returns the address space of a process, creating it if necessary.
func (c *Context) Process(pid int) *AddressSpace {
	c.Lock()
	defer c.Unlock()
	as, ok := c.processes[pid]
	if !ok {
		as = newAddressSpace(c, pid)
		c.processes[pid] = as
	}
	return as
}

func (c *Context) lookupProcess(pid int) *AddressSpace {
	c.RLock()
	defer c.RUnlock()
	return c.processes[pid]
}

// Processes returns the ids of processes with an address space.
func (c *Context) Processes() []int {
	c.RLock()
	defer c.RUnlock()
	pids := make([]int, 0, len(c.processes))
	for pid := range c.processes {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// RemoveProcess unmaps everything of a process and drops its address space.
func (c *Context) RemoveProcess(pid int) {
	c.Lock()
	as, ok := c.processes[pid]
	delete(c.processes, pid)
	c.Unlock()

	if !ok {
		return
	}
	as.unmapAll()
	if p, ok := c.predictor.(*CorrelationPredictor); ok {
		p.Forget(pid)
	}
}

// ReverseMap returns the reverse map of local frames.
func (c *Context) ReverseMap() *ReverseMap {
	return c.rmap
}

// Prefetcher returns the prefetcher.
func (c *Context) Prefetcher() *Prefetcher {
	return c.prefetcher
}

// Predictor returns the predictor.
func (c *Context) Predictor() Predictor {
	return c.predictor
}

// Remote returns the remote node pool, if any.
func (c *Context) Remote() *remote.Pool {
	return c.remote
}

// allocFrame allocates a frame of a local tier. If the tier is out of
// memory, prefetched pages are reclaimed and allocation is retried once.
func (c *Context) allocFrame(kind TierKind) (uint64, error) {
	pool, ok := c.pools[kind]
	if !ok {
		return 0, errors.Wrapf(ErrInvalidTier, "no %s memory", kind)
	}
	frame, err := pool.AllocatePage()
	if err == nil || !errors.Is(err, ErrOutOfMemory) {
		return frame, err
	}
	if kind != TeraPage {
		return 0, err
	}
	if n := c.prefetcher.Reclaim(reclaimBatch); n > 0 {
		log.Debug("out of memory, reclaimed %d prefetched page(s)", n)
		c.counters.reclaimed.Add(uint64(n))
		return pool.AllocatePage()
	}
	return 0, err
}

// reclaimBatch is the number of prefetched pages reclaimed at once.
const reclaimBatch = 16

// freeFrame returns a TeraPage frame to its pool.
func (c *Context) freeFrame(frame uint64) {
	c.pools[TeraPage].FreePage(frame)
}

// releasePage implements releaser.
func (c *Context) releasePage(kind TierKind, item uint64) {
	switch {
	case kind.IsLocal():
		c.rmap.RemoveFrame(item)
		if pool, ok := c.pools[kind]; ok {
			pool.FreePage(item)
		}
	case kind == Compressed:
		c.store.Free(item)
	}
}

// releaseRegion implements releaser. Regions are freed asynchronously,
// since the last reference to them may be dropped on a fault path.
func (c *Context) releaseRegion(region *remote.Region) {
	if c.remote == nil {
		return
	}
	client, err := c.remote.Client(region.Node)
	if err != nil {
		log.Error("failed to free region %s: %v", region.ID, err)
		return
	}
	timeout := c.config().Transfer.RequestTimeout.Std()
	c.frees.Add(1)
	go func() {
		defer c.frees.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := client.Free(ctx, region); err != nil {
			rlog.Warn("failed to free region %s on node %d: %v", region.ID, region.Node, err)
		}
	}()
}

// client returns the client of a remote node.
func (c *Context) client(node uint64) (*remote.Client, error) {
	if c.remote == nil {
		return nil, errors.Wrap(ErrInvalidTier, "no remote memory")
	}
	return c.remote.Client(node)
}

// allocRegion allocates a remote region on the best node.
func (c *Context) allocRegion(ctx context.Context, size uint64) (*remote.Client, *remote.Region, error) {
	if c.cluster == nil {
		return nil, nil, errors.Wrap(ErrInvalidTier, "no remote memory")
	}
	node, err := c.cluster.SelectOptimalNode(size)
	if err != nil {
		return nil, nil, err
	}
	client, err := c.client(node)
	if err != nil {
		return nil, nil, err
	}
	region, err := client.Allocate(ctx, size)
	if err != nil {
		return nil, nil, err
	}
	return client, region, nil
}

// pageID returns the cluster-wide id of a page of pid.
func (c *Context) pageID(node uint64, pid int, page uint64) protocol.PageID {
	return protocol.PageID{Node: node, PID: uint64(pid), Address: page}
}

// prefetchPage fetches a page for the prefetcher.
func (c *Context) prefetchPage(ctx context.Context, pid int, page uint64) (uint64, error) {
	as := c.lookupProcess(pid)
	if as == nil {
		return 0, errors.Wrapf(ErrInvalidAddress, "no process %d", pid)
	}
	e := as.tiers.Lookup(page)
	if e == nil {
		return 0, errors.Wrapf(ErrInvalidAddress, "%#x not mapped", page)
	}
	defer e.Release()

	if e.Kind.IsLocal() {
		return 0, ErrNotRemote
	}
	data, err := as.readPage(ctx, e, page, protocol.Prefetch)
	if err != nil {
		return 0, err
	}
	frame, err := c.pools[TeraPage].AllocatePage()
	if err != nil {
		return 0, err
	}
	if err := c.pools[TeraPage].Write(frame, data); err != nil {
		c.freeFrame(frame)
		return 0, err
	}
	return frame, nil
}

// requestPrefetch queues a prefetch and wakes up the prefetch worker.
func (c *Context) requestPrefetch(pid int, page uint64, priority Priority, confidence int, source PatternSource) PrefetchResult {
	result := c.prefetcher.RequestPrefetch(pid, page, priority, confidence, source)
	if result == PrefetchSuccess {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return result
}

// Maintain fails timed out remote requests and drops stale predictor
// and heat state.
func (c *Context) Maintain(now time.Time) {
	expired := 0
	if c.remote != nil {
		expired = c.remote.Maintain(now)
	}
	swept := 0
	if p, ok := c.predictor.(*CorrelationPredictor); ok {
		swept = p.Sweep(now)
	}
	cleaned := c.tracker.Cleanup(now)
	if expired+swept+cleaned > 0 {
		log.Debug("maintenance: %d request(s) expired, %d pattern(s) swept, %d page(s) cooled",
			expired, swept, cleaned)
	}
}

// Run runs the background workers until ctx is cancelled.
func (c *Context) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	cfg := c.config()
	g.Go(func() error {
		return c.runPrefetcher(ctx)
	})
	g.Go(func() error {
		return every(ctx, cfg.Transfer.MaintenanceInterval.Std(), func() { c.Maintain(time.Now()) })
	})
	g.Go(func() error {
		return every(ctx, cfg.Migration.ScanInterval.Std(), func() {
			if n, err := c.migrator.AutoMigrate(ctx); err != nil {
				rlog.Warn("auto-migration failed after %d page(s): %v", n, err)
			}
		})
	})
	if c.remote != nil {
		g.Go(func() error {
			c.remote.Measure(ctx, true)
			return every(ctx, cfg.Transfer.MeasureInterval.Std(), func() { c.remote.Measure(ctx, true) })
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Context) runPrefetcher(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		case <-ticker.C:
		}
		for c.prefetcher.QueueLength() > 0 && ctx.Err() == nil {
			if c.prefetcher.ProcessQueue(ctx) == 0 && c.prefetcher.InFlight() > 0 {
				break
			}
		}
	}
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// Close unmaps all address spaces and releases all memory.
func (c *Context) Close() {
	c.Lock()
	if c.closed {
		c.Unlock()
		return
	}
	c.closed = true
	processes := c.processes
	c.processes = map[int]*AddressSpace{}
	c.Unlock()

	c.prefetcher.SetEnabled(false)
	c.prefetcher.Reclaim(0)
	for _, as := range processes {
		as.unmapAll()
	}
	c.frees.Wait()
	c.closeArenas()

	log.Info("context closed")
}
