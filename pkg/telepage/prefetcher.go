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
	"container/heap"
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Priority is the priority of a prefetch request.
type Priority int

const (
	// Low priority requests are dropped first.
	Low Priority = iota
	// Medium is the priority of predicted pages.
	Medium
	// High is the priority of explicitly requested pages.
	High
	// Critical requests may cancel any queued lower priority request.
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// PrefetchPolicy controls how far ahead pages are prefetched.
type PrefetchPolicy int

const (
	// PolicyDisabled turns prefetching off.
	PolicyDisabled PrefetchPolicy = iota
	// PolicyConservative prefetches half the window.
	PolicyConservative
	// PolicyStandard prefetches the window.
	PolicyStandard
	// PolicyAggressive prefetches twice the window.
	PolicyAggressive
	// PolicyAdaptive scales the window with the prefetch hit ratio.
	PolicyAdaptive
)

var policyNames = map[PrefetchPolicy]string{
	PolicyDisabled:     "disabled",
	PolicyConservative: "conservative",
	PolicyStandard:     "standard",
	PolicyAggressive:   "aggressive",
	PolicyAdaptive:     "adaptive",
}

func (p PrefetchPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePrefetchPolicy parses the given policy name.
func ParsePrefetchPolicy(name string) (PrefetchPolicy, error) {
	for p, n := range policyNames {
		if n == strings.ToLower(name) {
			return p, nil
		}
	}
	return PolicyStandard, telepageError("unknown prefetch policy %q", name)
}

// MarshalJSON is the JSON marshaller for PrefetchPolicy.
func (p PrefetchPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON is the JSON unmarshaller for PrefetchPolicy.
func (p *PrefetchPolicy) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return telepageError("invalid prefetch policy %s: %v", string(raw), err)
	}
	parsed, err := ParsePrefetchPolicy(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PrefetchResult is the outcome of a prefetch request.
type PrefetchResult int

const (
	// PrefetchSuccess means the request was queued or the page fetched.
	PrefetchSuccess PrefetchResult = iota
	// AlreadyInMemory means the page is already prefetched or local.
	AlreadyInMemory
	// PrefetchFault means fetching the page failed.
	PrefetchFault
	// ResourceExhausted means the memory budget is used up.
	ResourceExhausted
	// Cancelled means the request was cancelled before completion.
	Cancelled
	// PrefetchTimeout means fetching the page timed out.
	PrefetchTimeout
	// Rejected means the request was not admitted.
	Rejected
)

func (r PrefetchResult) String() string {
	switch r {
	case PrefetchSuccess:
		return "success"
	case AlreadyInMemory:
		return "already-in-memory"
	case PrefetchFault:
		return "fault"
	case ResourceExhausted:
		return "resource-exhausted"
	case Cancelled:
		return "cancelled"
	case PrefetchTimeout:
		return "timeout"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// PrefetchRequest is a page queued for prefetching.
type PrefetchRequest struct {
	PID        int
	Page       uint64
	Priority   Priority
	Source     PatternSource
	Confidence int
	Enqueued   time.Time

	seq   uint64
	index int
}

// prefetchQueue is a heap of requests by priority, then confidence,
// then age.
type prefetchQueue []*PrefetchRequest

func (q prefetchQueue) Len() int { return len(q) }

func (q prefetchQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	if q[i].Confidence != q[j].Confidence {
		return q[i].Confidence > q[j].Confidence
	}
	return q[i].seq < q[j].seq
}

func (q prefetchQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *prefetchQueue) Push(x interface{}) {
	r := x.(*PrefetchRequest)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *prefetchQueue) Pop() interface{} {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// FetchFunc fetches a page into a local frame.
type FetchFunc func(ctx context.Context, pid int, page uint64) (uint64, error)

// PrefetcherOptions are the options of a Prefetcher.
type PrefetcherOptions struct {
	Policy        PrefetchPolicy
	Window        int
	MaxConcurrent int
	MemoryBudget  uint64
	MinConfidence int
	Timeout       time.Duration
}

// PrefetchStats are the statistics of a Prefetcher.
type PrefetchStats struct {
	Requests          uint64
	Rejected          uint64
	Completed         uint64
	Successes         uint64
	Failures          uint64
	Timeouts          uint64
	Hits              uint64
	Evictions         uint64
	Cancellations     uint64
	ResourceExhausted uint64
	TotalLatency      time.Duration
	Queued            int
	InFlight          int
	Cached            int
	MemoryUsage       uint64
}

// AverageLatency returns the average latency of successful prefetches.
func (s PrefetchStats) AverageLatency() time.Duration {
	if s.Successes == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Successes)
}

// Effectiveness returns the share of prefetched pages which were hit.
func (s PrefetchStats) Effectiveness() float64 {
	if s.Successes == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Successes)
}

type cachedPage struct {
	key     pageKey
	frame   uint64
	fetched time.Time
}

type inflightPage struct {
	gen     uint64
	invalid bool
}

// Prefetcher fetches predicted pages ahead of their use into local
// frames, which the fault handler claims with RecordHit.
type Prefetcher struct {
	sync.Mutex
	opts     PrefetcherOptions
	enabled  bool
	gen      uint64
	seq      uint64
	queue    prefetchQueue
	queued   map[pageKey]*PrefetchRequest
	inflight map[pageKey]*inflightPage
	cached   map[pageKey]*list.Element
	order    *list.List
	fetch    FetchFunc
	release  func(frame uint64)
	stats    PrefetchStats

	inFlight atomic.Int32
	memory   atomic.Uint64
}

// NewPrefetcher creates a prefetcher fetching pages with fetch. Frames
// of evicted pages are passed to release.
func NewPrefetcher(opts PrefetcherOptions, fetch FetchFunc, release func(uint64)) *Prefetcher {
	p := &Prefetcher{
		enabled:  true,
		queued:   map[pageKey]*PrefetchRequest{},
		inflight: map[pageKey]*inflightPage{},
		cached:   map[pageKey]*list.Element{},
		order:    list.New(),
		fetch:    fetch,
		release:  release,
	}
	p.setOptions(opts)
	return p
}

func (p *Prefetcher) setOptions(opts PrefetcherOptions) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	p.opts = opts
}

// SetOptions updates the options of the prefetcher.
func (p *Prefetcher) SetOptions(opts PrefetcherOptions) {
	p.Lock()
	defer p.Unlock()
	p.setOptions(opts)
}

// EffectiveWindow returns the number of pages to prefetch ahead.
func (p *Prefetcher) EffectiveWindow() int {
	p.Lock()
	defer p.Unlock()
	return p.effectiveWindow()
}

func (p *Prefetcher) effectiveWindow() int {
	w := p.opts.Window
	half := w / 2
	if half < 1 {
		half = 1
	}
	switch p.opts.Policy {
	case PolicyDisabled:
		return 0
	case PolicyConservative:
		return half
	case PolicyAggressive:
		return 2 * w
	case PolicyAdaptive:
		if p.stats.Successes < 16 {
			return w
		}
		switch eff := p.stats.Effectiveness(); {
		case eff >= 0.75:
			return 2 * w
		case eff < 0.25:
			return half
		}
	}
	return w
}

// Enabled returns true if the prefetcher accepts requests.
func (p *Prefetcher) Enabled() bool {
	p.Lock()
	defer p.Unlock()
	return p.enabled && p.opts.Policy != PolicyDisabled
}

// SetEnabled enables or disables prefetching. Disabling cancels all
// queued requests and makes outcomes of requests in flight ignored.
func (p *Prefetcher) SetEnabled(enabled bool) {
	p.Lock()
	defer p.Unlock()

	if p.enabled == enabled {
		return
	}
	p.enabled = enabled
	if enabled {
		return
	}

	p.gen++
	cancelled := len(p.queue)
	p.stats.Cancellations += uint64(cancelled)
	p.queue = p.queue[:0]
	p.queued = map[pageKey]*PrefetchRequest{}
	log.Debug("prefetcher disabled, %d queued request(s) cancelled", cancelled)
}

// used returns the memory reserved by prefetching.
func (p *Prefetcher) used() uint64 {
	return uint64(len(p.cached)+len(p.queued)+len(p.inflight)) * PageSize
}

// RequestPrefetch asks for a page to be prefetched.
func (p *Prefetcher) RequestPrefetch(pid int, page uint64, priority Priority, confidence int, source PatternSource) PrefetchResult {
	var frames []uint64
	defer func() {
		p.releaseFrames(frames)
	}()

	page = PageAlign(page)
	key := pageKey{pid, page}

	p.Lock()
	defer p.Unlock()

	if !p.enabled || p.opts.Policy == PolicyDisabled {
		p.stats.Rejected++
		return Rejected
	}
	if _, ok := p.cached[key]; ok {
		return AlreadyInMemory
	}
	if _, ok := p.queued[key]; ok {
		p.stats.Rejected++
		return Rejected
	}
	if _, ok := p.inflight[key]; ok {
		p.stats.Rejected++
		return Rejected
	}
	if confidence < p.opts.MinConfidence {
		p.stats.Rejected++
		return Rejected
	}

	for p.used()+PageSize > p.opts.MemoryBudget {
		if frame, ok := p.evictOldest(); ok {
			frames = append(frames, frame)
			continue
		}
		if priority > Low && p.cancelLowest(priority) {
			continue
		}
		p.stats.ResourceExhausted++
		rlog.Debug("prefetch of %d/%#x: memory budget of %d bytes exhausted", pid, page, p.opts.MemoryBudget)
		return ResourceExhausted
	}

	p.seq++
	r := &PrefetchRequest{
		PID:        pid,
		Page:       page,
		Priority:   priority,
		Source:     source,
		Confidence: confidence,
		Enqueued:   time.Now(),
		seq:        p.seq,
	}
	heap.Push(&p.queue, r)
	p.queued[key] = r
	p.stats.Requests++

	return PrefetchSuccess
}

// evictOldest evicts the page prefetched first and not accessed since.
func (p *Prefetcher) evictOldest() (uint64, bool) {
	e := p.order.Front()
	if e == nil {
		return 0, false
	}
	c := p.order.Remove(e).(*cachedPage)
	delete(p.cached, c.key)
	p.memory.Add(^uint64(PageSize - 1))
	p.stats.Evictions++
	log.Debug("evicted prefetched page %d/%#x", c.key.pid, c.key.page)
	return c.frame, true
}

// cancelLowest cancels the queued request of the lowest priority if it
// is lower than priority.
func (p *Prefetcher) cancelLowest(priority Priority) bool {
	var lowest *PrefetchRequest
	for _, r := range p.queue {
		if lowest == nil || p.queue.Less(lowest.index, r.index) {
			lowest = r
		}
	}
	if lowest == nil || lowest.Priority >= priority {
		return false
	}
	heap.Remove(&p.queue, lowest.index)
	delete(p.queued, pageKey{lowest.PID, lowest.Page})
	p.stats.Cancellations++
	return true
}

func (p *Prefetcher) releaseFrames(frames []uint64) {
	if p.release == nil {
		return
	}
	for _, frame := range frames {
		p.release(frame)
	}
}

// ProcessQueue dispatches queued requests up to the concurrency limit
// and waits for them to complete. It returns the number of pages
// successfully prefetched.
func (p *Prefetcher) ProcessQueue(ctx context.Context) int {
	p.Lock()
	if !p.enabled {
		p.Unlock()
		return 0
	}
	batch := []*PrefetchRequest{}
	for len(p.queue) > 0 && int(p.inFlight.Load()) < p.opts.MaxConcurrent {
		r := heap.Pop(&p.queue).(*PrefetchRequest)
		key := pageKey{r.PID, r.Page}
		delete(p.queued, key)
		p.inflight[key] = &inflightPage{gen: p.gen}
		p.inFlight.Add(1)
		batch = append(batch, r)
	}
	gen, timeout, limit := p.gen, p.opts.Timeout, p.opts.MaxConcurrent
	p.Unlock()

	if len(batch) == 0 {
		return 0
	}

	var completed atomic.Int32
	g := &errgroup.Group{}
	g.SetLimit(limit)
	for _, r := range batch {
		r := r
		g.Go(func() error {
			if p.dispatch(ctx, r, gen, timeout) == PrefetchSuccess {
				completed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(completed.Load())
}

func (p *Prefetcher) dispatch(ctx context.Context, r *PrefetchRequest, gen uint64, timeout time.Duration) PrefetchResult {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	frame, err := p.fetch(fctx, r.PID, r.Page)
	latency := time.Since(start)

	key := pageKey{r.PID, r.Page}

	p.Lock()
	inf := p.inflight[key]
	delete(p.inflight, key)
	p.inFlight.Add(-1)
	p.stats.Completed++

	if inf == nil || inf.invalid || inf.gen != p.gen || gen != p.gen || !p.enabled {
		p.stats.Cancellations++
		p.Unlock()
		if err == nil {
			p.releaseFrames([]uint64{frame})
		}
		return Cancelled
	}

	var result PrefetchResult
	switch {
	case err == nil:
		p.cached[key] = p.order.PushBack(&cachedPage{key: key, frame: frame, fetched: time.Now()})
		p.memory.Add(PageSize)
		p.stats.Successes++
		p.stats.TotalLatency += latency
		result = PrefetchSuccess
	case errors.Is(err, ErrNotRemote):
		result = AlreadyInMemory
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		p.stats.Timeouts++
		result = PrefetchTimeout
	default:
		p.stats.Failures++
		result = PrefetchFault
	}
	p.Unlock()

	if result == PrefetchTimeout || result == PrefetchFault {
		rlog.Warn("prefetch of %d/%#x failed: %v", r.PID, r.Page, err)
	}

	return result
}

// RecordHit claims the frame of a prefetched page accessed by pid.
func (p *Prefetcher) RecordHit(pid int, page uint64) (uint64, bool) {
	key := pageKey{pid, PageAlign(page)}

	p.Lock()
	defer p.Unlock()

	e, ok := p.cached[key]
	if !ok {
		return 0, false
	}
	c := p.order.Remove(e).(*cachedPage)
	delete(p.cached, key)
	p.memory.Add(^uint64(PageSize - 1))
	p.stats.Hits++

	return c.frame, true
}

// Prefetched returns true if a page is prefetched.
func (p *Prefetcher) Prefetched(pid int, page uint64) bool {
	p.Lock()
	defer p.Unlock()
	_, ok := p.cached[pageKey{pid, PageAlign(page)}]
	return ok
}

// Cancel removes a queued request.
func (p *Prefetcher) Cancel(pid int, page uint64) bool {
	key := pageKey{pid, PageAlign(page)}

	p.Lock()
	defer p.Unlock()

	r, ok := p.queued[key]
	if !ok {
		return false
	}
	heap.Remove(&p.queue, r.index)
	delete(p.queued, key)
	p.stats.Cancellations++
	return true
}

// Invalidate drops every request and prefetched page of pid in ar.
// Outcomes of requests in flight are ignored.
func (p *Prefetcher) Invalidate(pid int, ar AddrRange) int {
	var frames []uint64

	p.Lock()
	dropped := 0
	match := func(key pageKey) bool {
		return key.pid == pid && ar.Contains(key.page)
	}
	for key, r := range p.queued {
		if match(key) {
			heap.Remove(&p.queue, r.index)
			delete(p.queued, key)
			p.stats.Cancellations++
			dropped++
		}
	}
	for key, inf := range p.inflight {
		if match(key) && !inf.invalid {
			inf.invalid = true
			dropped++
		}
	}
	for key, e := range p.cached {
		if match(key) {
			c := p.order.Remove(e).(*cachedPage)
			delete(p.cached, key)
			p.memory.Add(^uint64(PageSize - 1))
			frames = append(frames, c.frame)
			dropped++
		}
	}
	p.Unlock()

	p.releaseFrames(frames)
	return dropped
}

// Reclaim evicts up to n of the oldest prefetched pages, all of them if
// n is not positive.
func (p *Prefetcher) Reclaim(n int) int {
	var frames []uint64

	p.Lock()
	for n <= 0 || len(frames) < n {
		frame, ok := p.evictOldest()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	p.Unlock()

	p.releaseFrames(frames)
	return len(frames)
}

// QueueLength returns the number of queued requests.
func (p *Prefetcher) QueueLength() int {
	p.Lock()
	defer p.Unlock()
	return len(p.queue)
}

// InFlight returns the number of requests being fetched.
func (p *Prefetcher) InFlight() int {
	return int(p.inFlight.Load())
}

// PrefetchedCount returns the number of prefetched pages.
func (p *Prefetcher) PrefetchedCount() int {
	p.Lock()
	defer p.Unlock()
	return len(p.cached)
}

// MemoryUsage returns the memory used by prefetched pages.
func (p *Prefetcher) MemoryUsage() uint64 {
	return p.memory.Load()
}

// Stats returns the statistics of the prefetcher.
func (p *Prefetcher) Stats() PrefetchStats {
	p.Lock()
	defer p.Unlock()
	stats := p.stats
	stats.Queued = len(p.queue)
	stats.InFlight = len(p.inflight)
	stats.Cached = len(p.cached)
	stats.MemoryUsage = p.memory.Load()
	return stats
}
