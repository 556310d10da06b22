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
	"time"

	"github.com/pkg/errors"

	"github.com/intel/telepaging/pkg/telepage/protocol"
)

// pageLockStripes is the number of locks pages are hashed to.
const pageLockStripes = 64

// AddressSpace is the tiered memory of a single process.
type AddressSpace struct {
	ctx    *Context
	pid    int
	tiers  *TierMap
	locks  [pageLockStripes]sync.Mutex
	flock  sync.Mutex
	faults map[uint64]*faultCall
}

func newAddressSpace(c *Context, pid int) *AddressSpace {
	return &AddressSpace{
		ctx:    c,
		pid:    pid,
		tiers:  NewTierMap(),
		faults: map[uint64]*faultCall{},
	}
}

// PID returns the id of the process.
func (as *AddressSpace) PID() int {
	return as.pid
}

// TierMap returns the tier map of the address space.
func (as *AddressSpace) TierMap() *TierMap {
	return as.tiers
}

// lockPage serializes accesses, faults and migrations of a page.
func (as *AddressSpace) lockPage(page uint64) func() {
	l := &as.locks[(page>>PageShift)%pageLockStripes]
	l.Lock()
	return l.Unlock
}

// Map maps size bytes at start to a tier.
func (as *AddressSpace) Map(ctx context.Context, start, size uint64, kind TierKind, mapType MapType) error {
	if size == 0 || start != PageAlign(start) {
		return errors.Wrapf(ErrInvalidAddress, "can't map %d bytes at %#x", size, start)
	}
	ar := NewAddrRange(start, start+size)
	if ar.EndAddr() < start {
		return errors.Wrapf(ErrInvalidAddress, "%d bytes at %#x overflow", size, start)
	}
	if overlap := as.tiers.Overlapping(ar); len(overlap) > 0 {
		for _, e := range overlap {
			e.Release()
		}
		return errors.Wrapf(ErrInvalidAddress, "%s is already mapped", ar)
	}

	var (
		backing view
		err     error
	)
	switch {
	case kind.IsLocal():
		backing, err = as.ctx.allocFrames(kind, int(ar.length))
	case kind == Compressed:
		backing, err = as.ctx.storeZeroPages(int(ar.length))
	case kind == Remote:
		backing, err = as.ctx.allocRemote(ctx, ar)
	default:
		err = errors.Wrapf(ErrInvalidTier, "unknown tier %s", kind)
	}
	if err != nil {
		return err
	}

	e := newEntry(ar, kind, mapType, backing)
	if err := as.tiers.Insert(e); err != nil {
		e.Release()
		return err
	}

	if kind.IsLocal() {
		for i := 0; i < int(ar.length); i++ {
			as.ctx.rmap.Add(backing.item(i), as.pid, ar.addr+uint64(i)*PageSize)
		}
	}

	log.Debug("pid %d: mapped %s to %s (%s)", as.pid, ar, kind, mapType)
	return nil
}

// allocFrames allocates frames of a local tier for n pages.
func (c *Context) allocFrames(kind TierKind, n int) (view, error) {
	res := newResource(kind, n, c)
	for i := 0; i < n; i++ {
		frame, err := c.allocFrame(kind)
		if err != nil {
			for _, f := range res.items[:i] {
				c.pools[kind].FreePage(f)
			}
			return view{}, errors.Wrapf(err, "failed to allocate %d %s pages", n, kind)
		}
		res.items[i] = frame
	}
	return newView(res, 0, n), nil
}

// storeZeroPages stores n zero pages in the compressed store.
func (c *Context) storeZeroPages(n int) (view, error) {
	res := newResource(Compressed, n, c)
	zero := make([]byte, PageSize)
	for i := 0; i < n; i++ {
		h, err := c.store.Store(zero)
		if err != nil {
			for _, f := range res.items[:i] {
				c.store.Free(f)
			}
			return view{}, err
		}
		res.items[i] = h
	}
	return newView(res, 0, n), nil
}

// allocRemote allocates a remote region backing ar.
func (c *Context) allocRemote(ctx context.Context, ar AddrRange) (view, error) {
	_, region, err := c.allocRegion(ctx, ar.Size())
	if err != nil {
		return view{}, err
	}
	region.LocalAddr = ar.addr
	res := newRegionResource(region, c)
	return newView(res, 0, int(ar.length)), nil
}

// Unmap unmaps size bytes at start, releasing the backing storage of
// every tier the range spans.
func (as *AddressSpace) Unmap(start, size uint64) uint64 {
	ar := NewAddrRange(start, start+size)
	return as.unmap(ar)
}

func (as *AddressSpace) unmap(ar AddrRange) uint64 {
	local := []uint64{}
	for _, e := range as.tiers.Overlapping(ar) {
		if e.Kind.IsLocal() {
			if cut, ok := e.Intersection(ar); ok {
				for addr := cut.addr; addr < cut.EndAddr(); addr += PageSize {
					local = append(local, addr)
				}
			}
		}
		e.Release()
	}

	pages := as.tiers.Remove(ar)
	for _, addr := range local {
		as.ctx.tlb.Flush(as.pid, addr)
	}
	as.ctx.prefetcher.Invalidate(as.pid, ar)
	as.ctx.tracker.Forget(as.pid, ar)

	if pages > 0 {
		log.Debug("pid %d: unmapped %d page(s) of %s", as.pid, pages, ar)
	}
	return pages
}

func (as *AddressSpace) unmapAll() {
	var ranges []AddrRange
	as.tiers.ForEach(func(e *Entry) int {
		ranges = append(ranges, e.AddrRange)
		return 0
	})
	for _, ar := range ranges {
		as.unmap(ar)
	}
}

// State returns the mapping state of a range. Ranges spanning several
// states, or only partially mapped, are SplitMapped.
func (as *AddressSpace) State(start, size uint64) TierState {
	ar := NewAddrRange(start, start+size)
	if ar.length == 0 {
		ar.length = 1
	}
	entries := as.tiers.Overlapping(ar)
	defer func() {
		for _, e := range entries {
			e.Release()
		}
	}()

	if len(entries) == 0 {
		return Unmapped
	}
	state := entries[0].State
	covered := uint64(0)
	for _, e := range entries {
		if e.State != state {
			return SplitMapped
		}
		if cut, ok := e.Intersection(ar); ok {
			covered += cut.length
		}
	}
	if covered != ar.length {
		return SplitMapped
	}
	return state
}

// Lookup returns the tier, node and map type of the page at addr.
func (as *AddressSpace) Lookup(addr uint64) (TierKind, uint64, MapType, bool) {
	e := as.tiers.Lookup(addr)
	if e == nil {
		return 0, 0, 0, false
	}
	defer e.Release()
	return e.Kind, e.Node, e.MapType, true
}

// ReadPage returns the contents of the page at addr, wherever it lives.
func (as *AddressSpace) ReadPage(ctx context.Context, addr uint64) ([]byte, error) {
	page := PageAlign(addr)
	unlock := as.lockPage(page)
	defer unlock()

	e := as.tiers.Lookup(page)
	if e == nil {
		return nil, errors.Wrapf(ErrInvalidAddress, "%#x not mapped", addr)
	}
	defer e.Release()
	return as.readPage(ctx, e, page, protocol.Read)
}

// WritePage writes data to the page at addr, which needs to be local.
func (as *AddressSpace) WritePage(addr uint64, data []byte) error {
	page := PageAlign(addr)
	unlock := as.lockPage(page)
	defer unlock()

	e := as.tiers.Lookup(page)
	if e == nil {
		return errors.Wrapf(ErrInvalidAddress, "%#x not mapped", addr)
	}
	defer e.Release()
	if !e.MapType.Writable() {
		return errors.Wrapf(ErrAccessDenied, "%#x is %s", addr, e.MapType)
	}
	frame, ok := e.Frame(page)
	if !ok {
		return errors.Wrapf(ErrNotRemote, "%#x is on %s, fault it in first", addr, e.Kind)
	}
	return as.ctx.pools[e.Kind].Write(frame+(addr-page), data)
}

// readPage reads the page at addr of the entry e.
func (as *AddressSpace) readPage(ctx context.Context, e *Entry, page uint64, op protocol.RequestType) ([]byte, error) {
	c := as.ctx
	switch {
	case e.Kind.IsLocal():
		frame, _ := e.Frame(page)
		buf := make([]byte, PageSize)
		if err := c.pools[e.Kind].Read(frame, buf); err != nil {
			return nil, err
		}
		return buf, nil

	case e.Kind == Compressed:
		h, _ := e.handle(page)
		return c.store.Load(h)

	case e.Kind == Remote:
		region, offset, _ := e.Region(page)
		client, err := c.client(region.Node)
		if err != nil {
			return nil, err
		}
		data, err := client.FetchPage(ctx, c.pageID(region.Node, as.pid, page), op, region, offset)
		if err != nil {
			return nil, err
		}
		c.counters.bytesTransferred.Add(uint64(len(data)))
		return data, nil
	}

	return nil, errors.Wrapf(ErrInvalidTier, "can't read from %s", e.Kind)
}

// localEntry creates an entry for a page installed in a local frame.
func (as *AddressSpace) localEntry(kind TierKind, page, frame uint64, mapType MapType) *Entry {
	res := newResource(kind, 1, as.ctx)
	res.items[0] = frame
	return newEntry(AddrRange{addr: page, length: 1}, kind, mapType, newView(res, 0, 1))
}

// HandlePageFault resolves a fault on addr.
func (as *AddressSpace) HandlePageFault(ctx context.Context, addr uint64, isWrite bool) FaultResult {
	result, err := as.ctx.faults.HandleFault(ctx, as, addr, isWrite)
	if err != nil && result != NotRemote {
		rlog.Warn("pid %d: fault at %#x: %s: %v", as.pid, addr, result, err)
	}
	return result
}

// TrackPageAccess records an access to addr which did not fault.
func (as *AddressSpace) TrackPageAccess(addr uint64) {
	page := PageAlign(addr)
	now := time.Now()

	if e := as.tiers.Lookup(page); e != nil {
		e.Touch(now)
		e.Release()
	}
	as.ctx.tracker.Touch(as.pid, page, now)
	as.ctx.recordAccess(as, page)
}

// recordAccess feeds an access to the predictor and queues prefetches
// of the pages predicted next. Predictions are made even if the mode
// does not prefetch them.
func (c *Context) recordAccess(as *AddressSpace, page uint64) {
	cfg := c.config()
	if cfg.Mode.learns() {
		c.predictor.RecordAccess(as.pid, page)
	}

	var preds []Prediction
	if cfg.Mode.predicts() {
		preds = c.predictor.PredictNext(as.pid, page, cfg.PredictionConfidenceThreshold)
	}
	if !cfg.Mode.prefetches() {
		return
	}

	window := c.prefetcher.EffectiveWindow()
	if window == 0 {
		return
	}

	if !cfg.Mode.predicts() {
		for i := 1; i <= window; i++ {
			preds = append(preds, Prediction{
				Page:       page + uint64(i)*PageSize,
				Confidence: cfg.Prefetcher.MinConfidence,
				Source:     SourceSpatial,
			})
		}
	}

	queued := 0
	for _, pr := range preds {
		if queued >= window {
			break
		}
		if !as.prefetchable(pr.Page) {
			continue
		}
		if c.requestPrefetch(as.pid, pr.Page, Medium, pr.Confidence, pr.Source) == PrefetchSuccess {
			queued++
		}
	}
}

// prefetchable returns true if the page at addr is mapped to a remote
// or compressed tier.
func (as *AddressSpace) prefetchable(addr uint64) bool {
	e := as.tiers.Lookup(addr)
	if e == nil {
		return false
	}
	defer e.Release()
	return !e.Kind.IsLocal()
}

// Migrate moves the page at addr to a tier.
func (as *AddressSpace) Migrate(ctx context.Context, addr uint64, target TierKind) error {
	if !as.ctx.config().Mode.migrates() {
		return errors.Wrap(ErrDisabled, "migration")
	}
	return as.ctx.migrator.Migrate(ctx, as, addr, target)
}

// Prefetch queues every remote or compressed page of size bytes at addr
// for prefetching. It returns the number of pages queued.
func (as *AddressSpace) Prefetch(ctx context.Context, addr, size uint64) (int, error) {
	if !as.ctx.config().Mode.prefetches() {
		return 0, errors.Wrap(ErrDisabled, "prefetch")
	}
	ar := NewAddrRange(addr, addr+size)
	queued := 0
	for page := ar.addr; page < ar.EndAddr(); page += PageSize {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		if !as.prefetchable(page) {
			continue
		}
		if as.ctx.requestPrefetch(as.pid, page, High, 100, SourceHint) == PrefetchSuccess {
			queued++
		}
	}
	return queued, nil
}

// Dump returns the tier map of the address space as a string.
func (as *AddressSpace) Dump() string {
	return as.tiers.Dump()
}

// compressPage stores a page in the compressed tier, verifying that it
// decompresses to the original.
func (c *Context) compressPage(data []byte) (uint64, error) {
	h, err := c.store.Store(data)
	if err != nil {
		return 0, err
	}
	check, err := c.store.Load(h)
	if err != nil || protocol.Checksum(check) != protocol.Checksum(data) {
		c.store.Free(h)
		if err == nil {
			err = errors.Wrap(ErrChecksum, "compressed page verification failed")
		}
		return 0, err
	}
	return h, nil
}
