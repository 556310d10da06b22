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
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/intel/telepaging/pkg/telepage/protocol"
)

// faultCall is a fault being resolved. Faults on the same page join the
// call in progress and wait for its outcome.
type faultCall struct {
	id      uint64
	done    chan struct{}
	waiters int
	err     error
}

// PageFaultHandler resolves faults on pages living on remote or
// compressed tiers by installing them in local frames.
type PageFaultHandler struct {
	ctx *Context
}

// joinFault returns the call resolving a fault on page, and true if the
// caller is the one to resolve it.
func (as *AddressSpace) joinFault(page uint64) (*faultCall, bool) {
	as.flock.Lock()
	defer as.flock.Unlock()

	if call, ok := as.faults[page]; ok {
		call.waiters++
		return call, false
	}
	call := &faultCall{
		id:   as.ctx.ids.Add(1),
		done: make(chan struct{}),
	}
	as.faults[page] = call
	return call, true
}

// finishFault publishes the outcome of a call and wakes up its waiters.
func (as *AddressSpace) finishFault(page uint64, call *faultCall, err error) {
	as.flock.Lock()
	delete(as.faults, page)
	call.err = err
	as.flock.Unlock()

	as.ctx.sched.Wake(call.id, err)
	close(call.done)
}

// HandleFault resolves a fault on addr. Faults on local or unmapped
// pages return NotRemote, leaving them to the normal fault path.
func (h *PageFaultHandler) HandleFault(ctx context.Context, as *AddressSpace, addr uint64, isWrite bool) (FaultResult, error) {
	c := h.ctx
	page := PageAlign(addr)

	e := as.tiers.Lookup(page)
	if e == nil {
		c.counters.notRemote.Add(1)
		return NotRemote, errors.Wrapf(ErrNotRemote, "%#x not mapped", addr)
	}
	kind, mapType := e.Kind, e.MapType
	e.Release()

	if kind.IsLocal() {
		c.counters.notRemote.Add(1)
		return NotRemote, errors.Wrapf(ErrNotRemote, "%#x is on %s", addr, kind)
	}
	if isWrite && !mapType.Writable() {
		c.counters.faultErrors.Add(1)
		return AccessDenied, errors.Wrapf(ErrAccessDenied, "write to %s page at %#x", mapType, addr)
	}

	ctx, span := trace.StartSpan(ctx, "telepage.HandleFault")
	defer span.End()
	span.AddAttributes(
		trace.Int64Attribute("pid", int64(as.pid)),
		trace.StringAttribute("tier", kind.String()),
	)

	start := time.Now()
	c.counters.faults.Add(1)
	if kind == Remote {
		c.counters.remoteFaults.Add(1)
	} else {
		c.counters.compressedFaults.Add(1)
	}

	call, leader := as.joinFault(page)
	if leader {
		as.finishFault(page, call, h.resolve(ctx, as, page))
	} else {
		c.counters.coalesced.Add(1)
		if err := c.sched.Block(ctx, call.id, call.done); err != nil {
			c.counters.faultErrors.Add(1)
			return FaultResultFor(err), err
		}
	}

	err := call.err
	result := FaultResultFor(err)
	if err != nil {
		c.counters.faultErrors.Add(1)
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
	}
	recordFaultLatency(ctx, result, time.Since(start))

	return result, err
}

// resolve installs page in a local frame. It is called by a single
// thread per page at a time.
func (h *PageFaultHandler) resolve(ctx context.Context, as *AddressSpace, page uint64) error {
	c := h.ctx

	unlock := as.lockPage(page)
	defer unlock()

	e := as.tiers.Lookup(page)
	if e == nil {
		return errors.Wrapf(ErrNotRemote, "%#x unmapped during fault", page)
	}
	defer e.Release()

	if e.Kind.IsLocal() {
		return nil
	}

	frame, hit := c.prefetcher.RecordHit(as.pid, page)
	if hit {
		c.counters.prefetchHits.Add(1)
	} else {
		data, err := as.readPage(ctx, e, page, protocol.Read)
		if err != nil {
			return err
		}
		if frame, err = c.allocFrame(TeraPage); err != nil {
			return err
		}
		if err := c.pools[TeraPage].Write(frame, data); err != nil {
			c.freeFrame(frame)
			return err
		}
	}

	ne := as.localEntry(TeraPage, page, frame, e.MapType)
	if err := as.tiers.Replace(e, ne); err != nil {
		ne.Release()
		return err
	}

	now := time.Now()
	ne.Touch(now)
	c.tlb.Flush(as.pid, page)
	c.rmap.Add(frame, as.pid, page)
	c.prefetcher.Invalidate(as.pid, AddrRange{addr: page, length: 1})
	c.tracker.Touch(as.pid, page, now)
	c.recordAccess(as, page)

	log.Debug("pid %d: installed %s page %#x in frame %#x (prefetched: %v)", as.pid, e.Kind, page, frame, hit)

	return nil
}
