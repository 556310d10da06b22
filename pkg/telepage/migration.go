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
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/intel/telepaging/pkg/telepage/protocol"
)

// MigrationEngine moves pages between tiers. A page is copied to its
// destination and verified before the tier map is switched over to it,
// so a failed migration leaves the page where it was.
type MigrationEngine struct {
	ctx *Context
}

// Migrate moves the page at addr of as to the target tier.
func (m *MigrationEngine) Migrate(ctx context.Context, as *AddressSpace, addr uint64, target TierKind) error {
	c := m.ctx
	page := PageAlign(addr)

	unlock := as.lockPage(page)
	defer unlock()

	e := as.tiers.Lookup(page)
	if e == nil {
		return errors.Wrapf(ErrInvalidAddress, "%#x not mapped", addr)
	}
	defer e.Release()

	if e.Kind == target {
		return nil
	}
	if d, max := Distance(e.Kind, target), c.config().MaxMigrationDistance; d > max {
		return errors.Wrapf(ErrMigrationDistance, "%s to %s is %d, limit %d", e.Kind, target, d, max)
	}

	ctx, span := trace.StartSpan(ctx, "telepage.Migrate")
	defer span.End()
	span.AddAttributes(
		trace.StringAttribute("from", e.Kind.String()),
		trace.StringAttribute("to", target.String()),
	)

	if err := c.limiter.WaitN(ctx, PageSize); err != nil {
		return err
	}

	ne, err := m.copyPage(ctx, as, e, page, target)
	if err != nil {
		c.counters.failedMigrations.Add(1)
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return errors.Wrapf(err, "failed to migrate %#x from %s to %s", page, e.Kind, target)
	}

	if err := as.tiers.Replace(e, ne); err != nil {
		ne.Release()
		c.counters.failedMigrations.Add(1)
		return err
	}

	if e.Kind.IsLocal() {
		c.tlb.Flush(as.pid, page)
	}
	if frame, ok := ne.Frame(page); ok {
		c.rmap.Add(frame, as.pid, page)
	}
	c.prefetcher.Invalidate(as.pid, AddrRange{addr: page, length: 1})
	c.counters.migrated(e.Kind, target)

	log.Debug("pid %d: migrated %#x from %s to %s", as.pid, page, e.Kind, target)

	return nil
}

// copyPage copies the page at page of e to the target tier, returning
// an entry for the copy. If the copy can't be verified, the destination
// is freed.
func (m *MigrationEngine) copyPage(ctx context.Context, as *AddressSpace, e *Entry, page uint64, target TierKind) (*Entry, error) {
	c := m.ctx

	data, err := as.readPage(ctx, e, page, protocol.Read)
	if err != nil {
		return nil, err
	}
	ar := AddrRange{addr: page, length: 1}

	switch {
	case target.IsLocal():
		frame, err := c.allocFrame(target)
		if err != nil {
			return nil, err
		}
		pool := c.pools[target]
		if err := pool.Write(frame, data); err != nil {
			pool.FreePage(frame)
			return nil, err
		}
		check := make([]byte, PageSize)
		if err := pool.Read(frame, check); err != nil || !bytes.Equal(check, data) {
			pool.FreePage(frame)
			if err == nil {
				err = errors.Wrapf(ErrChecksum, "copy to frame %#x does not match", frame)
			}
			return nil, err
		}
		return as.localEntry(target, page, frame, e.MapType), nil

	case target == Compressed:
		h, err := c.compressPage(data)
		if err != nil {
			return nil, err
		}
		res := newResource(Compressed, 1, c)
		res.items[0] = h
		return newEntry(ar, Compressed, e.MapType, newView(res, 0, 1)), nil

	case target == Remote:
		client, region, err := c.allocRegion(ctx, PageSize)
		if err != nil {
			return nil, err
		}
		region.LocalAddr = page
		if err := client.Write(ctx, region, 0, data); err != nil {
			if ferr := client.Free(ctx, region); ferr != nil {
				rlog.Warn("failed to free region %s after failed copy: %v", region.ID, ferr)
			}
			return nil, err
		}
		c.counters.bytesTransferred.Add(uint64(len(data)))
		return newEntry(ar, Remote, e.MapType, newView(newRegionResource(region, c), 0, 1)), nil
	}

	return nil, errors.Wrapf(ErrInvalidTier, "can't migrate to %s", target)
}

// migration is a page picked for automatic migration.
type migration struct {
	as     *AddressSpace
	page   uint64
	target TierKind
}

// coldTier returns the tier cold pages are pushed to.
func (c *Context) coldTier(from TierKind, maxDistance int) (TierKind, bool) {
	candidates := []TierKind{Compressed}
	if c.remoteNodes() > 0 {
		candidates = []TierKind{Remote, Compressed}
	}
	for _, kind := range candidates {
		if Distance(from, kind) <= maxDistance {
			return kind, true
		}
	}
	return 0, false
}

// AutoMigrate scans all address spaces, pulling hot remote and
// compressed pages to TeraPage memory and pushing cold local pages to
// the remote or compressed tier. At most MaxMigrationsPerScan pages are
// moved per scan. It returns the number of pages moved.
func (m *MigrationEngine) AutoMigrate(ctx context.Context) (int, error) {
	c := m.ctx
	cfg := c.config()
	if !cfg.Mode.autoMigrates() {
		return 0, nil
	}

	ctx, span := trace.StartSpan(ctx, "telepage.AutoMigrate")
	defer span.End()

	limit := cfg.Migration.MaxMigrationsPerScan
	now := time.Now()
	picked := []migration{}

	c.RLock()
	spaces := make([]*AddressSpace, 0, len(c.processes))
	for _, as := range c.processes {
		spaces = append(spaces, as)
	}
	c.RUnlock()

	for _, as := range spaces {
		if len(picked) >= limit {
			break
		}
		as.tiers.ForEach(func(e *Entry) int {
			for page := e.addr; page < e.EndAddr(); page += PageSize {
				if len(picked) >= limit {
					return -1
				}
				class := c.tracker.Classify(as.pid, page, e.LastAccess(), now)
				switch {
				case e.Kind.IsLocal() && class == Cold:
					if target, ok := c.coldTier(e.Kind, cfg.MaxMigrationDistance); ok {
						picked = append(picked, migration{as, page, target})
					}
				case !e.Kind.IsLocal() && class == Hot:
					if Distance(e.Kind, TeraPage) <= cfg.MaxMigrationDistance {
						picked = append(picked, migration{as, page, TeraPage})
					}
				}
			}
			return 0
		})
	}

	moved := 0
	for _, mig := range picked {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if err := m.Migrate(ctx, mig.as, mig.page, mig.target); err != nil {
			if errors.Is(err, context.Canceled) {
				return moved, err
			}
			rlog.Warn("pid %d: auto-migration of %#x to %s failed: %v", mig.as.pid, mig.page, mig.target, err)
			continue
		}
		moved++
	}

	if moved > 0 {
		log.Debug("auto-migration moved %d of %d page(s)", moved, len(picked))
	}
	c.counters.scans.Add(1)

	return moved, nil
}
