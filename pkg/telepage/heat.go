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
	"sync"
	"time"
)

// HeatClass classifies pages by how actively they are accessed.
type HeatClass int

const (
	// Cold pages have not been accessed for a long time.
	Cold HeatClass = iota
	// Warm pages are neither hot nor cold.
	Warm
	// Hot pages are accessed frequently.
	Hot
)

func (c HeatClass) String() string {
	switch c {
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	}
	return "cold"
}

type pageKey struct {
	pid  int
	page uint64
}

type pageHeat struct {
	windowStart time.Time
	count       int
	last        time.Time
	total       uint64
}

// HeatOptions are the thresholds of an AccessTracker.
type HeatOptions struct {
	// HotWindow is the window accesses are counted in.
	HotWindow time.Duration
	// HotCount is the number of accesses within HotWindow to be hot.
	HotCount int
	// ColdAfter is the idle time after which a page is cold.
	ColdAfter time.Duration
}

// AccessTracker counts page accesses for heat classification.
type AccessTracker struct {
	sync.Mutex
	opts  HeatOptions
	pages map[pageKey]*pageHeat
}

// NewAccessTracker creates an access tracker.
func NewAccessTracker(opts HeatOptions) *AccessTracker {
	return &AccessTracker{
		opts:  opts,
		pages: map[pageKey]*pageHeat{},
	}
}

// SetOptions updates the thresholds of the tracker.
func (t *AccessTracker) SetOptions(opts HeatOptions) {
	t.Lock()
	defer t.Unlock()
	t.opts = opts
}

// Touch records an access to a page.
func (t *AccessTracker) Touch(pid int, page uint64, now time.Time) {
	t.Lock()
	defer t.Unlock()

	key := pageKey{pid, PageAlign(page)}
	h, ok := t.pages[key]
	if !ok {
		h = &pageHeat{windowStart: now}
		t.pages[key] = h
	}
	if now.Sub(h.windowStart) > t.opts.HotWindow {
		h.windowStart = now
		h.count = 0
	}
	h.count++
	h.total++
	h.last = now
}

// Classify returns the heat class of a page. For pages without recorded
// accesses lastAccess is used instead.
func (t *AccessTracker) Classify(pid int, page uint64, lastAccess, now time.Time) HeatClass {
	t.Lock()
	defer t.Unlock()

	h, ok := t.pages[pageKey{pid, PageAlign(page)}]
	if !ok {
		if now.Sub(lastAccess) > t.opts.ColdAfter {
			return Cold
		}
		return Warm
	}
	switch {
	case now.Sub(h.windowStart) <= t.opts.HotWindow && h.count > t.opts.HotCount:
		return Hot
	case now.Sub(h.last) > t.opts.ColdAfter:
		return Cold
	}
	return Warm
}

// Accesses returns the total number of recorded accesses to a page.
func (t *AccessTracker) Accesses(pid int, page uint64) uint64 {
	t.Lock()
	defer t.Unlock()
	if h, ok := t.pages[pageKey{pid, PageAlign(page)}]; ok {
		return h.total
	}
	return 0
}

// Forget drops the accesses recorded for pages of pid in ar.
func (t *AccessTracker) Forget(pid int, ar AddrRange) {
	t.Lock()
	defer t.Unlock()
	if ar.length < uint64(len(t.pages)) {
		for addr := ar.addr; addr < ar.EndAddr(); addr += PageSize {
			delete(t.pages, pageKey{pid, addr})
		}
		return
	}
	for key := range t.pages {
		if key.pid == pid && ar.Contains(key.page) {
			delete(t.pages, key)
		}
	}
}

// Cleanup drops pages idle for longer than twice the cold threshold,
// which would classify as cold anyway.
func (t *AccessTracker) Cleanup(now time.Time) int {
	t.Lock()
	defer t.Unlock()
	dropped := 0
	for key, h := range t.pages {
		if now.Sub(h.last) > 2*t.opts.ColdAfter {
			delete(t.pages, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked pages.
func (t *AccessTracker) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.pages)
}
