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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/intel/telepaging/pkg/telepage/remote"
)

// Entry maps a range of pages to the tier backing it. Entries are
// immutable apart from their access time and reference count. A TierMap
// holds one reference to each of its entries, lookups take another one.
// The backing storage is released once the last reference is dropped.
type Entry struct {
	AddrRange
	Kind    TierKind
	State   TierState
	MapType MapType
	Node    uint64
	Created time.Time

	lastAccess atomic.Int64
	refs       atomic.Int32
	backing    view
}

func newEntry(ar AddrRange, kind TierKind, mt MapType, backing view) *Entry {
	now := time.Now()
	e := &Entry{
		AddrRange: ar,
		Kind:      kind,
		State:     stateOf(kind),
		MapType:   mt,
		Node:      backing.res.node,
		Created:   now,
		backing:   backing,
	}
	e.lastAccess.Store(now.UnixNano())
	e.refs.Store(1)
	return e
}

// split returns a new entry for a subrange of e, sharing its backing.
func (e *Entry) split(ar AddrRange) *Entry {
	off := int((ar.addr - e.addr) / PageSize)
	n := &Entry{
		AddrRange: ar,
		Kind:      e.Kind,
		State:     e.State,
		MapType:   e.MapType,
		Node:      e.Node,
		Created:   e.Created,
		backing:   e.backing.sub(off, int(ar.length)),
	}
	n.lastAccess.Store(e.lastAccess.Load())
	n.refs.Store(1)
	return n
}

func (e *Entry) acquire() bool {
	for {
		cnt := e.refs.Load()
		if cnt <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(cnt, cnt+1) {
			return true
		}
	}
}

// Release drops a reference to the entry.
func (e *Entry) Release() {
	switch cnt := e.refs.Add(-1); {
	case cnt == 0:
		e.backing.release()
	case cnt < 0:
		log.Panic("internal error: entry %s released too many times", e.AddrRange)
	}
}

// RefCount returns the number of references to the entry.
func (e *Entry) RefCount() int {
	return int(e.refs.Load())
}

// Touch records an access to the entry.
func (e *Entry) Touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
}

// LastAccess returns the time of the latest recorded access.
func (e *Entry) LastAccess() time.Time {
	return time.Unix(0, e.lastAccess.Load())
}

func (e *Entry) index(addr uint64) int {
	return int((addr - e.addr) / PageSize)
}

// Frame returns the local frame backing the page at addr.
func (e *Entry) Frame(addr uint64) (uint64, bool) {
	if !e.Kind.IsLocal() || !e.Contains(addr) {
		return 0, false
	}
	return e.backing.item(e.index(addr)), true
}

// Region returns the remote region backing the entry and the offset of
// the page at addr within it.
func (e *Entry) Region(addr uint64) (*remote.Region, uint64, bool) {
	if e.Kind != Remote || !e.Contains(addr) {
		return nil, 0, false
	}
	return e.backing.res.region, e.backing.offset(e.index(addr)), true
}

// handle returns the compressed store handle of the page at addr.
func (e *Entry) handle(addr uint64) (uint64, bool) {
	if e.Kind != Compressed || !e.Contains(addr) {
		return 0, false
	}
	return e.backing.item(e.index(addr)), true
}

func (e *Entry) String() string {
	node := ""
	if e.Kind == Remote {
		node = fmt.Sprintf("@%d", e.Node)
	}
	return fmt.Sprintf("%s:%s%s(%s,refs:%d)", e.AddrRange, e.Kind, node, e.MapType, e.RefCount())
}

// TierMap is the authoritative map of address ranges to their tiers. Its
// entries are sorted by address and never overlap.
type TierMap struct {
	sync.RWMutex
	entries []*Entry
}

// NewTierMap creates an empty map.
func NewTierMap() *TierMap {
	return &TierMap{}
}

// overlapping returns the index of the first entry overlapping ar and
// the number of overlapping entries.
func (m *TierMap) overlapping(ar AddrRange) (int, int) {
	first := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].EndAddr() > ar.addr })
	count := 0
	end := ar.EndAddr()
	for _, e := range m.entries[first:] {
		if end <= e.addr {
			break
		}
		count++
	}
	return first, count
}

// Lookup returns the entry mapping addr with a reference taken, or nil.
func (m *TierMap) Lookup(addr uint64) *Entry {
	m.RLock()
	defer m.RUnlock()

	first, count := m.overlapping(AddrRange{addr: PageAlign(addr), length: 1})
	if count == 0 {
		return nil
	}
	if e := m.entries[first]; e.acquire() {
		return e
	}
	return nil
}

// Overlapping returns the entries overlapping ar with references taken.
func (m *TierMap) Overlapping(ar AddrRange) []*Entry {
	m.RLock()
	defer m.RUnlock()

	first, count := m.overlapping(ar)
	entries := make([]*Entry, 0, count)
	for _, e := range m.entries[first : first+count] {
		if e.acquire() {
			entries = append(entries, e)
		}
	}
	return entries
}

// Insert inserts an entry for a range which is not yet mapped.
func (m *TierMap) Insert(e *Entry) error {
	m.Lock()
	defer m.Unlock()

	first, count := m.overlapping(e.AddrRange)
	if count > 0 {
		return errors.Wrapf(ErrInvalidAddress, "%s overlaps existing mapping %s", e.AddrRange, m.entries[first])
	}

	m.entries = append(m.entries, nil)
	copy(m.entries[first+1:], m.entries[first:])
	m.entries[first] = e
	return nil
}

// Replace atomically replaces the part of old covered by e with e. It
// fails with ErrConflict if old no longer maps that part. The replaced
// storage is released after the map has been updated.
func (m *TierMap) Replace(old, e *Entry) error {
	m.Lock()

	first, count := m.overlapping(e.AddrRange)
	if count != 1 || m.entries[first] != old || old.addr > e.addr || old.EndAddr() < e.EndAddr() {
		m.Unlock()
		return errors.Wrapf(ErrConflict, "%s is no longer mapped by %s", e.AddrRange, old)
	}

	parts := make([]*Entry, 0, 3)
	if old.addr < e.addr {
		parts = append(parts, old.split(AddrRange{addr: old.addr, length: (e.addr - old.addr) / PageSize}))
	}
	parts = append(parts, e)
	if end := e.EndAddr(); end < old.EndAddr() {
		parts = append(parts, old.split(AddrRange{addr: end, length: (old.EndAddr() - end) / PageSize}))
	}
	m.splice(first, 1, parts)

	m.Unlock()

	old.Release()
	return nil
}

// Remove unmaps ar, splitting partially covered entries. It returns the
// number of pages unmapped.
func (m *TierMap) Remove(ar AddrRange) uint64 {
	m.Lock()

	first, count := m.overlapping(ar)
	removed := make([]*Entry, 0, count)
	parts := make([]*Entry, 0, 2)
	pages := uint64(0)

	for _, e := range m.entries[first : first+count] {
		if e.addr < ar.addr {
			parts = append(parts, e.split(AddrRange{addr: e.addr, length: (ar.addr - e.addr) / PageSize}))
		}
		if end := ar.EndAddr(); end < e.EndAddr() {
			parts = append(parts, e.split(AddrRange{addr: end, length: (e.EndAddr() - end) / PageSize}))
		}
		if cut, ok := e.Intersection(ar); ok {
			pages += cut.length
		}
		removed = append(removed, e)
	}
	m.splice(first, count, parts)

	m.Unlock()

	for _, e := range removed {
		e.Release()
	}
	return pages
}

// splice replaces count entries starting at first with parts.
func (m *TierMap) splice(first, count int, parts []*Entry) {
	entries := make([]*Entry, 0, len(m.entries)-count+len(parts))
	entries = append(entries, m.entries[:first]...)
	entries = append(entries, parts...)
	entries = append(entries, m.entries[first+count:]...)
	m.entries = entries
}

// ForEach calls handle for every entry in ascending address order.
// Iteration stops if handle returns -1, and continues if it returns 0.
// The map is read-locked during iteration.
func (m *TierMap) ForEach(handle func(*Entry) int) {
	m.RLock()
	defer m.RUnlock()
	for _, e := range m.entries {
		switch next := handle(e); next {
		case 0:
			continue
		case -1:
			return
		default:
			log.Panic("illegal TierMap.ForEach handler return value %d", next)
		}
	}
}

// Len returns the number of entries in the map.
func (m *TierMap) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.entries)
}

// PageCounts returns the number of mapped pages per tier.
func (m *TierMap) PageCounts() map[TierKind]uint64 {
	counts := map[TierKind]uint64{}
	m.ForEach(func(e *Entry) int {
		counts[e.Kind] += e.length
		return 0
	})
	return counts
}

// Dump returns the entries of the map as a string.
func (m *TierMap) Dump() string {
	sl := []string{}
	m.ForEach(func(e *Entry) int {
		sl = append(sl, e.String())
		return 0
	})
	return "TierMap{" + strings.Join(sl, ",") + "}"
}
