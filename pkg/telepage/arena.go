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

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
)

// Arena is a Pool of page frames carved out of one contiguous mapping,
// standing in for a tera-page of local physical memory. Frame addresses
// start at a nonzero base, so arenas of different tiers don't collide.
type Arena struct {
	sync.Mutex
	name      string
	base      uint64
	pages     uint32
	mem       []byte
	free      []uint32
	allocated *roaring.Bitmap
	closed    bool
}

// ArenaStats are the statistics of an Arena.
type ArenaStats struct {
	Name      string
	Base      uint64
	Pages     uint32
	Allocated uint64
}

// NewArena creates an arena of size bytes with frames starting at base.
func NewArena(name string, base, size uint64) (*Arena, error) {
	pages := Pages(size)
	if pages == 0 || pages > 1<<32-1 {
		return nil, telepageError("invalid arena size %d for %s", size, name)
	}
	if base == 0 || PageAlign(base) != base {
		return nil, telepageError("invalid arena base %#x for %s", base, name)
	}

	mem, err := mapArena(int(pages * PageSize))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d pages for arena %s", pages, name)
	}

	a := &Arena{
		name:      name,
		base:      base,
		pages:     uint32(pages),
		mem:       mem,
		free:      make([]uint32, 0, pages),
		allocated: roaring.New(),
	}
	for i := uint32(pages); i > 0; i-- {
		a.free = append(a.free, i-1)
	}

	log.Debug("arena %s: %d pages at %#x", name, pages, base)

	return a, nil
}

// AllocatePage implements Allocator.
func (a *Arena) AllocatePage() (uint64, error) {
	a.Lock()
	defer a.Unlock()

	if a.closed || len(a.free) == 0 {
		return 0, errors.Wrapf(ErrOutOfMemory, "arena %s exhausted", a.name)
	}

	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.allocated.Add(idx)

	return a.base + uint64(idx)*PageSize, nil
}

// FreePage implements Allocator. Freed frames read as zero when reused.
func (a *Arena) FreePage(addr uint64) {
	a.Lock()
	defer a.Unlock()

	idx, ok := a.index(addr)
	if !ok || !a.allocated.Contains(idx) {
		log.Error("arena %s: freeing unallocated frame %#x", a.name, addr)
		return
	}
	if a.closed {
		return
	}

	off := uint64(idx) * PageSize
	discardPage(a.mem[off : off+PageSize])
	a.allocated.Remove(idx)
	a.free = append(a.free, idx)
}

func (a *Arena) index(addr uint64) (uint32, bool) {
	if addr < a.base {
		return 0, false
	}
	idx := (addr - a.base) / PageSize
	if idx >= uint64(a.pages) {
		return 0, false
	}
	return uint32(idx), true
}

// page returns the memory of the frame containing addr, from addr on.
func (a *Arena) page(addr uint64, size int) ([]byte, error) {
	idx, ok := a.index(addr)
	if !ok || !a.allocated.Contains(idx) || a.closed {
		return nil, errors.Wrapf(ErrInvalidAddress, "frame %#x not allocated in arena %s", addr, a.name)
	}
	off := addr - a.base
	if uint64(size) > PageSize-off%PageSize {
		return nil, errors.Wrapf(ErrInvalidAddress, "access of %d bytes at %#x crosses frame", size, addr)
	}
	return a.mem[off : off+uint64(size)], nil
}

// Read implements PhysicalMemory.
func (a *Arena) Read(addr uint64, buf []byte) error {
	a.Lock()
	defer a.Unlock()
	mem, err := a.page(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, mem)
	return nil
}

// Write implements PhysicalMemory.
func (a *Arena) Write(addr uint64, data []byte) error {
	a.Lock()
	defer a.Unlock()
	mem, err := a.page(addr, len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

// Stats returns the statistics of the arena.
func (a *Arena) Stats() ArenaStats {
	a.Lock()
	defer a.Unlock()
	return ArenaStats{
		Name:      a.name,
		Base:      a.base,
		Pages:     a.pages,
		Allocated: a.allocated.GetCardinality(),
	}
}

// Close releases the memory of the arena.
func (a *Arena) Close() error {
	a.Lock()
	defer a.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := unmapArena(a.mem)
	a.mem = nil
	return err
}
