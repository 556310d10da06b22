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
)

// AddrRange is a range of pages.
type AddrRange struct {
	addr   uint64
	length uint64 // number of pages
}

// NewAddrRange returns the range of pages covering [startAddr, stopAddr).
func NewAddrRange(startAddr, stopAddr uint64) AddrRange {
	if stopAddr < startAddr {
		startAddr, stopAddr = stopAddr, startAddr
	}
	start := PageAlign(startAddr)
	return AddrRange{addr: start, length: Pages(stopAddr - start)}
}

// Addr returns the start address of the range.
func (ar AddrRange) Addr() uint64 {
	return ar.addr
}

// Length returns the number of pages in the range.
func (ar AddrRange) Length() uint64 {
	return ar.length
}

// Size returns the size of the range in bytes.
func (ar AddrRange) Size() uint64 {
	return ar.length * PageSize
}

// EndAddr returns the first address after the range.
func (ar AddrRange) EndAddr() uint64 {
	return ar.addr + ar.length*PageSize
}

// Contains returns true if addr is within the range.
func (ar AddrRange) Contains(addr uint64) bool {
	return ar.addr <= addr && addr < ar.EndAddr()
}

// Intersection returns the overlapping part of two ranges.
func (ar AddrRange) Intersection(other AddrRange) (AddrRange, bool) {
	start, end := ar.addr, ar.EndAddr()
	if other.addr > start {
		start = other.addr
	}
	if oe := other.EndAddr(); oe < end {
		end = oe
	}
	if start >= end {
		return AddrRange{}, false
	}
	return AddrRange{addr: start, length: (end - start) / PageSize}, true
}

func (ar AddrRange) String() string {
	if ar.length == 1 {
		return fmt.Sprintf("%x", ar.addr)
	}
	return fmt.Sprintf("%x-%x", ar.addr, ar.EndAddr())
}
