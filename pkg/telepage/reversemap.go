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
	"sort"
	"sync"
)

// Mapping is a virtual page of a process mapped to a physical frame.
type Mapping struct {
	PID  int
	Addr uint64
}

// ReverseMap maps physical frames to the virtual pages mapping them.
type ReverseMap struct {
	sync.RWMutex
	frames map[uint64]map[Mapping]struct{}
}

// NewReverseMap creates an empty reverse map.
func NewReverseMap() *ReverseMap {
	return &ReverseMap{frames: map[uint64]map[Mapping]struct{}{}}
}

// Add records that pid maps frame at addr.
func (r *ReverseMap) Add(frame uint64, pid int, addr uint64) {
	r.Lock()
	defer r.Unlock()
	set, ok := r.frames[frame]
	if !ok {
		set = map[Mapping]struct{}{}
		r.frames[frame] = set
	}
	set[Mapping{PID: pid, Addr: PageAlign(addr)}] = struct{}{}
}

// Remove forgets a mapping of frame. It returns true if the mapping was known.
func (r *ReverseMap) Remove(frame uint64, pid int, addr uint64) bool {
	r.Lock()
	defer r.Unlock()
	set, ok := r.frames[frame]
	if !ok {
		return false
	}
	m := Mapping{PID: pid, Addr: PageAlign(addr)}
	if _, ok := set[m]; !ok {
		return false
	}
	delete(set, m)
	if len(set) == 0 {
		delete(r.frames, frame)
	}
	return true
}

// RemoveFrame forgets all mappings of frame, returning them.
func (r *ReverseMap) RemoveFrame(frame uint64) []Mapping {
	r.Lock()
	set := r.frames[frame]
	delete(r.frames, frame)
	r.Unlock()
	return sortedMappings(set)
}

// Get returns the mappings of frame ordered by process and address.
func (r *ReverseMap) Get(frame uint64) []Mapping {
	r.RLock()
	defer r.RUnlock()
	return sortedMappings(r.frames[frame])
}

// Len returns the number of frames with mappings.
func (r *ReverseMap) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.frames)
}

func sortedMappings(set map[Mapping]struct{}) []Mapping {
	mappings := make([]Mapping, 0, len(set))
	for m := range set {
		mappings = append(mappings, m)
	}
	sort.Slice(mappings, func(i, j int) bool {
		if mappings[i].PID != mappings[j].PID {
			return mappings[i].PID < mappings[j].PID
		}
		return mappings[i].Addr < mappings[j].Addr
	})
	return mappings
}
