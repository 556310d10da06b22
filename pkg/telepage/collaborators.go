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
	"sync/atomic"
)

// Allocator hands out local physical frames.
type Allocator interface {
	// AllocatePage allocates a frame, or fails with ErrOutOfMemory.
	AllocatePage() (uint64, error)
	// FreePage returns a frame to the allocator.
	FreePage(addr uint64)
}

// PhysicalMemory reads and writes page-sized buffers at frame addresses.
type PhysicalMemory interface {
	Read(addr uint64, buf []byte) error
	Write(addr uint64, data []byte) error
}

// Pool is the local memory of one tier.
type Pool interface {
	Allocator
	PhysicalMemory
}

// Scheduler suspends and resumes threads waiting for page fetches.
type Scheduler interface {
	// Block suspends the caller until done is closed or ctx is cancelled.
	Block(ctx context.Context, id uint64, done <-chan struct{}) error
	// Wake is called once the request id has completed, before done is
	// closed. All threads blocked on id are resumed.
	Wake(id uint64, err error)
}

// Cluster locates remote nodes.
type Cluster interface {
	ResolveNodeAddress(node uint64) (string, error)
	SelectOptimalNode(size uint64) (uint64, error)
}

// TLB is the address translation cache of the CPUs.
type TLB interface {
	Flush(pid int, addr uint64)
}

// GoroutineScheduler is a Scheduler for goroutines. Blocked goroutines
// wait on the completion channel, which wakes all of them at once.
type GoroutineScheduler struct {
	sync.Mutex
	blocked map[uint64]int
	wakeups atomic.Uint64
}

// NewGoroutineScheduler creates a goroutine scheduler.
func NewGoroutineScheduler() *GoroutineScheduler {
	return &GoroutineScheduler{blocked: map[uint64]int{}}
}

// Block implements Scheduler.
func (s *GoroutineScheduler) Block(ctx context.Context, id uint64, done <-chan struct{}) error {
	s.Lock()
	s.blocked[id]++
	s.Unlock()

	defer func() {
		s.Lock()
		if s.blocked[id]--; s.blocked[id] <= 0 {
			delete(s.blocked, id)
		}
		s.Unlock()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake implements Scheduler.
func (s *GoroutineScheduler) Wake(id uint64, err error) {
	s.Lock()
	n := s.blocked[id]
	s.Unlock()
	s.wakeups.Add(uint64(n))
	if err != nil {
		log.Debug("waking %d waiter(s) of fault #%d: %v", n, id, err)
	}
}

// Blocked returns the number of goroutines blocked on id.
func (s *GoroutineScheduler) Blocked(id uint64) int {
	s.Lock()
	defer s.Unlock()
	return s.blocked[id]
}

// Wakeups returns the number of goroutines woken so far.
func (s *GoroutineScheduler) Wakeups() uint64 {
	return s.wakeups.Load()
}

// countingTLB is the TLB used when none is given. It only counts flushes.
type countingTLB struct {
	flushes atomic.Uint64
}

func (t *countingTLB) Flush(int, uint64) {
	t.flushes.Add(1)
}
