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

package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultTimeout is the default timeout of an outstanding request.
	DefaultTimeout = 5 * time.Second
)

// Key identifies coalescable requests: at most one request per key is
// outstanding at any time.
type Key struct {
	Page PageID
	Op   RequestType
}

// Result is the outcome of a request.
type Result struct {
	// Response is the response, if one was received.
	Response *Response
	// Data is the opened payload of the response.
	Data []byte
	// Err is the error the request failed with.
	Err error
}

// Pending is an outstanding request.
type Pending struct {
	ID      uint32
	Key     Key
	Op      RequestType
	Issued  time.Time
	Timeout time.Duration

	coalesced bool
	done      chan struct{}
	result    Result
	callbacks []func(Result)
}

// Done returns a channel which is closed once the request completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome of a completed request.
func (p *Pending) Result() Result {
	<-p.done
	return p.result
}

// Wait waits for the request to complete, or ctx to be done. Giving up
// on the wait does not cancel the request.
func (p *Pending) Wait(ctx context.Context) Result {
	select {
	case <-p.done:
		return p.result
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrap(ErrTimeout, err.Error())
		}
		return Result{Err: err}
	}
}

// PendingTable tracks outstanding requests, completes them when their
// responses arrive and fails them when they time out.
type PendingTable struct {
	sync.Mutex
	timeout time.Duration
	nextID  uint32
	byID    map[uint32]*Pending
	byKey   map[Key]*Pending
	created uint64
	joined  uint64
	expired uint64
}

// PendingStats are statistics of a PendingTable.
type PendingStats struct {
	Outstanding int
	Created     uint64
	Coalesced   uint64
	Expired     uint64
}

// NewPendingTable creates a table with the given request timeout.
func NewPendingTable(timeout time.Duration) *PendingTable {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PendingTable{
		timeout: timeout,
		byID:    map[uint32]*Pending{},
		byKey:   map[Key]*Pending{},
	}
}

func (t *PendingTable) newPending(op RequestType) *Pending {
	for {
		t.nextID++
		if _, busy := t.byID[t.nextID]; t.nextID != 0 && !busy {
			break
		}
	}
	p := &Pending{
		ID:      t.nextID,
		Op:      op,
		Issued:  time.Now(),
		Timeout: t.timeout,
		done:    make(chan struct{}),
	}
	t.byID[p.ID] = p
	t.created++
	return p
}

// Begin returns the outstanding request for key, creating one if there
// is none. The boolean is true if the caller created the request and is
// responsible for sending it.
func (t *PendingTable) Begin(key Key) (*Pending, bool) {
	t.Lock()
	defer t.Unlock()

	if p, ok := t.byKey[key]; ok {
		t.joined++
		return p, false
	}

	p := t.newPending(key.Op)
	p.Key = key
	p.coalesced = true
	t.byKey[key] = p
	return p, true
}

// Issue creates a request which is never coalesced with others.
func (t *PendingTable) Issue(op RequestType) *Pending {
	t.Lock()
	defer t.Unlock()
	return t.newPending(op)
}

// Lookup returns the outstanding request with the given id.
func (t *PendingTable) Lookup(id uint32) (*Pending, bool) {
	t.Lock()
	defer t.Unlock()
	p, ok := t.byID[id]
	return p, ok
}

// OnComplete registers fn to be called with the result of the request. If
// the request has already completed, fn is called right away.
func (t *PendingTable) OnComplete(p *Pending, fn func(Result)) {
	t.Lock()
	select {
	case <-p.done:
		t.Unlock()
		fn(p.result)
		return
	default:
	}
	p.callbacks = append(p.callbacks, fn)
	t.Unlock()
}

// Complete completes the request with the given id. It returns false if
// no such request is outstanding, for instance because it has timed out.
func (t *PendingTable) Complete(id uint32, result Result) bool {
	t.Lock()
	p, ok := t.byID[id]
	if !ok {
		t.Unlock()
		return false
	}
	t.remove(p)
	p.result = result
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	t.Unlock()

	for _, fn := range callbacks {
		fn(result)
	}
	return true
}

// Fail fails the request with the given id.
func (t *PendingTable) Fail(id uint32, err error) bool {
	return t.Complete(id, Result{Err: err})
}

func (t *PendingTable) remove(p *Pending) {
	delete(t.byID, p.ID)
	if p.coalesced && t.byKey[p.Key] == p {
		delete(t.byKey, p.Key)
	}
}

// Expire fails every request which has exceeded its timeout by now with
// ErrTimeout. It returns the expired requests.
func (t *PendingTable) Expire(now time.Time) []*Pending {
	t.Lock()
	var expired []*Pending
	for _, p := range t.byID {
		if now.Sub(p.Issued) > p.Timeout {
			expired = append(expired, p)
		}
	}
	t.Unlock()

	for _, p := range expired {
		err := errors.Wrapf(ErrTimeout, "%s request #%d for %s issued %s ago",
			p.Op, p.ID, p.Key.Page, now.Sub(p.Issued).Round(time.Millisecond))
		if t.Fail(p.ID, err) {
			t.Lock()
			t.expired++
			t.Unlock()
		}
	}

	return expired
}

// FailAll fails every outstanding request with err.
func (t *PendingTable) FailAll(err error) int {
	t.Lock()
	ids := make([]uint32, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	t.Unlock()

	cnt := 0
	for _, id := range ids {
		if t.Fail(id, err) {
			cnt++
		}
	}
	return cnt
}

// Len returns the number of outstanding requests.
func (t *PendingTable) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.byID)
}

// Stats returns statistics of the table.
func (t *PendingTable) Stats() PendingStats {
	t.Lock()
	defer t.Unlock()
	return PendingStats{
		Outstanding: len(t.byID),
		Created:     t.created,
		Coalesced:   t.joined,
		Expired:     t.expired,
	}
}

func now() uint64 {
	return uint64(time.Now().UnixNano())
}
