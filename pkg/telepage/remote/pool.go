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

package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/intel/telepaging/pkg/telepage/protocol"
)

// Resolver resolves node ids to network addresses.
type Resolver interface {
	ResolveNodeAddress(node uint64) (string, error)
}

// Node is a remote node known to a Pool.
type Node struct {
	ID      uint64
	Address string
	Memory  uint64
}

const (
	// assumed latency of nodes not yet measured
	defaultLatency = time.Millisecond
	// assumed bandwidth of nodes not yet measured
	defaultBandwidth = 1000.0
	// nodes with less free memory than this share are not selected
	minFreeRatio = 0.05
)

// Pool is the set of clients for the remote nodes of the cluster.
type Pool struct {
	sync.RWMutex
	opts    Options
	nodes   map[uint64]Node
	clients map[uint64]*Client
}

// NewPool creates a pool of clients for the given nodes.
func NewPool(nodes []Node, opts Options) *Pool {
	p := &Pool{
		opts:    opts,
		nodes:   map[uint64]Node{},
		clients: map[uint64]*Client{},
	}
	for _, n := range nodes {
		if n.ID == opts.Local {
			continue
		}
		p.nodes[n.ID] = n
	}
	return p
}

// ResolveNodeAddress returns the address of a node.
func (p *Pool) ResolveNodeAddress(node uint64) (string, error) {
	p.RLock()
	defer p.RUnlock()
	n, ok := p.nodes[node]
	if !ok {
		return "", errors.Wrapf(protocol.ErrConnection, "unknown node %d", node)
	}
	return n.Address, nil
}

// Client returns the client for a node, creating it if necessary.
func (p *Pool) Client(node uint64) (*Client, error) {
	p.RLock()
	c, ok := p.clients[node]
	p.RUnlock()
	if ok {
		return c, nil
	}

	p.Lock()
	defer p.Unlock()
	if c, ok := p.clients[node]; ok {
		return c, nil
	}
	n, ok := p.nodes[node]
	if !ok {
		return nil, errors.Wrapf(protocol.ErrConnection, "unknown node %d", node)
	}
	c, err := NewClient(n.ID, n.Address, n.Memory, p.opts)
	if err != nil {
		return nil, err
	}
	p.clients[node] = c
	return c, nil
}

// Nodes returns the ids of the known nodes in ascending order.
func (p *Pool) Nodes() []uint64 {
	p.RLock()
	defer p.RUnlock()
	ids := make([]uint64, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Score scores a node for placing new remote memory. Faster nodes with
// more free memory score higher.
func Score(s NodeStats) float64 {
	if s.TotalMemory == 0 {
		return 0
	}
	latency, bandwidth := s.Latency, s.BandwidthMBps
	if latency == 0 {
		latency = defaultLatency
	}
	if bandwidth == 0 {
		bandwidth = defaultBandwidth
	}
	free := float64(s.FreeMemory) / float64(s.TotalMemory)
	return bandwidth * free / (float64(latency.Microseconds()) + 1)
}

// SelectOptimalNode selects the best scoring node with at least size
// bytes of free memory.
func (p *Pool) SelectOptimalNode(size uint64) (uint64, error) {
	var (
		best      uint64
		bestScore float64
		found     bool
	)

	for _, id := range p.Nodes() {
		c, err := p.Client(id)
		if err != nil {
			continue
		}
		s := c.Stats()
		if s.ConnectFailure != "" && !s.Connected {
			continue
		}
		if s.FreeMemory < size || float64(s.FreeMemory) < minFreeRatio*float64(s.TotalMemory) {
			continue
		}
		if score := Score(s); !found || score > bestScore {
			best, bestScore, found = id, score, true
		}
	}

	if !found {
		return 0, errors.Wrapf(protocol.ErrRemoteOutOfMemory, "no node with %d bytes of free memory", size)
	}
	return best, nil
}

// Measure measures the latency and optionally the bandwidth of every
// node concurrently. Failures are isolated to the failing node.
func (p *Pool) Measure(ctx context.Context, bandwidth bool) {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range p.Nodes() {
		c, err := p.Client(id)
		if err != nil {
			continue
		}
		g.Go(func() error {
			if _, err := c.MeasureLatency(ctx); err != nil {
				rlog.Warn("failed to measure latency of node %d: %v", c.Node(), err)
				return nil
			}
			if bandwidth {
				if _, err := c.MeasureBandwidth(ctx); err != nil {
					rlog.Warn("failed to measure bandwidth of node %d: %v", c.Node(), err)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// Maintain fails timed out requests of every client.
func (p *Pool) Maintain(now time.Time) int {
	p.RLock()
	defer p.RUnlock()
	cnt := 0
	for _, c := range p.clients {
		cnt += c.Maintain(now)
	}
	return cnt
}

// Stats returns the statistics of every node.
func (p *Pool) Stats() []NodeStats {
	var stats []NodeStats
	for _, id := range p.Nodes() {
		c, err := p.Client(id)
		if err != nil {
			continue
		}
		stats = append(stats, c.Stats())
	}
	return stats
}

// Close closes every client.
func (p *Pool) Close() {
	p.RLock()
	defer p.RUnlock()
	for _, c := range p.clients {
		c.Close()
	}
}
