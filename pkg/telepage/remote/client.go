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

// Package remote implements the client and server ends of remote page
// transfers: a Client per remote node, a Pool of clients scoring nodes
// for placement and a Server exporting local memory to other nodes.
package remote

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	logger "github.com/intel/telepaging/pkg/log"
	"github.com/intel/telepaging/pkg/telepage/codec"
	"github.com/intel/telepaging/pkg/telepage/protocol"
)

var log = logger.NewLogger("remote")

// Rate-limited logger for per-request failures.
var rlog = logger.RateLimit(log, logger.Interval(5*time.Second))

const (
	// transferChunk is the largest amount of data moved by a single request.
	transferChunk = 2 * protocol.PageSize
	// bandwidthSample is the amount of data read to measure bandwidth.
	bandwidthSample = 16 * protocol.PageSize
)

// Region is memory allocated on a remote node.
type Region struct {
	// ID is the key of the region on the remote node.
	ID uuid.UUID
	// Node is the id of the remote node.
	Node uint64
	// LocalAddr is the local address the region backs, if any.
	LocalAddr uint64
	// RemoteAddr is the address of the region on the remote node.
	RemoteAddr uint64
	// Size is the size of the region.
	Size uint64
	// Latency is the latency to the node when the region was allocated.
	Latency time.Duration

	freed atomic.Bool
}

// Freed returns true if the region has been freed.
func (r *Region) Freed() bool {
	return r.freed.Load()
}

// Options are the options of a Client.
type Options struct {
	// Local is the id of the local node.
	Local uint64
	// Timeout is the timeout of individual requests.
	Timeout time.Duration
	// Transform seals and opens payloads.
	Transform *protocol.Transform
	// Transport is the transport requested from remote nodes.
	Transport protocol.Transport
}

// NodeStats are the statistics and measurements of a remote node.
type NodeStats struct {
	Node           uint64
	Address        string
	Connected      bool
	Latency        time.Duration
	BandwidthMBps  float64
	TotalMemory    uint64
	FreeMemory     uint64
	Regions        int
	Requests       uint64
	Failures       uint64
	BytesRead      uint64
	BytesWritten   uint64
	BytesSaved     int64
	LastMeasured   time.Time
	ConnectFailure string
}

// Client is the connection to a single remote node. The connection is
// established lazily on first use. A failed connection attempt is not
// retried until the next operation.
type Client struct {
	sync.Mutex
	opts    Options
	node    uint64
	addr    string
	conn    net.Conn
	wlock   sync.Mutex
	pending *protocol.PendingTable
	regions map[uuid.UUID]*Region
	stats   NodeStats
}

// NewClient creates a client for the given node reachable at addr. The
// memory size is the capacity assumed until the node has been measured.
func NewClient(node uint64, addr string, memory uint64, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = protocol.DefaultTimeout
	}
	if opts.Transform == nil {
		t, err := protocol.NewTransform(codec.None, codec.LevelDefault, protocol.EncryptionNone, nil)
		if err != nil {
			return nil, err
		}
		opts.Transform = t
	}
	return &Client{
		opts:    opts,
		node:    node,
		addr:    addr,
		pending: protocol.NewPendingTable(opts.Timeout),
		regions: map[uuid.UUID]*Region{},
		stats: NodeStats{
			Node:        node,
			Address:     addr,
			TotalMemory: memory,
			FreeMemory:  memory,
		},
	}, nil
}

// Node returns the id of the remote node.
func (c *Client) Node() uint64 {
	return c.node
}

// Connect connects to the remote node unless already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.stats.ConnectFailure = err.Error()
		return errors.Wrapf(protocol.ErrConnection, "failed to connect to node %d at %s: %v",
			c.node, c.addr, err)
	}

	log.Info("connected to node %d at %s", c.node, c.addr)

	c.conn = conn
	c.stats.Connected = true
	c.stats.ConnectFailure = ""
	go c.receive(conn)

	return nil
}

// disconnect drops the given connection and fails every request sent
// over it. Requests to other nodes are unaffected.
func (c *Client) disconnect(conn net.Conn, cause error) {
	c.Lock()
	if c.conn != conn {
		c.Unlock()
		return
	}
	c.conn = nil
	c.stats.Connected = false
	c.Unlock()

	conn.Close()
	if cnt := c.pending.FailAll(errors.Wrapf(protocol.ErrConnection, "node %d: %v", c.node, cause)); cnt > 0 {
		log.Warn("connection to node %d lost (%v), failed %d requests", c.node, cause, cnt)
	}
}

// Close closes the connection to the remote node.
func (c *Client) Close() {
	c.Lock()
	conn := c.conn
	c.Unlock()
	if conn != nil {
		c.disconnect(conn, errors.New("client closed"))
	}
}

// receive demultiplexes messages received over conn to their requests.
func (c *Client) receive(conn net.Conn) {
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil && msg == nil {
			c.disconnect(conn, err)
			return
		}
		if err != nil {
			rlog.Error("node %d: %v", c.node, err)
			c.pending.Fail(msg.RequestID(), err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Response:
			c.complete(m)
		case *protocol.ErrorMessage:
			c.pending.Fail(m.ID, m.Err())
		default:
			rlog.Warn("node %d: ignoring unexpected %s message", c.node, msg.Kind())
		}
	}
}

// complete completes a request with its response, opening any returned
// page data so that every waiter sees the same verified result.
func (c *Client) complete(rsp *protocol.Response) {
	p, ok := c.pending.Lookup(rsp.ID)
	if !ok {
		rlog.Warn("node %d: dropping response to unknown request #%d", c.node, rsp.ID)
		return
	}

	result := protocol.Result{Response: rsp}
	if rsp.Status != protocol.StatusOK {
		result.Err = errors.Wrapf(protocol.ErrRemote, "node %d: request #%d failed", c.node, rsp.ID)
	} else {
		switch p.Op {
		case protocol.Read, protocol.Prefetch, protocol.Share:
			data, err := c.opts.Transform.Open(rsp.Envelope())
			if err != nil {
				rlog.Error("node %d: %s response #%d: %v", c.node, p.Op, rsp.ID, err)
			}
			result.Data, result.Err = data, err
			c.Lock()
			c.stats.BytesRead += uint64(len(rsp.Payload))
			c.stats.BytesSaved += int64(rsp.OriginalSize) - int64(len(rsp.Payload))
			c.Unlock()
		}
	}

	c.pending.Complete(rsp.ID, result)
}

// send sends a request tracked by p, connecting first if necessary.
func (c *Client) send(ctx context.Context, p *protocol.Pending, req *protocol.Request) error {
	c.Lock()
	if err := c.connect(ctx); err != nil {
		c.stats.Failures++
		c.Unlock()
		c.pending.Fail(p.ID, err)
		return err
	}
	conn := c.conn
	c.stats.Requests++
	c.Unlock()

	req.Version = protocol.Version
	req.ID = p.ID
	req.Source = c.opts.Local
	req.Target = c.node
	req.Timestamp = uint64(time.Now().UnixNano())
	req.Transport = c.opts.Transport
	if req.Type == 0 {
		req.Type = protocol.PageRequest
	}

	c.wlock.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
	err := protocol.WriteMessage(conn, req)
	c.wlock.Unlock()

	if err != nil {
		err = errors.Wrapf(protocol.ErrConnection, "failed to send %s to node %d: %v", req.Op, c.node, err)
		c.pending.Fail(p.ID, err)
		c.disconnect(conn, err)
		return err
	}
	return nil
}

// wait waits for the outcome of a request, for at most the request timeout.
func (c *Client) wait(ctx context.Context, p *protocol.Pending) protocol.Result {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	r := p.Wait(ctx)
	if r.Err != nil && errors.Is(r.Err, protocol.ErrTimeout) {
		// fail it for everyone, as periodic maintenance would
		c.pending.Fail(p.ID, r.Err)
	}
	if r.Err != nil {
		c.Lock()
		c.stats.Failures++
		c.Unlock()
	}
	return r
}

// roundTrip sends a non-coalesced request and waits for its outcome.
func (c *Client) roundTrip(ctx context.Context, req *protocol.Request) protocol.Result {
	p := c.pending.Issue(req.Op)
	if err := c.send(ctx, p, req); err != nil {
		return protocol.Result{Err: err}
	}
	return c.wait(ctx, p)
}

func (c *Client) region(r *Region) error {
	if r == nil || r.Freed() || r.Node != c.node {
		return errors.Wrapf(protocol.ErrStaleRegion, "node %d: region %v", c.node, regionID(r))
	}
	c.Lock()
	defer c.Unlock()
	if _, ok := c.regions[r.ID]; !ok {
		return errors.Wrapf(protocol.ErrStaleRegion, "node %d: unknown region %s", c.node, r.ID)
	}
	return nil
}

func regionID(r *Region) interface{} {
	if r == nil {
		return "<nil>"
	}
	return r.ID
}

// Allocate allocates a region of the given size on the remote node.
func (c *Client) Allocate(ctx context.Context, size uint64) (*Region, error) {
	ctx, span := trace.StartSpan(ctx, "remote.Allocate")
	defer span.End()

	start := time.Now()
	r := c.roundTrip(ctx, &protocol.Request{Op: protocol.Allocate, Address: size})
	if r.Err != nil {
		return nil, errors.Wrapf(r.Err, "failed to allocate %d bytes on node %d", size, c.node)
	}

	region := &Region{
		ID:         r.Response.Region,
		Node:       c.node,
		RemoteAddr: r.Response.Address,
		Size:       size,
		Latency:    time.Since(start),
	}

	c.Lock()
	c.regions[region.ID] = region
	c.stats.Regions = len(c.regions)
	if c.stats.FreeMemory >= size {
		c.stats.FreeMemory -= size
	}
	c.Unlock()

	log.Debug("allocated region %s of %d bytes at %#x on node %d", region.ID, size, region.RemoteAddr, c.node)

	return region, nil
}

// Free frees a region. The region is unusable afterwards, even if the
// remote node fails to free it.
func (c *Client) Free(ctx context.Context, region *Region) error {
	if err := c.region(region); err != nil {
		return err
	}

	ctx, span := trace.StartSpan(ctx, "remote.Free")
	defer span.End()

	region.freed.Store(true)
	c.Lock()
	delete(c.regions, region.ID)
	c.stats.Regions = len(c.regions)
	c.stats.FreeMemory += region.Size
	c.Unlock()

	r := c.roundTrip(ctx, &protocol.Request{Op: protocol.Free, Region: region.ID})
	if r.Err != nil {
		return errors.Wrapf(r.Err, "failed to free region %s on node %d", region.ID, c.node)
	}

	return nil
}

// Read reads length bytes at offset from a region.
func (c *Client) Read(ctx context.Context, region *Region, offset, length uint64) ([]byte, error) {
	if err := c.region(region); err != nil {
		return nil, err
	}
	if offset+length > region.Size {
		return nil, errors.Wrapf(protocol.ErrOutOfBounds, "read of %d bytes at %d from region of %d bytes",
			length, offset, region.Size)
	}

	ctx, span := trace.StartSpan(ctx, "remote.Read")
	defer span.End()
	span.AddAttributes(trace.Int64Attribute("bytes", int64(length)))

	data := make([]byte, 0, length)
	for done := uint64(0); done < length; {
		n := min(length-done, transferChunk)
		r := c.roundTrip(ctx, &protocol.Request{
			Op:          protocol.Read,
			Region:      region.ID,
			Address:     offset + done,
			Size:        uint32(n),
			Compression: c.opts.Transform.Compression(),
			Encryption:  c.opts.Transform.Encryption(),
		})
		if r.Err != nil {
			return nil, errors.Wrapf(r.Err, "failed to read region %s on node %d", region.ID, c.node)
		}
		if uint64(len(r.Data)) != n {
			return nil, errors.Wrapf(protocol.ErrInvalidMessage, "read %d bytes, expected %d", len(r.Data), n)
		}
		data = append(data, r.Data...)
		done += n
	}

	return data, nil
}

// Write writes data at offset to a region. Each chunk is acknowledged by
// the remote node echoing the checksum of what it stored.
func (c *Client) Write(ctx context.Context, region *Region, offset uint64, data []byte) error {
	if err := c.region(region); err != nil {
		return err
	}
	if offset+uint64(len(data)) > region.Size {
		return errors.Wrapf(protocol.ErrOutOfBounds, "write of %d bytes at %d to region of %d bytes",
			len(data), offset, region.Size)
	}

	ctx, span := trace.StartSpan(ctx, "remote.Write")
	defer span.End()
	span.AddAttributes(trace.Int64Attribute("bytes", int64(len(data))))

	for done := 0; done < len(data); {
		n := int(min(uint64(len(data)-done), transferChunk))
		env, err := c.opts.Transform.Seal(data[done : done+n])
		if err != nil {
			return err
		}
		req := &protocol.Request{
			Op:      protocol.Write,
			Region:  region.ID,
			Address: offset + uint64(done),
		}
		req.SetEnvelope(env)

		r := c.roundTrip(ctx, req)
		if r.Err != nil {
			return errors.Wrapf(r.Err, "failed to write region %s on node %d", region.ID, c.node)
		}
		if r.Response.Checksum != env.Checksum {
			return errors.Wrapf(protocol.ErrChecksum, "node %d acknowledged write with checksum %#08x, sent %#08x",
				c.node, r.Response.Checksum, env.Checksum)
		}

		c.Lock()
		c.stats.BytesWritten += uint64(len(env.Payload))
		c.stats.BytesSaved += int64(n) - int64(len(env.Payload))
		c.Unlock()

		done += n
	}

	return nil
}

// FetchPage reads the page backing id from a region. Concurrent fetches
// of the same page with the same request type are coalesced into a
// single request, all callers receiving the same outcome.
func (c *Client) FetchPage(ctx context.Context, id protocol.PageID, op protocol.RequestType, region *Region, offset uint64) ([]byte, error) {
	if err := c.region(region); err != nil {
		return nil, err
	}

	p, owner := c.pending.Begin(protocol.Key{Page: id, Op: op})
	if owner {
		ctx, span := trace.StartSpan(ctx, "remote.FetchPage")
		span.AddAttributes(trace.StringAttribute("page", id.String()))
		defer span.End()

		req := &protocol.Request{
			Op:          op,
			PID:         id.PID,
			Region:      region.ID,
			Address:     offset,
			Size:        protocol.PageSize,
			Compression: c.opts.Transform.Compression(),
			Encryption:  c.opts.Transform.Encryption(),
		}
		if op == protocol.Prefetch {
			req.Type = protocol.PrefetchRequest
		}
		if err := c.send(ctx, p, req); err != nil {
			return nil, err
		}
	}

	r := c.wait(ctx, p)
	if r.Err != nil {
		return nil, errors.Wrapf(r.Err, "failed to fetch page %s", id)
	}
	return r.Data, nil
}

// Pending returns the table of outstanding requests.
func (c *Client) Pending() *protocol.PendingTable {
	return c.pending
}

// MeasureLatency measures the round trip time to the remote node. The
// node reports its memory capacity in the reply.
func (c *Client) MeasureLatency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	r := c.roundTrip(ctx, &protocol.Request{Type: protocol.KeepAlive})
	if r.Err != nil {
		return 0, r.Err
	}
	latency := time.Since(start)

	c.Lock()
	defer c.Unlock()
	c.stats.Latency = latency
	c.stats.LastMeasured = time.Now()
	if p := r.Response.Payload; len(p) == 16 {
		c.stats.TotalMemory = binary.BigEndian.Uint64(p[0:8])
		c.stats.FreeMemory = binary.BigEndian.Uint64(p[8:16])
	}

	return latency, nil
}

// MeasureBandwidth measures the transfer rate from the remote node, in
// MB/s, by reading an uncompressed scratch region.
func (c *Client) MeasureBandwidth(ctx context.Context) (float64, error) {
	region, err := c.Allocate(ctx, bandwidthSample)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := c.Free(ctx, region); err != nil {
			log.Warn("node %d: failed to free bandwidth scratch region %s: %v", c.node, region.ID, err)
		}
	}()

	start := time.Now()
	for done := uint64(0); done < bandwidthSample; done += transferChunk {
		r := c.roundTrip(ctx, &protocol.Request{
			Op:          protocol.Read,
			Region:      region.ID,
			Address:     done,
			Size:        transferChunk,
			Compression: codec.None,
		})
		if r.Err != nil {
			return 0, r.Err
		}
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Microsecond
	}

	mbps := float64(bandwidthSample) / (1 << 20) / elapsed.Seconds()

	c.Lock()
	c.stats.BandwidthMBps = mbps
	c.Unlock()

	return mbps, nil
}

// Maintain fails the requests which have timed out.
func (c *Client) Maintain(now time.Time) int {
	expired := c.pending.Expire(now)
	for _, p := range expired {
		rlog.Warn("node %d: %s request #%d for %s timed out", c.node, p.Op, p.ID, p.Key.Page)
	}
	return len(expired)
}

// Stats returns the statistics of the remote node.
func (c *Client) Stats() NodeStats {
	c.Lock()
	defer c.Unlock()
	return c.stats
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
