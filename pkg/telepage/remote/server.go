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
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/intel/telepaging/pkg/telepage/protocol"
)

const (
	pageSize = protocol.PageSize
	// base of the addresses handed out for exported regions
	regionBase = uint64(0x100000000000)
)

// storeRegion is a region of exported memory. Only written pages take up
// space, unwritten ones read as zeroes.
type storeRegion struct {
	id        uuid.UUID
	addr      uint64
	size      uint64
	populated *roaring.Bitmap
	pages     map[uint32][]byte
}

// Store is the memory a Server exports.
type Store struct {
	sync.Mutex
	capacity uint64
	used     uint64
	next     uint64
	regions  map[uuid.UUID]*storeRegion
}

// StoreStats are statistics of a Store.
type StoreStats struct {
	Capacity  uint64
	Used      uint64
	Regions   int
	Populated uint64
}

// NewStore creates a store with the given capacity.
func NewStore(capacity uint64) *Store {
	return &Store{
		capacity: capacity,
		next:     regionBase,
		regions:  map[uuid.UUID]*storeRegion{},
	}
}

func pageAlign(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// Allocate allocates a region.
func (s *Store) Allocate(size uint64) (uuid.UUID, uint64, error) {
	s.Lock()
	defer s.Unlock()

	size = pageAlign(size)
	if size == 0 {
		return uuid.Nil, 0, errors.Wrap(protocol.ErrInvalidAddress, "zero-sized allocation")
	}
	if s.used+size > s.capacity {
		return uuid.Nil, 0, errors.Wrapf(protocol.ErrRemoteOutOfMemory, "%d bytes requested, %d of %d free",
			size, s.capacity-s.used, s.capacity)
	}

	r := &storeRegion{
		id:        uuid.New(),
		addr:      s.next,
		size:      size,
		populated: roaring.New(),
		pages:     map[uint32][]byte{},
	}
	s.regions[r.id] = r
	s.used += size
	s.next += size

	return r.id, r.addr, nil
}

// Free frees a region.
func (s *Store) Free(id uuid.UUID) error {
	s.Lock()
	defer s.Unlock()

	r, ok := s.regions[id]
	if !ok {
		return errors.Wrapf(protocol.ErrStaleRegion, "unknown region %s", id)
	}
	delete(s.regions, id)
	s.used -= r.size
	return nil
}

func (s *Store) lookup(id uuid.UUID, offset, length uint64) (*storeRegion, error) {
	r, ok := s.regions[id]
	if !ok {
		return nil, errors.Wrapf(protocol.ErrStaleRegion, "unknown region %s", id)
	}
	if offset+length > r.size || offset+length < offset {
		return nil, errors.Wrapf(protocol.ErrOutOfBounds, "%d bytes at %d, region %s has %d",
			length, offset, id, r.size)
	}
	return r, nil
}

// ReadAt reads length bytes at offset of a region.
func (s *Store) ReadAt(id uuid.UUID, offset, length uint64) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	r, err := s.lookup(id, offset, length)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	for done := uint64(0); done < length; {
		idx := uint32((offset + done) / pageSize)
		in := (offset + done) % pageSize
		n := min(length-done, pageSize-in)
		if r.populated.Contains(idx) {
			copy(data[done:done+n], r.pages[idx][in:])
		}
		done += n
	}
	return data, nil
}

// WriteAt writes data at offset of a region.
func (s *Store) WriteAt(id uuid.UUID, offset uint64, data []byte) error {
	s.Lock()
	defer s.Unlock()

	length := uint64(len(data))
	r, err := s.lookup(id, offset, length)
	if err != nil {
		return err
	}

	for done := uint64(0); done < length; {
		idx := uint32((offset + done) / pageSize)
		in := (offset + done) % pageSize
		n := min(length-done, pageSize-in)
		page, ok := r.pages[idx]
		if !ok {
			page = make([]byte, pageSize)
			r.pages[idx] = page
			r.populated.Add(idx)
		}
		copy(page[in:in+n], data[done:done+n])
		done += n
	}
	return nil
}

// Discard drops the pages fully covered by the given range. They read
// back as zeroes.
func (s *Store) Discard(id uuid.UUID, offset, length uint64) error {
	s.Lock()
	defer s.Unlock()

	r, err := s.lookup(id, offset, length)
	if err != nil {
		return err
	}
	first := pageAlign(offset) / pageSize
	end := (offset + length) / pageSize
	if first >= end {
		return nil
	}
	dropped := roaring.New()
	dropped.AddRange(first, end)
	dropped.And(r.populated)
	it := dropped.Iterator()
	for it.HasNext() {
		delete(r.pages, it.Next())
	}
	r.populated.AndNot(dropped)
	return nil
}

// Stats returns statistics of the store.
func (s *Store) Stats() StoreStats {
	s.Lock()
	defer s.Unlock()
	st := StoreStats{
		Capacity: s.capacity,
		Used:     s.used,
		Regions:  len(s.regions),
	}
	for _, r := range s.regions {
		st.Populated += r.populated.GetCardinality()
	}
	return st
}

// Server serves page requests from other nodes against a Store.
type Server struct {
	sync.Mutex
	node      uint64
	store     *Store
	transform *protocol.Transform
	ln        net.Listener
	conns     map[net.Conn]uuid.UUID
	wg        sync.WaitGroup
	served    uint64
	failed    uint64
}

// NewServer creates a server for the given node.
func NewServer(node uint64, store *Store, transform *protocol.Transform) *Server {
	return &Server{
		node:      node,
		store:     store,
		transform: transform,
		conns:     map[net.Conn]uuid.UUID{},
	}
}

// Listen starts serving on the given TCP address.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "remote: failed to listen on %s", addr)
	}
	s.Serve(ln)
	return nil
}

// Serve starts serving connections accepted from ln.
func (s *Server) Serve(ln net.Listener) {
	s.Lock()
	s.ln = ln
	s.Unlock()

	log.Info("node %d serving pages on %s", s.node, ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Error("accept failed: %v", err)
				}
				return
			}
			session := uuid.New()
			s.Lock()
			s.conns[conn] = session
			s.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(conn, session)
			}()
		}
	}()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.Lock()
	defer s.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the server, closing every connection.
func (s *Server) Close() {
	s.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.Unlock()
	s.wg.Wait()
}

func (s *Server) serveConn(conn net.Conn, session uuid.UUID) {
	log.Debug("session %s: connection from %s", session, conn.RemoteAddr())

	defer func() {
		conn.Close()
		s.Lock()
		delete(s.conns, conn)
		s.Unlock()
		log.Debug("session %s: closed", session)
	}()

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil && msg == nil {
			return
		}

		var reply protocol.Message
		req, ok := msg.(*protocol.Request)
		switch {
		case !ok:
			rlog.Warn("session %s: ignoring %s message", session, msg.Kind())
			continue
		case err != nil:
			reply = protocol.NewError(req, s.node, err)
		default:
			reply = s.handle(req)
		}

		if e, ok := reply.(*protocol.ErrorMessage); ok {
			rlog.Warn("session %s: %s failed: %v", session, req, e.Err())
			s.count(false)
		} else {
			s.count(true)
		}

		conn.SetWriteDeadline(time.Now().Add(protocol.DefaultTimeout))
		if err := protocol.WriteMessage(conn, reply); err != nil {
			log.Error("session %s: failed to send reply: %v", session, err)
			return
		}
	}
}

func (s *Server) count(ok bool) {
	s.Lock()
	defer s.Unlock()
	if ok {
		s.served++
	} else {
		s.failed++
	}
}

func (s *Server) response(req *protocol.Request) *protocol.Response {
	t := protocol.PageResponse
	if req.Type == protocol.PrefetchRequest {
		t = protocol.PrefetchResponse
	}
	return &protocol.Response{
		Type:      t,
		Version:   protocol.Version,
		Status:    protocol.StatusOK,
		ID:        req.ID,
		Source:    s.node,
		Target:    req.Source,
		PID:       req.PID,
		Address:   req.Address,
		Timestamp: uint64(time.Now().UnixNano()),
		Region:    req.Region,
	}
}

func (s *Server) handle(req *protocol.Request) protocol.Message {
	rsp := s.response(req)

	if req.Type == protocol.KeepAlive {
		st := s.store.Stats()
		payload := make([]byte, 16)
		binary.BigEndian.PutUint64(payload[0:], st.Capacity)
		binary.BigEndian.PutUint64(payload[8:], st.Capacity-st.Used)
		rsp.SetEnvelope(protocol.Envelope{
			OriginalSize: 16,
			Checksum:     protocol.Checksum(payload),
			Payload:      payload,
		})
		return rsp
	}

	switch req.Op {
	case protocol.Allocate:
		id, addr, err := s.store.Allocate(req.Address)
		if err != nil {
			return protocol.NewError(req, s.node, err)
		}
		rsp.Region, rsp.Address = id, addr
		log.Debug("allocated region %s of %d bytes for node %d", id, req.Address, req.Source)

	case protocol.Free:
		if err := s.store.Free(req.Region); err != nil {
			return protocol.NewError(req, s.node, err)
		}

	case protocol.Read, protocol.Prefetch, protocol.Share:
		if req.Size > protocol.MaxPayload {
			return protocol.NewError(req, s.node, errors.Wrapf(protocol.ErrInvalidMessage,
				"read of %d bytes exceeds %d", req.Size, protocol.MaxPayload))
		}
		data, err := s.store.ReadAt(req.Region, req.Address, uint64(req.Size))
		if err != nil {
			return protocol.NewError(req, s.node, err)
		}
		env, err := s.transform.SealWith(data, req.Compression, req.Encryption)
		if err != nil {
			return protocol.NewError(req, s.node, err)
		}
		rsp.SetEnvelope(env)

	case protocol.Write:
		data, err := s.transform.Open(req.Envelope())
		if err != nil {
			return protocol.NewError(req, s.node, err)
		}
		if err := s.store.WriteAt(req.Region, req.Address, data); err != nil {
			return protocol.NewError(req, s.node, err)
		}
		// acknowledge by echoing the checksum of what was stored
		rsp.Checksum = req.Checksum

	case protocol.Invalidate:
		if err := s.store.Discard(req.Region, req.Address, uint64(req.Size)); err != nil {
			return protocol.NewError(req, s.node, err)
		}

	default:
		return protocol.NewError(req, s.node, errors.Wrapf(protocol.ErrNotImplemented, "%s request", req.Op))
	}

	return rsp
}

// ServerStats are statistics of a Server.
type ServerStats struct {
	Store    StoreStats
	Sessions int
	Served   uint64
	Failed   uint64
}

// Stats returns the statistics of the server.
func (s *Server) Stats() ServerStats {
	st := s.store.Stats()
	s.Lock()
	defer s.Unlock()
	return ServerStats{
		Store:    st,
		Sessions: len(s.conns),
		Served:   s.served,
		Failed:   s.failed,
	}
}
