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

	"github.com/pkg/errors"

	"github.com/intel/telepaging/pkg/telepage/codec"
)

// CompressedStore is the compressed tier: pages kept compressed in
// memory, addressed by opaque handles.
type CompressedStore struct {
	sync.Mutex
	compressor codec.Compressor
	blocks     map[uint64]*codec.Block
	next       uint64
	stats      CompressedStats
}

// CompressedStats are the statistics of a CompressedStore.
type CompressedStats struct {
	Pages      int
	Stored     uint64
	Loaded     uint64
	Bytes      uint64
	BytesSaved int64
	SavedTotal int64
	ByAlg      map[codec.Algorithm]int
}

// NewCompressedStore creates a store compressing pages with c.
func NewCompressedStore(c codec.Compressor) *CompressedStore {
	return &CompressedStore{
		compressor: c,
		blocks:     map[uint64]*codec.Block{},
		next:       1,
	}
}

// Store compresses a page, returning its handle.
func (s *CompressedStore) Store(page []byte) (uint64, error) {
	b, err := codec.Encode(s.compressor, page)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compress page")
	}

	s.Lock()
	defer s.Unlock()

	h := s.next
	s.next++
	s.blocks[h] = b
	s.stats.Stored++
	s.stats.Bytes += uint64(len(b.Data))
	s.stats.BytesSaved += int64(b.Saved())
	s.stats.SavedTotal += int64(b.Saved())

	return h, nil
}

// Load decompresses the page stored under a handle.
func (s *CompressedStore) Load(h uint64) ([]byte, error) {
	s.Lock()
	b, ok := s.blocks[h]
	if ok {
		s.stats.Loaded++
	}
	s.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrInvalidAddress, "no compressed page with handle %d", h)
	}
	return codec.Decode(b)
}

// Free drops the page stored under a handle.
func (s *CompressedStore) Free(h uint64) {
	s.Lock()
	defer s.Unlock()
	b, ok := s.blocks[h]
	if !ok {
		log.Error("freeing unknown compressed page %d", h)
		return
	}
	delete(s.blocks, h)
	s.stats.Bytes -= uint64(len(b.Data))
	s.stats.BytesSaved -= int64(b.Saved())
}

// Stats returns the statistics of the store. BytesSaved covers the
// pages currently stored, SavedTotal every page ever stored.
func (s *CompressedStore) Stats() CompressedStats {
	s.Lock()
	defer s.Unlock()
	stats := s.stats
	stats.Pages = len(s.blocks)
	stats.ByAlg = map[codec.Algorithm]int{}
	for _, b := range s.blocks {
		stats.ByAlg[b.Algorithm]++
	}
	return stats
}
