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

package codec

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// lz4Block is LZ4 block compression, high-compression mode for LevelBetter.
type lz4Block struct {
	level Level
}

func newLZ4(level Level) (Compressor, error) {
	return &lz4Block{level: level}, nil
}

func (*lz4Block) Algorithm() Algorithm { return LZ4 }

func (c *lz4Block) Compress(dst, src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]

	var (
		n   int
		err error
	)
	if c.level == LevelBetter {
		n, err = lz4.CompressBlockHC(src, dst, lz4.Level9, nil, nil)
	} else {
		n, err = lz4.CompressBlock(src, dst, nil)
	}
	switch {
	case err != nil:
		return nil, codecError("lz4 compression failed: %v", err)
	case n == 0:
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

func (*lz4Block) Decompress(dst, src []byte, originalSize int) ([]byte, error) {
	if cap(dst) < originalSize {
		dst = make([]byte, originalSize)
	}
	dst = dst[:originalSize]
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	return dst[:n], nil
}

// snappyBlock is Snappy block compression.
type snappyBlock struct{}

func (snappyBlock) Algorithm() Algorithm { return Snappy }

func (snappyBlock) Compress(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst[:cap(dst)], src), nil
}

func (snappyBlock) Decompress(dst, src []byte, originalSize int) ([]byte, error) {
	if n, err := snappy.DecodedLen(src); err != nil || n != originalSize {
		return nil, fmt.Errorf("%w: snappy: decoded length %d, expected %d (%v)", ErrCorrupt, n, originalSize, err)
	}
	out, err := snappy.Decode(dst[:cap(dst)], src)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
	}
	return out, nil
}

// s2Block is S2 block compression.
type s2Block struct {
	level Level
}

func (*s2Block) Algorithm() Algorithm { return S2 }

func (c *s2Block) Compress(dst, src []byte) ([]byte, error) {
	dst = dst[:cap(dst)]
	switch c.level {
	case LevelBetter:
		return s2.EncodeBetter(dst, src), nil
	default:
		return s2.Encode(dst, src), nil
	}
}

func (*s2Block) Decompress(dst, src []byte, originalSize int) ([]byte, error) {
	if n, err := s2.DecodedLen(src); err != nil || n != originalSize {
		return nil, fmt.Errorf("%w: s2: decoded length %d, expected %d (%v)", ErrCorrupt, n, originalSize, err)
	}
	out, err := s2.Decode(dst[:cap(dst)], src)
	if err != nil {
		return nil, fmt.Errorf("%w: s2: %v", ErrCorrupt, err)
	}
	return out, nil
}

// zstdBlock is Zstandard compression using shared, concurrency-safe
// stateless encoder and decoder instances.
type zstdBlock struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd(level Level) (Compressor, error) {
	levels := map[Level]zstd.EncoderLevel{
		LevelFastest: zstd.SpeedFastest,
		LevelDefault: zstd.SpeedDefault,
		LevelBetter:  zstd.SpeedBetterCompression,
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(levels[level]),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true))
	if err != nil {
		return nil, codecError("failed to create zstd encoder: %v", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		return nil, codecError("failed to create zstd decoder: %v", err)
	}
	return &zstdBlock{enc: enc, dec: dec}, nil
}

func (*zstdBlock) Algorithm() Algorithm { return Zstd }

func (c *zstdBlock) Compress(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst[:0]), nil
}

func (c *zstdBlock) Decompress(dst, src []byte, originalSize int) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	return out, nil
}

func init() {
	register(LZ4, newLZ4)
	register(Snappy, func(Level) (Compressor, error) { return snappyBlock{}, nil })
	register(S2, func(level Level) (Compressor, error) { return &s2Block{level: level}, nil })
	register(Zstd, newZstd)
}
