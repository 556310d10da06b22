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
)

// none is the identity transform.
type none struct{}

func (none) Algorithm() Algorithm { return None }

func (none) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (none) Decompress(dst, src []byte, originalSize int) ([]byte, error) {
	if len(src) != originalSize {
		return nil, fmt.Errorf("%w: %d bytes of uncompressed data, expected %d", ErrCorrupt, len(src), originalSize)
	}
	return append(dst[:0], src...), nil
}

// zero encodes all-zero buffers as an empty payload.
type zero struct{}

func (zero) Algorithm() Algorithm { return Zero }

func (zero) Compress(dst, src []byte) ([]byte, error) {
	if !IsZero(src) {
		return nil, ErrIncompressible
	}
	return dst[:0], nil
}

func (zero) Decompress(dst, src []byte, originalSize int) ([]byte, error) {
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: %d bytes of zero page payload", ErrCorrupt, len(src))
	}
	if cap(dst) < originalSize {
		return make([]byte, originalSize), nil
	}
	dst = dst[:originalSize]
	for i := range dst {
		dst[i] = 0
	}
	return dst, nil
}

// IsZero returns true if buf contains only zero bytes.
func IsZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// adaptive tries zero-page detection before a general purpose compressor.
// The payload carries a one-byte tag telling which one was used.
type adaptive struct {
	fallback Compressor
}

const (
	adaptiveZero byte = iota
	adaptiveFallback
)

func (adaptive) Algorithm() Algorithm { return Adaptive }

func (a adaptive) Compress(dst, src []byte) ([]byte, error) {
	if IsZero(src) {
		return append(dst[:0], adaptiveZero), nil
	}
	out, err := a.fallback.Compress(nil, src)
	if err != nil {
		return nil, err
	}
	return append(append(dst[:0], adaptiveFallback), out...), nil
}

func (a adaptive) Decompress(dst, src []byte, originalSize int) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty adaptive payload", ErrCorrupt)
	}
	switch src[0] {
	case adaptiveZero:
		return zero{}.Decompress(dst, src[1:], originalSize)
	case adaptiveFallback:
		return a.fallback.Decompress(dst, src[1:], originalSize)
	}
	return nil, fmt.Errorf("%w: unknown adaptive tag %d", ErrCorrupt, src[0])
}

func init() {
	register(None, func(Level) (Compressor, error) { return none{}, nil })
	register(Zero, func(Level) (Compressor, error) { return zero{}, nil })
	register(Adaptive, func(level Level) (Compressor, error) {
		fallback, err := newLZ4(level)
		if err != nil {
			return nil, err
		}
		return adaptive{fallback: fallback}, nil
	})
}
