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

// Package codec implements the page compression transforms used for the
// compressed memory tier and for page transfers between nodes.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Algorithm identifies a compression algorithm. Its value goes on the wire.
type Algorithm uint8

const (
	// None stores data as is.
	None Algorithm = iota
	// Zero encodes all-zero pages as an empty payload.
	Zero
	// LZ4 is LZ4 block compression.
	LZ4
	// Snappy is Snappy block compression.
	Snappy
	// S2 is the S2 extension of Snappy.
	S2
	// Zstd is Zstandard compression.
	Zstd
	// Adaptive tries zero-page detection first, then falls back to LZ4.
	Adaptive
)

var algorithmNames = map[Algorithm]string{
	None:     "none",
	Zero:     "zero",
	LZ4:      "lz4",
	Snappy:   "snappy",
	S2:       "s2",
	Zstd:     "zstd",
	Adaptive: "adaptive",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm#%d", uint8(a))
}

// ParseAlgorithm parses the given algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	for a, n := range algorithmNames {
		if strings.EqualFold(n, name) {
			return a, nil
		}
	}
	return None, codecError("unknown compression algorithm %q", name)
}

// MarshalJSON is the JSON marshaller for Algorithm.
func (a Algorithm) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON is the JSON unmarshaller for Algorithm.
func (a *Algorithm) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return codecError("invalid algorithm %s: %v", string(raw), err)
	}
	parsed, err := ParseAlgorithm(name)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Level is a compression speed/ratio trade-off.
type Level int

const (
	// LevelFastest favors speed.
	LevelFastest Level = iota
	// LevelDefault is the algorithm's default.
	LevelDefault
	// LevelBetter favors compression ratio.
	LevelBetter
)

// MaxDecodedSize bounds the size data may decompress to.
const MaxDecodedSize = 1 << 20

var (
	// ErrIncompressible is returned by a Compressor which can't encode the given data.
	ErrIncompressible = errors.New("codec: data is incompressible")
	// ErrCorrupt is returned when compressed data fails to decode to its original size.
	ErrCorrupt = errors.New("codec: corrupt compressed data")
)

// Compressor is a pluggable compression transform.
type Compressor interface {
	// Algorithm returns the algorithm implemented.
	Algorithm() Algorithm
	// Compress compresses src, appending to dst[:0].
	Compress(dst, src []byte) ([]byte, error)
	// Decompress decompresses src into dst[:0], which needs to end up
	// exactly originalSize bytes long.
	Decompress(dst, src []byte, originalSize int) ([]byte, error)
}

// Block is the result of compressing a buffer: the payload together with
// the algorithm used and the original size.
type Block struct {
	Algorithm    Algorithm
	OriginalSize int
	Data         []byte
}

// Saved returns the number of bytes saved by compression, possibly negative.
func (b *Block) Saved() int {
	return b.OriginalSize - len(b.Data)
}

type factory func(Level) (Compressor, error)

var (
	lock      sync.Mutex
	factories = map[Algorithm]factory{}
	instances = map[key]Compressor{}
)

type key struct {
	algorithm Algorithm
	level     Level
}

func register(a Algorithm, f factory) {
	lock.Lock()
	defer lock.Unlock()
	factories[a] = f
}

// Get returns a Compressor for the given algorithm and level. Compressors
// are safe for concurrent use.
func Get(a Algorithm, level Level) (Compressor, error) {
	lock.Lock()
	defer lock.Unlock()

	k := key{a, level}
	if c, ok := instances[k]; ok {
		return c, nil
	}
	f, ok := factories[a]
	if !ok {
		return nil, codecError("unsupported compression algorithm %s", a)
	}
	c, err := f(level)
	if err != nil {
		return nil, err
	}
	instances[k] = c
	return c, nil
}

// Encode compresses data using c. If c can't make the data smaller, the
// data is stored uncompressed instead.
func Encode(c Compressor, data []byte) (*Block, error) {
	if c != nil && c.Algorithm() != None {
		out, err := c.Compress(nil, data)
		switch {
		case err == nil && len(out) < len(data):
			return &Block{Algorithm: c.Algorithm(), OriginalSize: len(data), Data: out}, nil
		case err != nil && !errors.Is(err, ErrIncompressible):
			return nil, err
		}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return &Block{Algorithm: None, OriginalSize: len(data), Data: out}, nil
}

// Decode decompresses a Block, checking that the result has its original size.
func Decode(b *Block) ([]byte, error) {
	return DecodeInto(nil, b.Algorithm, b.Data, b.OriginalSize)
}

// DecodeInto decompresses data compressed with the given algorithm into dst[:0].
func DecodeInto(dst []byte, a Algorithm, data []byte, originalSize int) ([]byte, error) {
	if originalSize < 0 || originalSize > MaxDecodedSize {
		return nil, fmt.Errorf("%w: original size %d out of range", ErrCorrupt, originalSize)
	}
	c, err := Get(a, LevelDefault)
	if err != nil {
		return nil, err
	}
	out, err := c.Decompress(dst, data, originalSize)
	if err != nil {
		return nil, err
	}
	if len(out) != originalSize {
		return nil, fmt.Errorf("%w: %s produced %d bytes, expected %d", ErrCorrupt, a, len(out), originalSize)
	}
	return out, nil
}

func codecError(format string, args ...interface{}) error {
	return fmt.Errorf("codec: "+format, args...)
}
