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
	"bytes"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func testPages() map[string][]byte {
	random := make([]byte, pageSize)
	rand.New(rand.NewSource(1)).Read(random)

	text := bytes.Repeat([]byte("telepaging moves pages between tiers. "), pageSize/38+1)[:pageSize]

	sparse := make([]byte, pageSize)
	for i := 0; i < pageSize; i += 512 {
		sparse[i] = byte(i / 512)
	}

	return map[string][]byte{
		"zero":   make([]byte, pageSize),
		"random": random,
		"text":   text,
		"sparse": sparse,
		"empty":  {},
		"short":  []byte("x"),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, a := range []Algorithm{None, Zero, LZ4, Snappy, S2, Zstd, Adaptive} {
		for _, level := range []Level{LevelFastest, LevelDefault, LevelBetter} {
			c, err := Get(a, level)
			require.NoError(t, err, "get %s", a)
			for name, data := range testPages() {
				t.Run(a.String()+"/"+name, func(t *testing.T) {
					blk, err := Encode(c, data)
					require.NoError(t, err)
					require.Equal(t, len(data), blk.OriginalSize)
					require.LessOrEqual(t, len(blk.Data), len(data))

					out, err := Decode(blk)
					require.NoError(t, err)
					require.Equal(t, len(data), len(out))
					require.True(t, bytes.Equal(data, out))
				})
			}
		}
	}
}

func TestCompressible(t *testing.T) {
	text := testPages()["text"]
	for _, a := range []Algorithm{LZ4, Snappy, S2, Zstd, Adaptive} {
		t.Run(a.String(), func(t *testing.T) {
			c, err := Get(a, LevelDefault)
			require.NoError(t, err)
			blk, err := Encode(c, text)
			require.NoError(t, err)
			require.Equal(t, a, blk.Algorithm)
			require.Greater(t, blk.Saved(), 0)
		})
	}

	c, err := Get(Zero, LevelDefault)
	require.NoError(t, err)
	blk, err := Encode(c, make([]byte, pageSize))
	require.NoError(t, err)
	require.Equal(t, Zero, blk.Algorithm)
	require.Equal(t, pageSize, blk.Saved())

	blk, err = Encode(c, text)
	require.NoError(t, err)
	require.Equal(t, None, blk.Algorithm, "non-zero page falls back to none")
}

func TestCorruption(t *testing.T) {
	text := testPages()["text"]
	for _, a := range []Algorithm{LZ4, Snappy, S2, Zstd, Adaptive} {
		t.Run(a.String(), func(t *testing.T) {
			c, err := Get(a, LevelDefault)
			require.NoError(t, err)
			blk, err := Encode(c, text)
			require.NoError(t, err)

			_, err = DecodeInto(nil, blk.Algorithm, blk.Data[:len(blk.Data)/2], blk.OriginalSize)
			require.Error(t, err)

			_, err = DecodeInto(nil, blk.Algorithm, blk.Data, blk.OriginalSize+1)
			require.Error(t, err)
		})
	}

	_, err := DecodeInto(nil, Zero, []byte{1}, pageSize)
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = DecodeInto(nil, None, []byte{1, 2}, 3)
	require.ErrorIs(t, err, ErrCorrupt)

	for _, a := range []Algorithm{Zero, LZ4, Zstd} {
		_, err = DecodeInto(nil, a, nil, MaxDecodedSize+1)
		require.ErrorIs(t, err, ErrCorrupt, "%s decoding to %d bytes", a, MaxDecodedSize+1)
		_, err = DecodeInto(nil, a, nil, -1)
		require.ErrorIs(t, err, ErrCorrupt)
	}
}

func TestAlgorithmNames(t *testing.T) {
	for a, name := range algorithmNames {
		parsed, err := ParseAlgorithm(name)
		require.NoError(t, err)
		require.Equal(t, a, parsed)
	}
	_, err := ParseAlgorithm("brotli")
	require.Error(t, err)

	var cfg struct {
		Compression Algorithm
	}
	require.NoError(t, json.Unmarshal([]byte(`{"Compression":"ZSTD"}`), &cfg))
	require.Equal(t, Zstd, cfg.Compression)
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.JSONEq(t, `{"Compression":"zstd"}`, string(raw))
}
