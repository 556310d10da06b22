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
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/intel/telepaging/pkg/telepage/codec"
)

func testPage(seed int64) []byte {
	page := make([]byte, PageSize)
	rnd := rand.New(rand.NewSource(seed))
	// half random, half repetitive, so that it compresses somewhat
	rnd.Read(page[:PageSize/2])
	for i := PageSize / 2; i < PageSize; i++ {
		page[i] = byte(i % 7)
	}
	return page
}

func TestMessageCodec(t *testing.T) {
	region := uuid.New()
	tcases := []struct {
		name string
		msg  Message
	}{
		{
			name: "read request",
			msg: &Request{
				Type: PageRequest, Version: Version, Op: Read, ID: 17,
				Source: 1, Target: 2, PID: 42, Address: 0x7f0000001000,
				Timestamp: 123456789, Transport: TransportTCP,
				Compression: codec.LZ4, Encryption: EncryptionStandard,
				Region: region, Size: PageSize,
			},
		},
		{
			name: "write request with payload",
			msg: &Request{
				Type: PageRequest, Version: Version, Op: Write, ID: 18,
				Source: 1, Target: 2, PID: 42, Address: 0x2000,
				Region: region, Size: 5, Checksum: Checksum([]byte("hello")),
				Payload: []byte("hello"),
			},
		},
		{
			name: "response",
			msg: &Response{
				Type: PageResponse, Version: Version, Status: StatusOK, ID: 17,
				Source: 2, Target: 1, PID: 42, Address: 0x7f0000001000,
				Timestamp: 987654321, Region: region, OriginalSize: PageSize,
				Checksum: Checksum([]byte{1, 2, 3}), Compression: codec.Zstd,
				Encryption: EncryptionHigh, Payload: []byte{1, 2, 3},
			},
		},
		{
			name: "error",
			msg: &ErrorMessage{
				Version: Version, Code: CodeInvalidRegion, ID: 19,
				Source: 2, Target: 1, Timestamp: 55, Text: "region freed",
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			require.NoError(t, WriteMessage(buf, tc.msg))
			// messages are self-delimiting
			require.NoError(t, WriteMessage(buf, tc.msg))

			for i := 0; i < 2; i++ {
				msg, err := ReadMessage(buf)
				require.NoError(t, err)
				if diff := cmp.Diff(tc.msg, msg); diff != "" {
					t.Errorf("decoded message differs (-want +got):\n%s", diff)
				}
			}
			require.Equal(t, 0, buf.Len())
		})
	}
}

func TestMessageErrors(t *testing.T) {
	t.Run("version mismatch", func(t *testing.T) {
		b, err := Encode(&Request{Type: PageRequest, Version: Version + 1, Op: Read, ID: 3})
		require.NoError(t, err)
		buf := bytes.NewBuffer(b)
		msg, err := ReadMessage(buf)
		require.ErrorIs(t, err, ErrProtocolVersion)
		require.NotNil(t, msg)
		require.Equal(t, uint32(3), msg.RequestID())
		require.Equal(t, 0, buf.Len(), "mismatching message should be consumed")
	})

	t.Run("unknown message type", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{0x42, Version}))
		require.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("oversized payload", func(t *testing.T) {
		_, err := Encode(&Request{Type: PageRequest, Version: Version, Payload: make([]byte, MaxPayload+1)})
		require.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("truncated", func(t *testing.T) {
		b, err := Encode(&Response{Type: PageResponse, Version: Version, Payload: []byte("data")})
		require.NoError(t, err)
		_, err = ReadMessage(bytes.NewReader(b[:len(b)-1]))
		require.Error(t, err)
	})

	t.Run("error codes", func(t *testing.T) {
		req := &Request{ID: 9, Source: 4}
		e := NewError(req, 5, ErrStaleRegion)
		require.Equal(t, CodeInvalidRegion, e.Code)
		require.Equal(t, uint64(4), e.Target)
		require.ErrorIs(t, e.Err(), ErrStaleRegion)
		require.ErrorIs(t, (&ErrorMessage{Code: 999}).Err(), ErrRemote)
	})
}

func TestChecksum(t *testing.T) {
	require.Equal(t, ^uint32(0), Checksum(nil))
	require.Equal(t, ^uint32(0x04030201), Checksum([]byte{1, 2, 3, 4}))
	require.Equal(t, ^uint32(0x04030201+0x05), Checksum([]byte{1, 2, 3, 4, 5}))

	page := testPage(1)
	sum := Checksum(page)
	for i := range page {
		orig := page[i]
		for _, flip := range []byte{0x01, 0x80, 0xff} {
			page[i] = orig ^ flip
			require.NotEqual(t, sum, Checksum(page), "corruption at byte %d not detected", i)
		}
		page[i] = orig
	}
}

func TestTransform(t *testing.T) {
	key := []byte("pre-shared cluster secret")
	page := testPage(2)

	for _, alg := range []codec.Algorithm{codec.None, codec.LZ4, codec.Zstd, codec.Adaptive} {
		for _, enc := range []EncryptionLevel{EncryptionNone, EncryptionStandard, EncryptionHigh} {
			t.Run(alg.String()+"/"+enc.String(), func(t *testing.T) {
				tr, err := NewTransform(alg, codec.LevelDefault, enc, key)
				require.NoError(t, err)

				env, err := tr.Seal(page)
				require.NoError(t, err)
				require.Equal(t, uint32(PageSize), env.OriginalSize)
				require.Equal(t, enc, env.Encryption)

				data, err := tr.Open(env)
				require.NoError(t, err)
				require.True(t, bytes.Equal(page, data))

				for _, pos := range []int{0, len(env.Payload) / 2, len(env.Payload) - 1} {
					corrupt := env
					corrupt.Payload = append([]byte(nil), env.Payload...)
					corrupt.Payload[pos] ^= 0x10
					_, err := tr.Open(corrupt)
					require.ErrorIs(t, err, ErrChecksum)
				}
			})
		}
	}

	t.Run("encryption needs a key", func(t *testing.T) {
		_, err := NewTransform(codec.None, codec.LevelDefault, EncryptionHigh, nil)
		require.ErrorIs(t, err, ErrEncryption)
	})

	t.Run("different keys", func(t *testing.T) {
		a, err := NewTransform(codec.None, codec.LevelDefault, EncryptionStandard, []byte("a"))
		require.NoError(t, err)
		b, err := NewTransform(codec.None, codec.LevelDefault, EncryptionStandard, []byte("b"))
		require.NoError(t, err)
		env, err := a.Seal(page)
		require.NoError(t, err)
		_, err = b.Open(env)
		require.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("oversized original size", func(t *testing.T) {
		tr, err := NewTransform(codec.None, codec.LevelDefault, EncryptionNone, nil)
		require.NoError(t, err)
		for _, alg := range []codec.Algorithm{codec.Zero, codec.LZ4, codec.Zstd} {
			_, err = tr.Open(Envelope{Compression: alg, OriginalSize: 1 << 30, Checksum: Checksum(nil)})
			require.ErrorIs(t, err, ErrInvalidMessage, "%s envelope", alg)
		}
		_, err = tr.Open(Envelope{Compression: codec.Zero, OriginalSize: MaxPayload + 1, Checksum: Checksum(nil)})
		require.ErrorIs(t, err, ErrInvalidMessage)

		_, err = tr.Seal(make([]byte, MaxPayload+1))
		require.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("sealing on request", func(t *testing.T) {
		tr, err := NewTransform(codec.None, codec.LevelDefault, EncryptionNone, key)
		require.NoError(t, err)
		env, err := tr.SealWith(make([]byte, PageSize), codec.Zero, EncryptionHigh)
		require.NoError(t, err)
		require.Equal(t, codec.Zero, env.Compression)
		require.Equal(t, EncryptionHigh, env.Encryption)
		data, err := tr.Open(env)
		require.NoError(t, err)
		require.Equal(t, make([]byte, PageSize), data)
	})
}

func TestPendingCoalescing(t *testing.T) {
	tbl := NewPendingTable(time.Second)
	key := Key{Page: PageID{Node: 1, PID: 2, Address: 0x1000}, Op: Read}

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []*Pending
		results = make([]Result, callers)
		ready   = make(chan struct{})
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			p, owner := tbl.Begin(key)
			if owner {
				mu.Lock()
				created = append(created, p)
				mu.Unlock()
			}
			results[i] = p.Wait(context.Background())
		}(i)
	}
	close(ready)

	require.Eventually(t, func() bool {
		s := tbl.Stats()
		return s.Created+s.Coalesced == callers
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	require.Len(t, created, 1)
	id := created[0].ID
	mu.Unlock()

	require.Equal(t, 1, tbl.Len())
	require.True(t, tbl.Complete(id, Result{Data: []byte("page")}))
	require.False(t, tbl.Complete(id, Result{}), "completing twice")
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, []byte("page"), r.Data)
	}

	p, owner := tbl.Begin(key)
	require.True(t, owner, "completed request should not be joined")
	require.NotEqual(t, id, p.ID)
}

func TestPendingExpire(t *testing.T) {
	tbl := NewPendingTable(50 * time.Millisecond)
	a, _ := tbl.Begin(Key{Page: PageID{Address: 0x1000}, Op: Read})
	b := tbl.Issue(Allocate)

	var called Result
	tbl.OnComplete(a, func(r Result) { called = r })

	require.Empty(t, tbl.Expire(time.Now()))
	expired := tbl.Expire(time.Now().Add(time.Second))
	require.Len(t, expired, 2)

	require.ErrorIs(t, a.Result().Err, ErrTimeout)
	require.ErrorIs(t, b.Result().Err, ErrTimeout)
	require.ErrorIs(t, called.Err, ErrTimeout)
	require.Equal(t, 0, tbl.Len())
	require.Equal(t, uint64(2), tbl.Stats().Expired)

	// late responses are dropped
	require.False(t, tbl.Complete(a.ID, Result{}))

	fired := false
	tbl.OnComplete(a, func(Result) { fired = true })
	require.True(t, fired)
}

func TestPendingWaitContext(t *testing.T) {
	tbl := NewPendingTable(0)
	p := tbl.Issue(Read)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r := p.Wait(ctx)
	require.ErrorIs(t, r.Err, ErrTimeout)
	require.Equal(t, 1, tbl.Len(), "giving up waiting keeps the request outstanding")
	require.Equal(t, 1, tbl.FailAll(ErrConnection))
	require.ErrorIs(t, p.Result().Err, ErrConnection)
}
