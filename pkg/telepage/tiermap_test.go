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
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/telepaging/pkg/telepage/remote"
)

// recorder collects released storage.
type recorder struct {
	sync.Mutex
	pages   []uint64
	regions []*remote.Region
}

func (r *recorder) releasePage(_ TierKind, item uint64) {
	r.Lock()
	defer r.Unlock()
	r.pages = append(r.pages, item)
}

func (r *recorder) releaseRegion(region *remote.Region) {
	r.Lock()
	defer r.Unlock()
	r.regions = append(r.regions, region)
}

func (r *recorder) released() []uint64 {
	r.Lock()
	defer r.Unlock()
	pages := append([]uint64{}, r.pages...)
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// testEntry creates an entry of kind for pages at addr, backed by items
// numbered from item.
func testEntry(rel releaser, kind TierKind, addr, pages, item uint64) *Entry {
	res := newResource(kind, int(pages), rel)
	for i := range res.items {
		res.items[i] = item + uint64(i)
	}
	return newEntry(AddrRange{addr: addr, length: pages}, kind, ReadWrite, newView(res, 0, int(pages)))
}

type mapped struct {
	addr   uint64
	length uint64
	kind   TierKind
}

func contents(m *TierMap) []mapped {
	result := []mapped{}
	m.ForEach(func(e *Entry) int {
		result = append(result, mapped{e.addr, e.length, e.Kind})
		return 0
	})
	return result
}

func TestTierMapInsertLookup(t *testing.T) {
	rec := &recorder{}
	m := NewTierMap()

	require.NoError(t, m.Insert(testEntry(rec, Remote, 0x10000, 4, 0)))
	require.NoError(t, m.Insert(testEntry(rec, TeraPage, 0x2000, 2, 100)))
	require.NoError(t, m.Insert(testEntry(rec, Compressed, 0x4000, 1, 200)))

	err := m.Insert(testEntry(rec, TeraPage, 0x11000, 1, 300))
	require.ErrorIs(t, err, ErrInvalidAddress)

	tcases := []struct {
		name  string
		addr  uint64
		found bool
		kind  TierKind
	}{
		{name: "first page", addr: 0x2000, found: true, kind: TeraPage},
		{name: "inside page", addr: 0x3fff, found: true, kind: TeraPage},
		{name: "hole", addr: 0x5000, found: false},
		{name: "last page", addr: 0x13000, found: true, kind: Remote},
		{name: "past end", addr: 0x14000, found: false},
		{name: "before start", addr: 0x1000, found: false},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			e := m.Lookup(tc.addr)
			if !tc.found {
				require.Nil(t, e)
				return
			}
			require.NotNil(t, e)
			defer e.Release()
			require.Equal(t, tc.kind, e.Kind)
			require.Equal(t, 2, e.RefCount())
		})
	}

	expected := []mapped{
		{0x2000, 2, TeraPage},
		{0x4000, 1, Compressed},
		{0x10000, 4, Remote},
	}
	if diff := cmp.Diff(expected, contents(m), cmp.AllowUnexported(mapped{})); diff != "" {
		t.Errorf("unexpected contents (-want +got):\n%s", diff)
	}
}

func TestTierMapReplace(t *testing.T) {
	tcases := []struct {
		name     string
		replace  uint64
		expected []mapped
		released []uint64
	}{
		{
			name:    "first page",
			replace: 0x1000,
			expected: []mapped{
				{0x1000, 1, TeraPage},
				{0x2000, 3, Compressed},
			},
			released: []uint64{10},
		},
		{
			name:    "middle page",
			replace: 0x2000,
			expected: []mapped{
				{0x1000, 1, Compressed},
				{0x2000, 1, TeraPage},
				{0x3000, 2, Compressed},
			},
			released: []uint64{11},
		},
		{
			name:    "last page",
			replace: 0x4000,
			expected: []mapped{
				{0x1000, 3, Compressed},
				{0x4000, 1, TeraPage},
			},
			released: []uint64{13},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			m := NewTierMap()
			require.NoError(t, m.Insert(testEntry(rec, Compressed, 0x1000, 4, 10)))

			old := m.Lookup(tc.replace)
			require.NotNil(t, old)
			ne := testEntry(rec, TeraPage, tc.replace, 1, 100)
			require.NoError(t, m.Replace(old, ne))
			require.Empty(t, rec.released(), "storage released while referenced")
			old.Release()

			if diff := cmp.Diff(tc.expected, contents(m), cmp.AllowUnexported(mapped{})); diff != "" {
				t.Errorf("unexpected contents (-want +got):\n%s", diff)
			}
			require.Equal(t, tc.released, rec.released())
		})
	}
}

func TestTierMapReplaceConflict(t *testing.T) {
	rec := &recorder{}
	m := NewTierMap()
	require.NoError(t, m.Insert(testEntry(rec, Remote, 0x1000, 2, 0)))

	old := m.Lookup(0x1000)
	require.NotNil(t, old)
	defer old.Release()

	// unmapping the page behind our back makes the stale entry conflict
	require.Equal(t, uint64(1), m.Remove(AddrRange{addr: 0x1000, length: 1}))

	ne := testEntry(rec, TeraPage, 0x1000, 1, 100)
	require.ErrorIs(t, m.Replace(old, ne), ErrConflict)
	ne.Release()
	require.Equal(t, []uint64{100}, rec.released())
}

func TestTierMapRemove(t *testing.T) {
	tcases := []struct {
		name     string
		remove   AddrRange
		pages    uint64
		expected []mapped
		released []uint64
	}{
		{
			name:   "nothing",
			remove: NewAddrRange(0x9000, 0xa000),
			pages:  0,
			expected: []mapped{
				{0x1000, 4, TeraPage},
				{0x5000, 2, Compressed},
			},
		},
		{
			name:   "split inside",
			remove: NewAddrRange(0x2000, 0x4000),
			pages:  2,
			expected: []mapped{
				{0x1000, 1, TeraPage},
				{0x4000, 1, TeraPage},
				{0x5000, 2, Compressed},
			},
			released: []uint64{11, 12},
		},
		{
			name:   "across entries",
			remove: NewAddrRange(0x4000, 0x6000),
			pages:  2,
			expected: []mapped{
				{0x1000, 3, TeraPage},
				{0x6000, 1, Compressed},
			},
			released: []uint64{13, 20},
		},
		{
			name:     "everything",
			remove:   NewAddrRange(0, 0x10000),
			pages:    6,
			expected: []mapped{},
			released: []uint64{10, 11, 12, 13, 20, 21},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			m := NewTierMap()
			require.NoError(t, m.Insert(testEntry(rec, TeraPage, 0x1000, 4, 10)))
			require.NoError(t, m.Insert(testEntry(rec, Compressed, 0x5000, 2, 20)))

			require.Equal(t, tc.pages, m.Remove(tc.remove))
			if diff := cmp.Diff(tc.expected, contents(m), cmp.AllowUnexported(mapped{})); diff != "" {
				t.Errorf("unexpected contents (-want +got):\n%s", diff)
			}
			if tc.released == nil {
				tc.released = []uint64{}
			}
			require.Equal(t, tc.released, rec.released())
		})
	}
}

func TestRegionFreedOnce(t *testing.T) {
	rec := &recorder{}
	m := NewTierMap()
	region := &remote.Region{Node: 2, Size: 4 * PageSize}
	e := newEntry(AddrRange{addr: 0x1000, length: 4}, Remote, ReadOnly, newView(newRegionResource(region, rec), 0, 4))
	require.NoError(t, m.Insert(e))
	require.Equal(t, uint64(2), e.Node)

	m.Remove(NewAddrRange(0x1000, 0x3000))
	require.Empty(t, rec.regions, "region freed while pages are mapped")

	r := m.Lookup(0x4000)
	require.NotNil(t, r)
	got, offset, ok := r.Region(0x4000)
	require.True(t, ok)
	require.Equal(t, region, got)
	require.Equal(t, uint64(3*PageSize), offset)

	m.Remove(NewAddrRange(0x3000, 0x5000))
	require.Empty(t, rec.regions, "region freed while referenced")
	r.Release()
	require.Equal(t, []*remote.Region{region}, rec.regions)
	require.Empty(t, rec.pages)
}

func TestAddrRange(t *testing.T) {
	tcases := []struct {
		name   string
		start  uint64
		stop   uint64
		addr   uint64
		length uint64
	}{
		{name: "aligned", start: 0x1000, stop: 0x3000, addr: 0x1000, length: 2},
		{name: "unaligned start", start: 0x1800, stop: 0x3000, addr: 0x1000, length: 2},
		{name: "unaligned stop", start: 0x1000, stop: 0x3001, addr: 0x1000, length: 3},
		{name: "reversed", start: 0x3000, stop: 0x1000, addr: 0x1000, length: 2},
		{name: "empty", start: 0x1000, stop: 0x1000, addr: 0x1000, length: 0},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ar := NewAddrRange(tc.start, tc.stop)
			require.Equal(t, tc.addr, ar.Addr())
			require.Equal(t, tc.length, ar.Length())
		})
	}

	a := NewAddrRange(0x1000, 0x4000)
	cut, ok := a.Intersection(NewAddrRange(0x3000, 0x8000))
	require.True(t, ok)
	require.Equal(t, AddrRange{addr: 0x3000, length: 1}, cut)
	_, ok = a.Intersection(NewAddrRange(0x4000, 0x8000))
	require.False(t, ok)
}

func TestReverseMap(t *testing.T) {
	r := NewReverseMap()
	r.Add(0x1000, 2, 0x7000)
	r.Add(0x1000, 1, 0x5000)
	r.Add(0x2000, 1, 0x6000)

	require.Equal(t, []Mapping{{PID: 1, Addr: 0x5000}, {PID: 2, Addr: 0x7000}}, r.Get(0x1000))
	require.Equal(t, 2, r.Len())

	require.True(t, r.Remove(0x1000, 2, 0x7000))
	require.False(t, r.Remove(0x1000, 2, 0x7000))
	require.Equal(t, []Mapping{{PID: 1, Addr: 0x6000}}, r.RemoveFrame(0x2000))
	require.Empty(t, r.Get(0x2000))
	require.Equal(t, 1, r.Len())
}
