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

	"github.com/intel/telepaging/pkg/telepage/remote"
)

// releaser frees the storage behind released pages.
type releaser interface {
	releasePage(kind TierKind, item uint64)
	releaseRegion(region *remote.Region)
}

// resource is the storage allocated for a mapping: a frame or a
// compressed handle per page, or pages of a remote region. Pages are
// reference counted individually, so that ranges of a mapping can be
// migrated or unmapped independently. A page is released when its last
// reference is dropped. The remote region is freed once no page of it
// is referenced.
type resource struct {
	sync.Mutex
	kind   TierKind
	node   uint64
	items  []uint64
	refs   []int32
	live   int
	region *remote.Region
	freed  bool
	rel    releaser
}

func newResource(kind TierKind, pages int, rel releaser) *resource {
	return &resource{
		kind:  kind,
		items: make([]uint64, pages),
		refs:  make([]int32, pages),
		rel:   rel,
	}
}

func newRegionResource(region *remote.Region, rel releaser) *resource {
	r := newResource(Remote, int(Pages(region.Size)), rel)
	r.node = region.Node
	r.region = region
	return r
}

func (r *resource) ref(first, n int) {
	r.Lock()
	defer r.Unlock()
	for i := first; i < first+n; i++ {
		if r.refs[i] == 0 {
			r.live++
		}
		r.refs[i]++
	}
}

func (r *resource) unref(first, n int) {
	var (
		items  []uint64
		region *remote.Region
	)

	r.Lock()
	for i := first; i < first+n; i++ {
		r.refs[i]--
		switch {
		case r.refs[i] > 0:
			continue
		case r.refs[i] < 0:
			r.Unlock()
			log.Panic("internal error: %s page %d of resource released twice", r.kind, i)
		}
		r.live--
		if r.region == nil {
			items = append(items, r.items[i])
		}
	}
	if r.live == 0 && r.region != nil && !r.freed {
		region, r.freed = r.region, true
	}
	r.Unlock()

	for _, item := range items {
		r.rel.releasePage(r.kind, item)
	}
	if region != nil {
		r.rel.releaseRegion(region)
	}
}

// view is a reference to a range of pages of a resource.
type view struct {
	res   *resource
	first int
	pages int
}

func newView(res *resource, first, pages int) view {
	res.ref(first, pages)
	return view{res: res, first: first, pages: pages}
}

// item returns the frame address or compressed handle of a page.
func (v view) item(i int) uint64 {
	return v.res.items[v.first+i]
}

// offset returns the offset of a page within the remote region.
func (v view) offset(i int) uint64 {
	return uint64(v.first+i) * PageSize
}

// sub returns a new reference to a subrange of the view.
func (v view) sub(off, n int) view {
	return newView(v.res, v.first+off, n)
}

func (v view) release() {
	if v.res != nil {
		v.res.unref(v.first, v.pages)
	}
}
