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

// Package telepage implements distributed tiered virtual memory.
//
// A Context owns the shared machinery: local memory pools, the compressed
// store, clients of remote nodes, the access predictor, the prefetcher and
// the migration engine. Each process gets an AddressSpace whose TierMap
// records which tier backs every mapped page.
//
// Page faults on pages that live on a remote node or in the compressed
// tier are resolved by fetching the page into a freshly allocated local
// frame. Concurrent faults on the same page are coalesced into a single
// fetch. Accesses feed the predictor which learns address delta patterns,
// and predicted pages are prefetched ahead of use within a memory budget.
// The migration engine moves pages between tiers, either on request or by
// periodically pulling hot pages closer and pushing cold pages away.
package telepage
