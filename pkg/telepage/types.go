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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/intel/telepaging/pkg/telepage/protocol"
)

const (
	// PageSize is the size of a page.
	PageSize = protocol.PageSize
	// PageShift is log2(PageSize).
	PageShift = 12

	pageMask = PageSize - 1
)

// PageAlign returns the address of the page containing addr.
func PageAlign(addr uint64) uint64 {
	return addr &^ pageMask
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return (size + pageMask) >> PageShift
}

// RemotePageID identifies a page anywhere in the cluster.
type RemotePageID = protocol.PageID

// TierKind is a class of backing storage.
type TierKind int

const (
	// TeraPage is local memory, the default home of faulted pages.
	TeraPage TierKind = iota
	// HBM is local high-bandwidth memory.
	HBM
	// Accelerator is memory of a local accelerator.
	Accelerator
	// NVM is local non-volatile memory.
	NVM
	// Compressed is the local compressed store.
	Compressed
	// Remote is memory of a remote node.
	Remote
)

var tierKindNames = map[TierKind]string{
	TeraPage:    "terapage",
	HBM:         "hbm",
	Accelerator: "accelerator",
	NVM:         "nvm",
	Compressed:  "compressed",
	Remote:      "remote",
}

func (k TierKind) String() string {
	if name, ok := tierKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("tier#%d", int(k))
}

// Rank returns the distance rank of the tier, 0 being the closest.
func (k TierKind) Rank() int {
	return int(k)
}

// IsLocal returns true for tiers backed by directly addressable local frames.
func (k TierKind) IsLocal() bool {
	return k >= TeraPage && k <= NVM
}

// Distance returns the migration distance between two tiers.
func Distance(from, to TierKind) int {
	d := from.Rank() - to.Rank()
	if d < 0 {
		return -d
	}
	return d
}

// ParseTierKind parses the given tier name.
func ParseTierKind(name string) (TierKind, error) {
	name = strings.ToLower(name)
	switch name {
	case "local", "tera", "tera-page":
		return TeraPage, nil
	}
	for k, n := range tierKindNames {
		if n == name {
			return k, nil
		}
	}
	return TeraPage, telepageError("unknown tier %q", name)
}

// MarshalJSON is the JSON marshaller for TierKind.
func (k TierKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON is the JSON unmarshaller for TierKind.
func (k *TierKind) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return telepageError("invalid tier %s: %v", string(raw), err)
	}
	parsed, err := ParseTierKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TierState is the mapping state of an address range.
type TierState int

const (
	// Unmapped ranges have no backing.
	Unmapped TierState = iota
	// LocalMapped ranges are backed by local frames.
	LocalMapped
	// RemoteMapped ranges are backed by memory of a remote node.
	RemoteMapped
	// CompressedMapped ranges are backed by the compressed store.
	CompressedMapped
	// SplitMapped ranges have constituents in several states.
	SplitMapped
)

func (s TierState) String() string {
	switch s {
	case Unmapped:
		return "unmapped"
	case LocalMapped:
		return "local"
	case RemoteMapped:
		return "remote"
	case CompressedMapped:
		return "compressed"
	case SplitMapped:
		return "split"
	}
	return fmt.Sprintf("state#%d", int(s))
}

// stateOf returns the mapping state of pages living on the given tier.
func stateOf(k TierKind) TierState {
	switch {
	case k.IsLocal():
		return LocalMapped
	case k == Compressed:
		return CompressedMapped
	case k == Remote:
		return RemoteMapped
	}
	return Unmapped
}

// MapType is the access permitted to a mapping.
type MapType int

const (
	ReadOnly MapType = iota
	ReadWrite
	Executable
	ReadExecute
)

func (t MapType) String() string {
	switch t {
	case ReadOnly:
		return "r"
	case ReadWrite:
		return "rw"
	case Executable:
		return "x"
	case ReadExecute:
		return "rx"
	}
	return fmt.Sprintf("maptype#%d", int(t))
}

// Writable returns true if the mapping permits writes.
func (t MapType) Writable() bool {
	return t == ReadWrite
}

// ParseMapType parses r, rw, x or rx.
func ParseMapType(s string) (MapType, error) {
	for _, t := range []MapType{ReadOnly, ReadWrite, Executable, ReadExecute} {
		if t.String() == s {
			return t, nil
		}
	}
	return ReadOnly, telepageError("unknown map type %q", s)
}

// Mode selects which parts of the subsystem are active.
type Mode int

const (
	// Disabled turns off prediction, prefetching and migration. Faults
	// on remote pages are still resolved.
	Disabled Mode = iota
	// PredictionOnly learns and predicts accesses without prefetching.
	PredictionOnly
	// PrefetchOnly prefetches spatial neighbors without learning.
	PrefetchOnly
	// Full enables everything.
	Full
)

var modeNames = map[Mode]string{
	Disabled:       "disabled",
	PredictionOnly: "prediction-only",
	PrefetchOnly:   "prefetch-only",
	Full:           "full",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode#%d", int(m))
}

// ParseMode parses the given mode name.
func ParseMode(name string) (Mode, error) {
	canonical := strings.ReplaceAll(strings.ToLower(name), "_", "-")
	for m, n := range modeNames {
		if n == canonical || strings.ReplaceAll(n, "-", "") == canonical {
			return m, nil
		}
	}
	return Disabled, telepageError("unknown mode %q", name)
}

// MarshalJSON is the JSON marshaller for Mode.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the JSON unmarshaller for Mode.
func (m *Mode) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return telepageError("invalid mode %s: %v", string(raw), err)
	}
	parsed, err := ParseMode(name)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Mode) predicts() bool { return m == PredictionOnly || m == Full }
func (m Mode) learns() bool   { return m == PredictionOnly || m == Full }
func (m Mode) prefetches() bool {
	return m == PrefetchOnly || m == Full
}
func (m Mode) migrates() bool     { return m != Disabled }
func (m Mode) autoMigrates() bool { return m == Full }
