// Copyright 2026 The vIOMMU Authors.
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

package iommu

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// domIDSpace is the number of identifiers above DomIDMask available for
// quarantined devices.
const domIDSpace = uint(DomIDMask) + 1

// DomIDAllocator hands out transient identifiers from the reserved range
// above DomIDMask, used to give quarantined (unassigned) devices an isolated
// translation context. One allocator is used uniformly across all
// translation hardware, such that on typical systems the same identifier is
// not re-used very quickly, perhaps never.
//
// Alloc and Free require the caller to hold the platform's
// device-enumeration lock: at most one allocation is in flight at a time,
// and the rotation cursor is plain shared state.
type DomIDAllocator struct {
	// m is nil when quarantining is disabled, which turns every operation
	// into a no-op.
	m *bitset.BitSet

	// cursor rotates through the space so that freed identifiers are not
	// immediately re-used.
	cursor uint
}

// NewDomIDAllocator returns an allocator over the quarantine identifier
// space. If reserve is a valid identifier it is pre-marked as in use. With
// enabled false, the returned allocator is a sentinel whose operations are
// no-ops and whose Alloc always reports DomIDInvalid.
func NewDomIDAllocator(reserve DomainID, enabled bool) *DomIDAllocator {
	if !enabled {
		return &DomIDAllocator{}
	}
	a := &DomIDAllocator{m: bitset.New(domIDSpace)}
	if reserve != DomIDInvalid {
		if reserve <= DomIDMask {
			panic(fmt.Sprintf("iommu: reserved domain ID %#x is not in the quarantine range", reserve))
		}
		a.m.Set(uint(reserve & DomIDMask))
	}
	return a
}

// Alloc returns an unused identifier from the quarantine range, or
// DomIDInvalid if the space is exhausted (or quarantining is disabled). The
// search starts at a rotating cursor and wraps around once.
func (a *DomIDAllocator) Alloc() DomainID {
	if a.m == nil {
		return DomIDInvalid
	}
	idx, ok := a.m.NextClear(a.cursor)
	if !ok || idx >= domIDSpace {
		idx, ok = a.m.NextClear(0)
		if !ok || idx >= domIDSpace {
			return DomIDInvalid
		}
	}
	a.m.Set(idx)
	a.cursor = idx + 1
	return DomainID(idx) | (DomIDMask + 1)
}

// Free returns id to the allocator. Freeing DomIDInvalid is a no-op.
// Freeing an identifier outside the quarantine range, or one that is not
// currently checked out, is a double-free class programming error and
// panics.
func (a *DomIDAllocator) Free(id DomainID) {
	if a.m == nil || id == DomIDInvalid {
		return
	}
	if id <= DomIDMask {
		panic(fmt.Sprintf("iommu: freeing domain ID %#x outside the quarantine range", id))
	}
	bit := uint(id & DomIDMask)
	if !a.m.Test(bit) {
		panic(fmt.Sprintf("iommu: double free of domain ID %#x", id))
	}
	a.m.Clear(bit)
}
