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

import "math/bits"

// Contiguity markers let table-editing code detect mergeable runs of
// identically-mapped contiguous entries in O(1), by recording in otherwise
// ignored bits of each slot the binary log of the run length starting there.
//
// For a freshly initialized (empty) table the run starting at slot 0 covers
// the whole table, so slot 0 carries ContigLevelShift. The run starting at
// any other slot i covers 2^tz(i) entries, where tz is the trailing-zero
// count: a run beginning at an odd slot has length 1, at slot 2 length 2, at
// slot 4 length 4, and so on. Table-editing operations outside this package
// keep the markers consistent as entries mutate.

// ContigLevelShift is the binary log of the number of slots in one
// translation-table page, and hence the run-length exponent recorded for
// slot 0 of an empty table.
const ContigLevelShift = 9

// MarkTable initializes slots with the contiguity-marker pattern of an empty
// table. mask selects the slot bits that carry the marker; it must be wide
// enough to hold ContigLevelShift.
func MarkTable(slots []uint64, mask uint64) {
	shift := uint(bits.TrailingZeros64(mask))
	if (mask>>shift)&ContigLevelShift != ContigLevelShift {
		panic("iommu: contiguity mask too narrow for the level shift")
	}
	slots[0] = ContigLevelShift << shift
	slots[1] = 0
	slots[2] = 1 << shift
	slots[3] = 0
	for i := 4; i < len(slots); i += 4 {
		slots[i] = uint64(bits.TrailingZeros(uint(i))) << shift
		slots[i+1] = 0
		slots[i+2] = 1 << shift
		slots[i+3] = 0
	}
}

// DecodeRun returns the run-length exponent recorded at the given slot.
func DecodeRun(slots []uint64, slot int, mask uint64) uint {
	shift := uint(bits.TrailingZeros64(mask))
	return uint((slots[slot] & mask) >> shift)
}
