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

// Package physframe provides types for physical addresses, physical page
// frames and frame ranges.
package physframe

import (
	"fmt"
	"math"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a physical page frame in bytes.
	PageSize = 1 << PageShift
)

// Frame is the index of a physical page frame.
type Frame uint64

// InvalidFrame is returned by operations that fail to produce a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Addr returns the physical address of the first byte of the frame.
func (f Frame) Addr() Addr {
	return Addr(f) << PageShift
}

// Addr represents a physical byte address.
type Addr uint64

// Frame returns the frame containing the address.
func (v Addr) Frame() Frame {
	return Frame(v >> PageShift)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v.RoundDown() == v.
func (v Addr) IsPageAligned() bool {
	return v.RoundDown() == v
}

// FrameRange is a range of frames, [Start, End).
type FrameRange struct {
	Start Frame
	End   Frame
}

// WellFormed returns true if fr.Start <= fr.End.
func (fr FrameRange) WellFormed() bool {
	return fr.Start <= fr.End
}

// Length returns the number of frames in fr.
func (fr FrameRange) Length() uint64 {
	return uint64(fr.End - fr.Start)
}

// Contains returns true if f is in fr.
func (fr FrameRange) Contains(f Frame) bool {
	return fr.Start <= f && f < fr.End
}

// Overlaps returns true if fr and other share at least one frame.
func (fr FrameRange) Overlaps(other FrameRange) bool {
	return fr.Start < other.End && other.Start < fr.End
}

// String implements fmt.Stringer.String.
func (fr FrameRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(fr.Start), uint64(fr.End))
}
