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
	"errors"
	"testing"
)

const testContigMask = uint64(0xf) << 52

func TestAllocateZeroFills(t *testing.T) {
	d := testDomain(t, DomainOpts{})
	n, err := d.Arena().Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	for i, slot := range n.Page().Table() {
		if slot != 0 {
			t.Fatalf("slot %d: got %#x, wanted 0", i, slot)
		}
	}
}

func TestAllocateContigMarkers(t *testing.T) {
	d := testDomain(t, DomainOpts{})
	n, err := d.Arena().Allocate(testContigMask)
	if err != nil {
		t.Fatalf("Allocate(%#x): %v", testContigMask, err)
	}
	slots := n.Page().Table()
	for _, test := range []struct {
		slot int
		want uint
	}{
		{slot: 0, want: ContigLevelShift},
		{slot: 1, want: 0},
		{slot: 2, want: 1},
		{slot: 3, want: 0},
		{slot: 4, want: 2},
		{slot: 8, want: 3},
		{slot: 16, want: 4},
		{slot: 256, want: 8},
		{slot: 258, want: 1},
	} {
		if got := DecodeRun(slots, test.slot, testContigMask); got != test.want {
			t.Errorf("DecodeRun(slot %d): got %d, wanted %d", test.slot, got, test.want)
		}
	}
	// Marker bits aside, the table must be empty.
	for i, slot := range slots {
		if slot&^testContigMask != 0 {
			t.Fatalf("slot %d: got non-marker bits %#x", i, slot&^testContigMask)
		}
	}
}

func TestAllocateSuperpagesDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Superpages = false
	d := testDomain(t, DomainOpts{Config: &cfg})
	n, err := d.Arena().Allocate(testContigMask)
	if err != nil {
		t.Fatalf("Allocate(%#x): %v", testContigMask, err)
	}
	for i, slot := range n.Page().Table() {
		if slot != 0 {
			t.Fatalf("slot %d: got %#x, wanted 0 with superpages disabled", i, slot)
		}
	}
}

func TestAllocateExhausted(t *testing.T) {
	alloc := &fakeAllocator{limit: 1}
	d := testDomain(t, DomainOpts{Allocator: alloc})
	if _, err := d.Arena().Allocate(0); err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if _, err := d.Arena().Allocate(0); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Allocate(0) with exhausted allocator: got %v, wanted ErrNoMemory", err)
	}
}

func TestAllocateNodeHint(t *testing.T) {
	alloc := &fakeAllocator{}
	d := testDomain(t, DomainOpts{Node: 3, Allocator: alloc})
	if _, err := d.Arena().Allocate(0); err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if alloc.lastNode != 3 {
		t.Errorf("allocation node hint: got %d, wanted 3", alloc.lastNode)
	}
}

func TestAllocateCacheSync(t *testing.T) {
	ops := &fakeSyncOps{}
	d := testDomain(t, DomainOpts{VendorOps: ops})
	if _, err := d.Arena().Allocate(0); err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if ops.synced != 1 {
		t.Errorf("cache syncs: got %d, wanted 1", ops.synced)
	}
}

func TestFreeAllDrains(t *testing.T) {
	alloc := &fakeAllocator{}
	ops := &fakeOps{}
	d := testDomain(t, DomainOpts{Allocator: alloc, VendorOps: ops})
	for i := 0; i < 10; i++ {
		if _, err := d.Arena().Allocate(0); err != nil {
			t.Fatalf("Allocate(0): %v", err)
		}
	}
	if err := d.Arena().FreeAll(nil); err != nil {
		t.Fatalf("FreeAll: %v", err)
	}
	if alloc.Freed() != 10 {
		t.Errorf("freed pages: got %d, wanted 10", alloc.Freed())
	}
	if ops.cleared != 1 {
		t.Errorf("root-table clears: got %d, wanted 1", ops.cleared)
	}
	if !d.Arena().Empty() {
		t.Error("arena not empty after FreeAll")
	}
	d.Destroy()
}

func TestFreeAllPreempts(t *testing.T) {
	const pages = 600
	alloc := &fakeAllocator{}
	d := testDomain(t, DomainOpts{Allocator: alloc})
	for i := 0; i < pages; i++ {
		if _, err := d.Arena().Allocate(0); err != nil {
			t.Fatalf("Allocate(0): %v", err)
		}
	}
	restarts := 0
	for {
		err := d.Arena().FreeAll(func() bool { return true })
		if err == nil {
			break
		}
		if !errors.Is(err, ErrRestart) {
			t.Fatalf("FreeAll: %v", err)
		}
		restarts++
	}
	if restarts < 2 {
		t.Errorf("restarts: got %d, wanted at least 2 for %d pages", restarts, pages)
	}
	if alloc.Freed() != pages {
		t.Errorf("freed pages: got %d, wanted %d", alloc.Freed(), pages)
	}
}

func TestDestroyWithLivePagesPanics(t *testing.T) {
	d := testDomain(t, DomainOpts{})
	if _, err := d.Arena().Allocate(0); err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("Destroy with live pages did not panic")
		}
	}()
	d.Destroy()
}

func TestMarkTableNarrowMaskPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MarkTable with a too-narrow mask did not panic")
		}
	}()
	slots := make([]uint64, testTableSlots)
	MarkTable(slots, 1<<52) // one bit cannot hold the level shift
}
