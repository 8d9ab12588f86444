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
	"context"
	"sync"
	"testing"
	"time"

	"viommu.dev/viommu/pkg/physframe"
)

const testTableSlots = physframe.PageSize / 8

// fakePage is a Page backed by an ordinary slice.
type fakePage struct {
	frame physframe.Frame
	slots []uint64
}

func (p *fakePage) Frame() physframe.Frame { return p.frame }
func (p *fakePage) Table() []uint64        { return p.slots }

// fakeAllocator is a counting PageAllocator. Pages are handed out dirty so
// tests can tell zero-filling from marker initialization.
type fakeAllocator struct {
	mu        sync.Mutex
	limit     int // max pages ever handed out; 0 means unlimited
	allocated int
	freed     int
	lastNode  NodeID
}

func (a *fakeAllocator) Alloc(node NodeID) Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.allocated >= a.limit {
		return nil
	}
	a.lastNode = node
	a.allocated++
	pg := &fakePage{
		frame: physframe.Frame(a.allocated),
		slots: make([]uint64, testTableSlots),
	}
	for i := range pg.slots {
		pg.slots[i] = 0xdeadbeefdeadbeef
	}
	return pg
}

func (a *fakeAllocator) Free(pg Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed++
}

func (a *fakeAllocator) Freed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freed
}

// fakeOps is a VendorOps recording root-table clears.
type fakeOps struct {
	cleared int
}

func (o *fakeOps) ClearRootTable(d *Domain) { o.cleared++ }

// fakeSyncOps additionally implements the CacheSyncer capability.
type fakeSyncOps struct {
	fakeOps
	synced int
}

func (o *fakeSyncOps) SyncCache(pg Page) { o.synced++ }

type mapCall struct {
	fr      physframe.FrameRange
	access  Access
	preempt bool
}

// fakeMapper is a recording Mapper. onMap, if set, overrides the default
// map behavior of accepting every frame.
type fakeMapper struct {
	mu         sync.Mutex
	mapCalls   []mapCall
	unmapCalls []physframe.FrameRange
	flushes    []FlushFlags
	token      FlushToken

	onMap   func(fr physframe.FrameRange, access Access, preempt bool) (uint64, FlushFlags, error)
	onUnmap func(fr physframe.FrameRange) error
}

func (m *fakeMapper) Map(ctx context.Context, fr physframe.FrameRange, access Access, preempt bool) (uint64, FlushFlags, error) {
	m.mu.Lock()
	m.mapCalls = append(m.mapCalls, mapCall{fr: fr, access: access, preempt: preempt})
	m.mu.Unlock()
	if m.onMap != nil {
		return m.onMap(fr, access, preempt)
	}
	return fr.Length(), FlushAdded, nil
}

func (m *fakeMapper) Unmap(ctx context.Context, fr physframe.FrameRange) error {
	m.mu.Lock()
	m.unmapCalls = append(m.unmapCalls, fr)
	m.mu.Unlock()
	if m.onUnmap != nil {
		return m.onUnmap(fr)
	}
	return nil
}

func (m *fakeMapper) Flush(ctx context.Context, flags FlushFlags) (FlushToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes = append(m.flushes, flags)
	m.token++
	return m.token, nil
}

func (m *fakeMapper) mappedFrames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, c := range m.mapCalls {
		n += c.fr.Length()
	}
	return n
}

// fakeClassifier reports kinds from a fixed table; frames not in the table
// are unusable and not known to be populated.
type fakeClassifier struct {
	kinds   map[physframe.Frame]FrameKind
	highest physframe.Frame
}

func (c *fakeClassifier) FrameKind(f physframe.Frame) (FrameKind, bool) {
	kind, ok := c.kinds[f]
	if !ok {
		return FrameUnusable, false
	}
	return kind, true
}

func (c *fakeClassifier) HighestFrame() physframe.Frame { return c.highest }

// fakeExclusions reports a fixed interrupt window and exclusion sets.
type fakeExclusions struct {
	window   physframe.FrameRange
	vintc    []physframe.Frame
	chipset  map[physframe.Frame]bool
	readOnly map[physframe.Frame]bool
}

func (e *fakeExclusions) InterruptWindow() physframe.FrameRange      { return e.window }
func (e *fakeExclusions) VirtualInterruptBases() []physframe.Frame   { return e.vintc }
func (e *fakeExclusions) IsChipsetConfigSpace(a physframe.Addr) bool { return e.chipset[a.Frame()] }
func (e *fakeExclusions) ReadOnlyForCPU(f physframe.Frame) bool      { return e.readOnly[f] }

func testDomain(t *testing.T, opts DomainOpts) *Domain {
	t.Helper()
	if opts.Node == 0 {
		opts.Node = NodeNone
	}
	if opts.Allocator == nil {
		opts.Allocator = &fakeAllocator{}
	}
	if opts.VendorOps == nil {
		opts.VendorOps = &fakeOps{}
	}
	if opts.Mapper == nil {
		opts.Mapper = &fakeMapper{}
	}
	return NewDomain(opts)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
