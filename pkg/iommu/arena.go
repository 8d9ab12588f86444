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

import "sync"

// PreemptCheck reports whether the calling operation has exceeded its
// preemption budget and should hand control back to the caller. A nil
// PreemptCheck never preempts.
type PreemptCheck func() bool

// freeAllPreemptMask bounds how many pages FreeAll frees between preemption
// checks.
const freeAllPreemptMask = 0xff

// Arena allocates and frees the physical pages backing one domain's
// translation tables. Every page handed out by Allocate stays on the arena's
// live list until it is drained by FreeAll or parked on a reclaim shard by
// ReclaimPool.Enqueue.
type Arena struct {
	d     *Domain
	alloc PageAllocator
	ops   VendorOps

	// mu guards pages. It is a dedicated lock so that Enqueue can unlink
	// pages without holding the domain's coarse mapping lock.
	mu    sync.Mutex
	pages pageList
}

func (a *Arena) init(d *Domain, alloc PageAllocator, ops VendorOps) {
	a.d = d
	a.alloc = alloc
	a.ops = ops
}

// Allocate acquires one physical page for use as translation-table storage,
// preferring the domain's affinity node. With a non-zero contigMask and
// superpage tracking enabled, the page is initialized with the
// contiguity-marker header; otherwise it is zero-filled. The page is
// published on the domain's live list before it is returned.
//
// Allocate returns ErrNoMemory when the physical allocator is exhausted; it
// never retries internally.
func (a *Arena) Allocate(contigMask uint64) (*PageNode, error) {
	pg := a.alloc.Alloc(a.d.node)
	if pg == nil {
		return nil, ErrNoMemory
	}

	slots := pg.Table()
	if contigMask != 0 && a.d.cfg.Superpages {
		MarkTable(slots, contigMask)
	} else {
		clear(slots)
	}
	if cs, ok := a.ops.(CacheSyncer); ok {
		cs.SyncCache(pg)
	}

	n := &PageNode{pg: pg}
	a.mu.Lock()
	a.pages.PushBack(n)
	a.mu.Unlock()
	return n, nil
}

// FreeAll drains the domain's live list, returning every page to the
// allocator. It checks preempt every few hundred pages and returns
// ErrRestart when it fires; the caller resumes by calling FreeAll again.
//
// Preconditions: teardown of the domain's translation context has begun, so
// no concurrent Allocate or Enqueue can be in flight. FreeAll takes the
// domain mapping lock once as a barrier against stragglers before it starts.
func (a *Arena) FreeAll(preempt PreemptCheck) error {
	// After this barrier, no new mappings can be inserted.
	a.d.MappingMu.Lock()
	a.d.MappingMu.Unlock()

	// Pages are about to go back to the allocator, so make sure no
	// hardware walk can still start from this domain's root.
	a.ops.ClearRootTable(a.d)

	done := 0
	for {
		a.mu.Lock()
		n := a.pages.Front()
		if n != nil {
			a.pages.Remove(n)
		}
		a.mu.Unlock()
		if n == nil {
			return nil
		}

		a.alloc.Free(n.pg)

		done++
		if done&freeAllPreemptMask == 0 && preempt != nil && preempt() {
			return ErrRestart
		}
	}
}

// Empty returns true if the domain has no live translation-table pages.
func (a *Arena) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages.Empty()
}
