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
	"runtime"
	"sync"
)

// Intermediate translation-table pages which get replaced, e.g. by large
// pages, may only be freed after a suitable translation-cache flush. Hence
// such pages get queued on a per-unit deferred list, with a per-unit reclaim
// worker processing the list on the assumption that the necessary flush will
// have occurred by the time the worker gets to run. The queue does not
// itself wait for a flush: Enqueue demands a FlushToken as evidence that the
// enqueuing code path has issued one.

// reclaimPreemptMask bounds how many pages a reclaim worker frees between
// yields.
const reclaimPreemptMask = 0x1ff

// UnitEvent is a processing-unit lifecycle notification.
type UnitEvent int

const (
	// UnitOnlinePrepare announces that a unit is about to come online.
	UnitOnlinePrepare UnitEvent = iota

	// UnitOnlineFailedRollback announces that bringing a unit online
	// failed and its state must be rolled back to operational.
	UnitOnlineFailedRollback

	// UnitOfflinePrepare announces that a unit is about to go offline.
	UnitOfflinePrepare

	// UnitDead announces that a unit has gone offline.
	UnitDead
)

// ReclaimPool defers the freeing of translation-table pages until in-flight
// hardware translations are known to have drained. It keeps one deferred
// list and one reclaim worker per processing unit, indexed by unit number.
type ReclaimPool struct {
	alloc PageAllocator

	// primary is the unit that inherits the deferred list of any unit that
	// dies. It is expected to stay online for the life of the pool.
	primary int

	units []reclaimShard
}

type reclaimShard struct {
	mu   sync.Mutex
	cond sync.Cond
	wg   sync.WaitGroup

	// pages and stop are protected by mu.
	pages pageList
	stop  bool

	// running tracks whether the shard's worker goroutine exists. It is
	// only touched from Notify, which the platform's unit-lifecycle
	// mechanism serializes.
	running bool
}

// NewReclaimPool returns a ReclaimPool for numUnits processing units. The
// primary unit (unit 0) is brought online immediately; all other units are
// offline until a UnitOnlinePrepare notification arrives for them.
func NewReclaimPool(alloc PageAllocator, numUnits int) *ReclaimPool {
	p := &ReclaimPool{
		alloc: alloc,
		units: make([]reclaimShard, numUnits),
	}
	for i := range p.units {
		u := &p.units[i]
		u.cond.L = &u.mu
	}
	p.Notify(UnitOnlinePrepare, p.primary)
	return p
}

// Enqueue removes n from its domain's live list and parks it on the given
// unit's deferred list, then schedules that unit's reclaim worker. unit is
// the processing unit the caller is executing on.
//
// Preconditions: token must witness the translation-cache flush issued by
// the same logical operation that unlinked n from the live tables. Enqueue
// panics on the zero token; reusing a page before the flush would let
// in-flight translations walk freed memory.
func (p *ReclaimPool) Enqueue(d *Domain, unit int, n *PageNode, token FlushToken) {
	if token == 0 {
		panic("iommu: page enqueued for deferred reclaim without a flush token")
	}
	a := &d.arena
	a.mu.Lock()
	a.pages.Remove(n)
	a.mu.Unlock()

	u := &p.units[unit]
	u.mu.Lock()
	u.pages.PushBack(n)
	u.mu.Unlock()
	u.cond.Signal()
}

// Notify drives the pool's reaction to processing-unit lifecycle events.
//
// Preconditions: calls are serialized by the platform's unit-lifecycle
// notification mechanism.
func (p *ReclaimPool) Notify(event UnitEvent, unit int) {
	u := &p.units[unit]
	switch event {
	case UnitOfflinePrepare:
		p.stopWorker(u)

	case UnitDead:
		if unit == p.primary {
			panic(fmt.Sprintf("iommu: primary reclaim unit %d died", unit))
		}
		// The dead unit can never run its worker again; move any pages it
		// still holds to the primary unit so none are lost.
		var orphans pageList
		u.mu.Lock()
		orphans.PushBackList(&u.pages)
		u.mu.Unlock()
		if !orphans.Empty() {
			pu := &p.units[p.primary]
			pu.mu.Lock()
			pu.pages.PushBackList(&orphans)
			pu.mu.Unlock()
			pu.cond.Signal()
		}

	case UnitOnlinePrepare:
		u.mu.Lock()
		u.pages.Reset()
		u.stop = false
		u.mu.Unlock()
		p.startWorker(u)

	case UnitOnlineFailedRollback:
		u.mu.Lock()
		u.stop = false
		empty := u.pages.Empty()
		u.mu.Unlock()
		p.startWorker(u)
		if !empty {
			u.cond.Signal()
		}
	}
}

// Close stops every running reclaim worker. Pages still on deferred lists
// are freed before the workers exit.
func (p *ReclaimPool) Close() {
	for i := range p.units {
		u := &p.units[i]
		if u.running {
			p.drainAndStop(u)
		}
	}
}

func (p *ReclaimPool) startWorker(u *reclaimShard) {
	if u.running {
		return
	}
	u.running = true
	u.wg.Add(1)
	go p.run(u)
}

func (p *ReclaimPool) stopWorker(u *reclaimShard) {
	if !u.running {
		return
	}
	u.mu.Lock()
	u.stop = true
	u.mu.Unlock()
	u.cond.Broadcast()
	u.wg.Wait()
	u.running = false
}

func (p *ReclaimPool) drainAndStop(u *reclaimShard) {
	u.mu.Lock()
	for !u.pages.Empty() {
		u.mu.Unlock()
		runtime.Gosched()
		u.mu.Lock()
	}
	u.mu.Unlock()
	p.stopWorker(u)
}

// run implements the reclaim worker goroutine for one shard.
func (p *ReclaimPool) run(u *reclaimShard) {
	defer u.wg.Done()
	done := 0
	u.mu.Lock()
	for {
		for u.pages.Empty() && !u.stop {
			u.cond.Wait()
		}
		if u.stop {
			// Stopped workers leave their pages queued; UnitDead splices
			// them to the primary unit.
			u.mu.Unlock()
			return
		}
		n := u.pages.Front()
		u.pages.Remove(n)
		u.mu.Unlock()

		p.alloc.Free(n.pg)

		// Check for other pending work every once in a while. Parties
		// queuing pages are expected to hit their own preemption points
		// before too many pages can pile up here.
		done++
		if done&reclaimPreemptMask == 0 {
			runtime.Gosched()
		}
		u.mu.Lock()
	}
}
