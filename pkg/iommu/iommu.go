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

// Package iommu implements the hardware-independent lifecycle core of a
// device-passthrough address-translation subsystem.
//
// The package owns four concerns shared by all translation-hardware backends:
// tracking identity-mapped physical ranges granted to a domain (IdentityMaps),
// allocating and reclaiming the physical pages used as translation-table
// storage (Arena, ReclaimPool), handing out transient identifiers for
// quarantined devices (DomIDAllocator), and building the hardware domain's
// initial identity map (HwdomBuilder).
//
// Vendor-specific table encodings, page-walk logic and interrupt remapping
// are reached exclusively through the VendorOps table and the generic Mapper
// interface; this package calls them but never implements them.
package iommu

import (
	"context"
	"sync"

	"viommu.dev/viommu/pkg/physframe"
)

// DomainID identifies a translation context.
type DomainID uint16

const (
	// DomIDMask is the highest identifier in the primary per-domain
	// identifier space. Quarantine identifiers are always above it.
	DomIDMask DomainID = 0x7fff

	// DomIDInvalid is the distinguished invalid identifier. It lies at the
	// top of the primary space and is never handed out, so it can be told
	// apart from any allocated quarantine identifier.
	DomIDInvalid DomainID = DomIDMask
)

// NodeID identifies a memory affinity node.
type NodeID int32

// NodeNone indicates that no affinity node is known.
const NodeNone NodeID = -1

// Access describes the access granted by a translation entry.
type Access uint8

const (
	// AccessNone grants no access.
	AccessNone Access = iota

	// AccessRead grants read-only access.
	AccessRead

	// AccessReadWrite grants read and write access.
	AccessReadWrite
)

// String implements fmt.Stringer.String.
func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "r"
	case AccessReadWrite:
		return "rw"
	default:
		return "unknown"
	}
}

// FlushFlags records which kinds of translation-cache invalidation are owed
// to the hardware. Flags accumulate across Mapper.Map calls and are consumed
// by Mapper.Flush.
type FlushFlags uint32

const (
	// FlushAdded indicates that previously-absent entries were installed.
	FlushAdded FlushFlags = 1 << iota

	// FlushModified indicates that live entries were changed or removed.
	FlushModified
)

// FlushToken is an opaque proof that a translation-cache flush has been
// issued. The zero value is not a valid token.
type FlushToken uint64

// Page is one physical page usable as translation-table storage. It is
// provided by the platform's PageAllocator.
type Page interface {
	// Frame returns the page's physical frame.
	Frame() physframe.Frame

	// Table returns the page contents as 64-bit table slots.
	Table() []uint64
}

// PageAllocator is the platform's physical-page allocator.
type PageAllocator interface {
	// Alloc acquires one physical page, preferring memory local to node if
	// node != NodeNone. It returns nil when no page is available; it never
	// blocks or retries.
	Alloc(node NodeID) Page

	// Free returns a page to the allocator.
	Free(pg Page)
}

// Mapper is the generic mapping interface through which translation entries
// are installed and removed. It is implemented by the vendor backend.
type Mapper interface {
	// Map installs identity mappings for the frames in fr with the given
	// access and returns the number of frames completed. If preempt is set,
	// Map may stop early with done < fr.Length() and a nil error, letting
	// the caller yield before continuing. done < fr.Length() with a
	// non-nil error means mapping stopped at the first failing frame.
	Map(ctx context.Context, fr physframe.FrameRange, access Access, preempt bool) (done uint64, flags FlushFlags, err error)

	// Unmap removes the mappings for the frames in fr.
	Unmap(ctx context.Context, fr physframe.FrameRange) error

	// Flush invalidates cached translations per flags and returns a token
	// witnessing the completed flush.
	Flush(ctx context.Context, flags FlushFlags) (FlushToken, error)
}

// FrameKind classifies a physical frame.
type FrameKind int

const (
	// FrameUnusable marks frames that must never be mapped.
	FrameUnusable FrameKind = iota

	// FrameConventional marks ordinary RAM.
	FrameConventional

	// FrameReserved marks firmware-reserved regions.
	FrameReserved

	// FrameOther marks everything else (device memory, holes).
	FrameOther
)

// FrameClassifier reports frame-type information for the platform's physical
// address space.
type FrameClassifier interface {
	// FrameKind returns the kind of frame f. valid is false if f is not a
	// frame the platform knows to be populated.
	FrameKind(f physframe.Frame) (kind FrameKind, valid bool)

	// HighestFrame returns the highest physical frame present.
	HighestFrame() physframe.Frame
}

// Exclusions reports the address windows that must never appear in a
// hardware-domain identity map.
type Exclusions interface {
	// InterruptWindow returns the hardware interrupt-delivery address
	// window.
	InterruptWindow() physframe.FrameRange

	// VirtualInterruptBases returns the base frames of the domain's virtual
	// interrupt controllers, if any.
	VirtualInterruptBases() []physframe.Frame

	// IsChipsetConfigSpace returns true if addr falls in a configured
	// chipset configuration-space window.
	IsChipsetConfigSpace(addr physframe.Addr) bool

	// ReadOnlyForCPU returns true if the domain's CPU-side mapping of f is
	// restricted to read-only.
	ReadOnlyForCPU(f physframe.Frame) bool
}

// VendorOps is the vendor operation table. Optional capabilities are modeled
// as additional interfaces discovered by type assertion, e.g. CacheSyncer.
type VendorOps interface {
	// ClearRootTable detaches the domain's translation root so that no
	// hardware walk can reach pages about to be freed.
	ClearRootTable(d *Domain)
}

// CacheSyncer is an optional VendorOps capability for hardware whose table
// walks are not cache-coherent.
type CacheSyncer interface {
	// SyncCache writes the page contents back to the point of coherency.
	SyncCache(pg Page)
}

// MemoryEvents reports memory-management features whose use conflicts with
// device passthrough.
type MemoryEvents interface {
	SharingEnabled() bool
	PagingEnabled() bool
	GlobalLogDirty() bool
	PopulateOnDemandActive() bool
}

// AssignPermitted returns true if a device may currently be assigned to a
// domain with the given memory-management state. Assignment is refused while
// memory sharing, memory paging, global log-dirty tracking or
// populate-on-demand is active.
func AssignPermitted(ev MemoryEvents) bool {
	return !ev.SharingEnabled() && !ev.PagingEnabled() && !ev.GlobalLogDirty() && !ev.PopulateOnDemandActive()
}

// DomainOpts provides options to NewDomain.
type DomainOpts struct {
	// ID is the domain's identifier.
	ID DomainID

	// Node is the domain's memory affinity node, or NodeNone.
	Node NodeID

	// Translated is true if the domain uses translated addressing.
	Translated bool

	// Config is the subsystem configuration. If nil, DefaultConfig() is
	// used.
	Config *Config

	// Allocator is the platform's physical-page allocator.
	Allocator PageAllocator

	// VendorOps is the vendor operation table.
	VendorOps VendorOps

	// Mapper is the generic mapping interface for this domain.
	Mapper Mapper
}

// Domain is the per-domain state of the translation subsystem.
type Domain struct {
	id         DomainID
	node       NodeID
	translated bool
	cfg        *Config

	// MappingMu serializes operations that edit this domain's translation
	// tables. It is the coarse per-domain lock described throughout this
	// package: Arena and IdentityMaps never take it themselves, call sites
	// hold it.
	MappingMu sync.Mutex

	arena    Arena
	identity IdentityMaps
}

// NewDomain returns a new Domain.
func NewDomain(opts DomainOpts) *Domain {
	cfg := opts.Config
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	d := &Domain{
		id:         opts.ID,
		node:       opts.Node,
		translated: opts.Translated,
		cfg:        cfg,
	}
	d.arena.init(d, opts.Allocator, opts.VendorOps)
	d.identity.init(opts.Mapper)
	return d
}

// ID returns the domain's identifier.
func (d *Domain) ID() DomainID {
	return d.id
}

// Node returns the domain's memory affinity node.
func (d *Domain) Node() NodeID {
	return d.node
}

// Translated returns true if the domain uses translated addressing.
func (d *Domain) Translated() bool {
	return d.translated
}

// Arena returns the domain's translation-table page arena.
func (d *Domain) Arena() *Arena {
	return &d.arena
}

// Identity returns the domain's identity-map registry.
func (d *Domain) Identity() *IdentityMaps {
	return &d.identity
}

// Destroy releases the domain's bookkeeping. All translation-table pages
// must have been drained via Arena.FreeAll first; Destroy panics otherwise.
// Identity-map bookkeeping still present is discarded without touching
// hardware mappings, since the whole translation context is going away.
func (d *Domain) Destroy() {
	d.identity.Teardown()
	if !d.arena.Empty() {
		panic("iommu: domain destroyed with live translation-table pages")
	}
}
