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
	"errors"
	"fmt"

	"github.com/google/btree"

	"viommu.dev/viommu/pkg/physframe"
)

// identityMap is one identity-mapped physical range, [base, end), granted to
// a domain.
type identityMap struct {
	base   physframe.Addr
	end    physframe.Addr
	access Access
	refs   uint
}

// IdentityMaps is a domain's registry of identity-mapped physical ranges,
// ordered by base address. Ranges are reference counted: granting an exact
// existing range with the same access bumps the count instead of remapping.
//
// All methods require the caller to hold the platform's device-enumeration
// lock; the registry performs no locking of its own.
type IdentityMaps struct {
	mapper Mapper
	tree   *btree.BTreeG[*identityMap]
}

const identityMapsDegree = 8

func (im *IdentityMaps) init(mapper Mapper) {
	im.mapper = mapper
	im.tree = btree.NewG(identityMapsDegree, func(a, b *identityMap) bool {
		return a.base < b.base
	})
}

// scan walks the registry in base order looking for the exact range
// [base, end) or anything overlapping it.
func (im *IdentityMaps) scan(base, end physframe.Addr) (exact *identityMap, overlap bool) {
	im.tree.Ascend(func(m *identityMap) bool {
		if m.base >= end {
			return false
		}
		if m.base == base && m.end == end {
			exact = m
			return false
		}
		if end > m.base && m.end > base {
			overlap = true
			return false
		}
		return true
	})
	return exact, overlap
}

// Grant records the identity-mapped range [base, end) with the given access.
// A repeat grant of the exact range with the same access only increments its
// reference count. An exact match with a different access, or any partial
// overlap with an existing range, fails with ErrConflict.
//
// A new range is installed frame by frame through the mapping interface.
// Mapping failures abort without rolling back frames already mapped; the
// caller must treat such an error as fatal to the domain.
//
// Preconditions: base < end. The caller holds the device-enumeration lock.
func (im *IdentityMaps) Grant(ctx context.Context, access Access, base, end physframe.Addr) error {
	if base >= end {
		panic(fmt.Sprintf("iommu: identity map grant with base %#x >= end %#x", base, end))
	}

	exact, overlap := im.scan(base, end)
	if exact != nil {
		if exact.access != access {
			return ErrConflict
		}
		exact.refs++
		return nil
	}
	if overlap {
		return ErrConflict
	}

	endUp, ok := end.RoundUp()
	if !ok {
		panic(fmt.Sprintf("iommu: identity map end %#x overflows when aligned", end))
	}
	for f := base.Frame(); f < endUp.Frame(); f++ {
		if _, _, err := im.mapper.Map(ctx, physframe.FrameRange{Start: f, End: f + 1}, access, false); err != nil {
			return fmt.Errorf("identity mapping of frame %#x in [%#x, %#x) failed: %w", uint64(f), base, end, err)
		}
	}

	im.tree.ReplaceOrInsert(&identityMap{
		base:   base,
		end:    end,
		access: access,
		refs:   1,
	})
	return nil
}

// Release drops one reference on the exact range [base, end). When the last
// reference goes, the physical mappings are removed frame by frame and the
// range is deleted; individual unmap failures do not stop the removal and
// are aggregated into the returned error.
//
// Releasing a range that was never granted fails with ErrNotFound; releasing
// a range that only partially overlaps a granted one fails with ErrConflict.
//
// Preconditions: base < end. The caller holds the device-enumeration lock.
func (im *IdentityMaps) Release(ctx context.Context, base, end physframe.Addr) error {
	if base >= end {
		panic(fmt.Sprintf("iommu: identity map release with base %#x >= end %#x", base, end))
	}

	exact, overlap := im.scan(base, end)
	if exact == nil {
		if overlap {
			return ErrConflict
		}
		return ErrNotFound
	}
	exact.refs--
	if exact.refs > 0 {
		return nil
	}

	var errs []error
	endUp, _ := end.RoundUp()
	for f := base.Frame(); f < endUp.Frame(); f++ {
		if err := im.mapper.Unmap(ctx, physframe.FrameRange{Start: f, End: f + 1}); err != nil {
			errs = append(errs, fmt.Errorf("frame %#x: %w", uint64(f), err))
		}
	}
	im.tree.Delete(exact)
	if len(errs) > 0 {
		return fmt.Errorf("identity unmap of [%#x, %#x): %w", base, end, errors.Join(errs...))
	}
	return nil
}

// Teardown unconditionally discards every range's bookkeeping without
// touching hardware mappings. It is used only when the domain's entire
// translation context is being destroyed as a unit, and is safe to call
// repeatedly.
func (im *IdentityMaps) Teardown() {
	im.tree.Clear(false)
}

// Empty returns true if no ranges are recorded.
func (im *IdentityMaps) Empty() bool {
	return im.tree.Len() == 0
}
