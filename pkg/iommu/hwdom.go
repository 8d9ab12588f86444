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
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"viommu.dev/viommu/pkg/physframe"
)

const (
	// hwdomScanPreemptMask bounds how many frames Build classifies between
	// preemption checks.
	hwdomScanPreemptMask = 0xfffff

	// maxFrameBelow4G is the highest frame below the 4GiB boundary.
	maxFrameBelow4G = physframe.Frame(1<<(32-physframe.PageShift)) - 1

	// translatedScanStart is the first frame scanned for domains with
	// translated addressing. The first MiB is populated by an earlier
	// bring-up step, so mapping it here could only conflict.
	translatedScanStart = physframe.Frame((1 << 20) >> physframe.PageShift)
)

// HwdomBuilder builds the hardware domain's initial identity map: one pass
// over every physical frame up to a bound, classifying each frame's
// permission and committing the results through the generic mapping
// interface.
//
// Build is restartable: when the preemption check fires it returns
// ErrRestart with the scan position, any pending coalesced run and the
// accumulated flush flags retained, and the caller re-invokes Build to
// continue. The single bulk translation-cache flush is issued only once the
// pass completes.
type HwdomBuilder struct {
	d        *Domain
	mapper   Mapper
	cls      FrameClassifier
	excl     Exclusions
	log      logrus.FieldLogger
	frameLog warnLogger
	preempt  PreemptCheck

	// Scan state, retained across ErrRestart returns.
	started   bool
	inclusive bool
	next      physframe.Frame
	top       physframe.Frame

	// Pending coalesced run for non-translated domains.
	runStart  physframe.Frame
	runLen    uint64
	runAccess Access

	flush FlushFlags
}

// NewHwdomBuilder returns a builder for the hardware domain d. preempt may
// be nil, in which case Build runs to completion in one call.
func NewHwdomBuilder(d *Domain, mapper Mapper, cls FrameClassifier, excl Exclusions, logger logrus.FieldLogger, preempt PreemptCheck) *HwdomBuilder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("domain", d.id)
	return &HwdomBuilder{
		d:        d,
		mapper:   mapper,
		cls:      cls,
		excl:     excl,
		log:      logger,
		frameLog: rateLimitedLoggerFor(logger, time.Second),
		preempt:  preempt,
	}
}

// CheckAutotranslated panics unless the subsystem policy can support a
// hardware domain with translated addressing: such a domain has no other
// way to populate device mappings, so strict mode must be in effect.
func (b *HwdomBuilder) CheckAutotranslated() {
	if !b.d.translated {
		return
	}
	if !b.d.cfg.HwdomStrict {
		panic("iommu: a translated hardware domain requires strict mode")
	}
}

// Build runs (or resumes) the identity-map pass. It returns ErrRestart when
// the preemption check fires; any other non-nil error is fatal to the pass.
// In passthrough mode Build does nothing.
func (b *HwdomBuilder) Build(ctx context.Context) error {
	if b.d.cfg.HwdomPassthrough {
		return nil
	}

	if !b.started {
		b.inclusive = b.d.cfg.HwdomInclusive
		if b.inclusive {
			b.log.Warning("inclusive hardware-domain mappings are deprecated and will be removed in future versions")
			if b.d.translated {
				b.log.Warning("inclusive hardware-domain mappings are only supported with non-translated addressing")
				b.inclusive = false
			}
		}

		b.top = b.cls.HighestFrame() + 1
		if b.top < maxFrameBelow4G+1 {
			b.top = maxFrameBelow4G + 1
		}
		if b.d.translated {
			b.next = translatedScanStart
		}
		b.started = true
	}

	for i := b.next; i < b.top; i++ {
		access := b.classify(i)
		switch {
		case access == AccessNone:
			// Nothing to map; a pending run ends at the next frame check.

		case b.d.translated:
			// Translated domains get individual entries; the underlying
			// call handles granularity, so no coalescing is needed.
			if _, flags, err := b.mapper.Map(ctx, physframe.FrameRange{Start: i, End: i + 1}, access, false); err != nil {
				b.frameLog.Warnf("identity mapping of frame %#x failed: %v", uint64(i), err)
			} else {
				b.flush |= flags
			}

		case b.runLen != 0 && i == b.runStart+physframe.Frame(b.runLen) && access == b.runAccess:
			b.runLen++

		default:
			b.commit(ctx)
			b.runStart = i
			b.runLen = 1
			b.runAccess = access
		}

		if (uint64(i+1)&hwdomScanPreemptMask) == 0 && b.preempt != nil && b.preempt() {
			b.next = i + 1
			return ErrRestart
		}
	}
	b.next = b.top
	b.commit(ctx)

	if _, err := b.mapper.Flush(ctx, b.flush); err != nil {
		return fmt.Errorf("flushing hardware-domain mappings: %w", err)
	}
	return nil
}

// commit pushes the pending coalesced run through the mapping interface,
// consuming as many frames as the interface accepts per call and yielding
// between partial successes. Ranges the interface ultimately rejects are
// logged and skipped; the pass keeps going.
func (b *HwdomBuilder) commit(ctx context.Context) {
	fr := physframe.FrameRange{Start: b.runStart, End: b.runStart + physframe.Frame(b.runLen)}
	b.runLen = 0
	for fr.Start < fr.End {
		done, flags, err := b.mapper.Map(ctx, fr, b.runAccess, true)
		b.flush |= flags
		if err != nil {
			b.log.Warnf("identity mapping of frames %v failed: %v", fr, err)
			return
		}
		if done == 0 || done >= fr.Length() {
			return
		}
		fr.Start += physframe.Frame(done)
		runtime.Gosched()
	}
}

// classify determines the identity-map permission for one frame, consulting
// the frame-type oracle, the domain policy flags and the exclusion oracles.
func (b *HwdomBuilder) classify(f physframe.Frame) Access {
	kind, valid := b.cls.FrameKind(f)
	if f > maxFrameBelow4G && !valid {
		return AccessNone
	}

	access := AccessReadWrite
	switch kind {
	case FrameUnusable:
		return AccessNone

	case FrameConventional:
		if b.d.cfg.HwdomStrict {
			// RAM is mapped on demand in strict mode.
			return AccessNone
		}

	case FrameReserved:
		if !b.inclusive && !b.d.cfg.HwdomReserved {
			access = AccessNone
		}

	default:
		if b.d.translated {
			return AccessNone
		}
		if !b.inclusive || f > maxFrameBelow4G {
			access = AccessNone
		}
	}

	// Never map the interrupt-delivery address window.
	if b.excl.InterruptWindow().Contains(f) {
		return AccessNone
	}
	// ... or a virtual interrupt controller.
	for _, base := range b.excl.VirtualInterruptBases() {
		if f == base {
			return AccessNone
		}
	}
	// Be consistent with CPU-side mappings: a frame the domain may only
	// read through the CPU should also be read-only for devices.
	if !b.d.translated && b.excl.ReadOnlyForCPU(f) {
		access = AccessRead
	}
	// ... nor a chipset configuration-space window, which must keep
	// trapping.
	if b.excl.IsChipsetConfigSpace(f.Addr()) {
		return AccessNone
	}

	return access
}
