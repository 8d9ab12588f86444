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

import "github.com/BurntSushi/toml"

// Config holds the boot-time policy for the translation subsystem. It is
// read once at platform bring-up and never changes afterwards.
type Config struct {
	// HwdomStrict restricts the hardware domain's identity map to
	// non-conventional memory; RAM is expected to be mapped on demand.
	HwdomStrict bool `toml:"hwdom_strict"`

	// HwdomInclusive additionally maps every frame below 4GiB that is not
	// unusable. Only supported for hardware domains with non-translated
	// addressing.
	HwdomInclusive bool `toml:"hwdom_inclusive"`

	// HwdomReserved includes firmware-reserved regions in the hardware
	// domain's identity map.
	HwdomReserved bool `toml:"hwdom_reserved"`

	// HwdomPassthrough disables the hardware-domain identity map entirely;
	// the hardware is expected to pass DMA through untranslated.
	HwdomPassthrough bool `toml:"hwdom_passthrough"`

	// Quarantine enables isolated translation contexts for unassigned
	// devices.
	Quarantine bool `toml:"quarantine"`

	// Superpages enables contiguity tracking in translation-table pages so
	// backends can detect mergeable superpage-sized runs.
	Superpages bool `toml:"superpages"`
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		HwdomReserved: true,
		Quarantine:    true,
		Superpages:    true,
	}
}

// LoadConfig loads a Config from the TOML file at path. Fields absent from
// the file keep their default values.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, err
	}
	return c, nil
}
