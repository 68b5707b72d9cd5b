//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package platform loads the build-time-synthesized platform description
// (region layout, IRQ assignment, table sizing) consumed at boot. Reading
// it through an afero.Fs rather than the os package directly keeps the
// loader unit-testable against an in-memory filesystem, the same swap the
// teacher makes for its own IOServiceIface-backed file access.
package platform

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/hicore/hic/domain"
)

// DefaultMaxDomains and DefaultMaxThreads apply when a loaded config leaves
// the corresponding field at its zero value (SPEC_FULL.md OQ-4, standalone
// mode defaults).
const (
	DefaultMaxDomains = 256
	DefaultMaxThreads = 1024
)

// Load decodes a PlatformConfig from path on fs and validates it for
// internal consistency: no two regions may overlap and no IRQ vector may
// be declared twice, mirroring Invariant 5 one layer up from the resource
// pool so a malformed platform file is rejected before boot even starts.
func Load(fs afero.Fs, path string) (domain.PlatformConfig, error) {
	var cfg domain.PlatformConfig

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, errors.Wrap(err, "platform: read config")
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "platform: decode config")
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	if cfg.MaxDomains == 0 {
		cfg.MaxDomains = DefaultMaxDomains
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	if cfg.AuditCapacity == 0 {
		cfg.AuditCapacity = 4096
	}

	return cfg, nil
}

func validate(cfg domain.PlatformConfig) error {
	for i := 0; i < len(cfg.Regions); i++ {
		for j := i + 1; j < len(cfg.Regions); j++ {
			if cfg.Regions[i].Overlaps(cfg.Regions[j]) {
				return errors.Wrapf(domain.NewError(domain.StatusInvalidParam, "overlapping regions in platform config"), "validate")
			}
		}
	}

	seen := make(map[uint32]bool)
	for _, v := range cfg.IrqVectors {
		if seen[v] {
			return errors.Wrapf(domain.NewError(domain.StatusInvalidParam, "duplicate irq vector in platform config"), "validate")
		}
		seen[v] = true
	}

	return nil
}
