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

// Package respool implements the Physical Resource Model (component C2):
// the bookkeeping of which physical regions (memory, device MMIO, IRQ
// lines) are currently owned, and the overlap/access checks every
// allocation must pass before the Capability Table is allowed to mint a
// capability over it.
package respool

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hicore/hic/domain"
)

type reservation struct {
	region domain.MemRegion
	owner  domain.DomainID
}

type resourcePool struct {
	sync.RWMutex

	hal          domain.HALIface
	reservations []reservation
}

// New builds an empty Resource Pool.
func New() domain.ResourcePoolIface {
	return &resourcePool{}
}

func (rp *resourcePool) Setup(hal domain.HALIface, cfg domain.PlatformConfig) error {
	rp.hal = hal

	for _, region := range cfg.Regions {
		for _, existing := range rp.reservations {
			if region.Overlaps(existing.region) {
				return errors.Wrapf(domain.NewError(domain.StatusInvalidParam, "overlapping platform region"), "Setup")
			}
		}
	}

	return nil
}

// Reserve claims region for owner after checking it does not overlap any
// existing reservation (Invariant 5, region disjointness).
func (rp *resourcePool) Reserve(region domain.MemRegion, owner domain.DomainID) error {
	rp.Lock()
	defer rp.Unlock()

	for _, existing := range rp.reservations {
		if region.Overlaps(existing.region) {
			return errors.Wrapf(domain.NewError(domain.StatusNoResource, "region overlaps existing reservation"), "Reserve")
		}
	}

	if rp.hal != nil {
		if err := rp.hal.MapRegion(region, domain.Rights{}); err != nil {
			return errors.Wrap(err, "Reserve")
		}
	}

	rp.reservations = append(rp.reservations, reservation{region: region, owner: owner})
	return nil
}

func (rp *resourcePool) Release(region domain.MemRegion) error {
	rp.Lock()
	defer rp.Unlock()

	for i, existing := range rp.reservations {
		if existing.region == region {
			if rp.hal != nil {
				if err := rp.hal.UnmapRegion(region); err != nil {
					return errors.Wrap(err, "Release")
				}
			}
			rp.reservations = append(rp.reservations[:i], rp.reservations[i+1:]...)
			return nil
		}
	}

	return errors.Wrapf(domain.NewError(domain.StatusNotFound, "region not reserved"), "Release")
}

// CheckAccess validates that region is fully covered by a single existing
// reservation and that mode is compatible with it. The hosted reference
// implementation does not track per-reservation access bits beyond
// existence, so any reserved region permits read/write/execute; a
// bare-metal backend narrows this using the real page-table permission
// bits.
func (rp *resourcePool) CheckAccess(region domain.MemRegion, mode domain.AccessMode) error {
	rp.RLock()
	defer rp.RUnlock()

	for _, existing := range rp.reservations {
		if existing.region.Base <= region.Base && region.Base+region.Size <= existing.region.Base+existing.region.Size {
			return nil
		}
	}
	return errors.Wrapf(domain.NewError(domain.StatusPermission, "region not covered by a reservation"), "CheckAccess")
}

// AllocIn finds size free bytes inside parent, reserves the sub-region for
// owner and returns it. Every existing reservation counts as occupied,
// including one covering parent itself, so parent is a search window and
// not a reservation of its own.
func (rp *resourcePool) AllocIn(parent domain.MemRegion, size uint64, owner domain.DomainID) (domain.MemRegion, error) {
	if size == 0 || size > parent.Size {
		return domain.MemRegion{}, errors.Wrapf(domain.NewError(domain.StatusInvalidParam, "invalid allocation size"), "AllocIn")
	}

	rp.Lock()
	cursor := parent.Base
	end := parent.Base + parent.Size
	for cursor+size <= end {
		candidate := domain.MemRegion{Base: cursor, Size: size}
		free := true
		for _, existing := range rp.reservations {
			if candidate.Overlaps(existing.region) {
				free = false
				cursor = existing.region.Base + existing.region.Size
				break
			}
		}
		if free {
			rp.Unlock()
			if err := rp.Reserve(candidate, owner); err != nil {
				return domain.MemRegion{}, err
			}
			return candidate, nil
		}
	}
	rp.Unlock()

	return domain.MemRegion{}, errors.Wrapf(domain.NewError(domain.StatusQuotaExceeded, "no free sub-region of requested size"), "AllocIn")
}

func (rp *resourcePool) Regions() []domain.MemRegion {
	rp.RLock()
	defer rp.RUnlock()

	out := make([]domain.MemRegion, len(rp.reservations))
	for i, r := range rp.reservations {
		out[i] = r.region
	}
	return out
}
