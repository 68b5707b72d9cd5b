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

// Package domainreg implements the Domain Registry (component C4): the
// database of domain control blocks, their lifecycle state machine and
// their quota/usage bookkeeping. Structurally this mirrors the teacher's
// container-state service: an RWMutex-guarded map keyed by id, a Setup
// dependency-injection method, and CRUD operations that each take the lock
// for the duration of the mutation.
package domainreg

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hicore/hic/domain"
)

type domainRegistry struct {
	sync.RWMutex

	idTable map[domain.DomainID]*domain.DomainControlBlock
	nextID  domain.DomainID

	caps  domain.CapabilityTableIface
	audit domain.AuditLogIface
}

// New builds an empty Domain Registry.
func New() domain.DomainRegistryIface {
	return &domainRegistry{}
}

func (dr *domainRegistry) Setup(caps domain.CapabilityTableIface, audit domain.AuditLogIface) error {
	dr.caps = caps
	dr.audit = audit
	dr.idTable = make(map[domain.DomainID]*domain.DomainControlBlock)
	dr.nextID = 1
	return nil
}

func (dr *domainRegistry) Create(typ domain.DomainType, quota domain.Quota, flags domain.DomainFlags) (domain.DomainID, error) {
	dr.Lock()
	defer dr.Unlock()

	id := dr.nextID
	dr.nextID++

	dcb := &domain.DomainControlBlock{
		ID:    id,
		Type:  typ,
		State: domain.DomainStateInit,
		Flags: flags,
		Quota: quota,
	}
	dr.idTable[id] = dcb

	dr.logEvent(domain.EventDomainCreate, id, true)

	logrus.Debugf("domainreg: created domain %d (%s)", id, typ)

	return id, nil
}

func (dr *domainRegistry) Lookup(id domain.DomainID) (*domain.DomainControlBlock, bool) {
	dr.RLock()
	defer dr.RUnlock()

	dcb, ok := dr.idTable[id]
	return dcb, ok
}

// legal next-state table for the domain lifecycle (spec.md §4.4).
var legalTransitions = map[domain.DomainState][]domain.DomainState{
	domain.DomainStateInit:      {domain.DomainStateReady, domain.DomainStateTerminated},
	domain.DomainStateReady:     {domain.DomainStateRunning, domain.DomainStateTerminated},
	domain.DomainStateRunning:   {domain.DomainStateSuspended, domain.DomainStateTerminated},
	domain.DomainStateSuspended: {domain.DomainStateRunning, domain.DomainStateTerminated},
	domain.DomainStateTerminated: {},
}

func (dr *domainRegistry) Transition(id domain.DomainID, next domain.DomainState) error {
	dr.Lock()
	defer dr.Unlock()

	dcb, ok := dr.idTable[id]
	if !ok {
		return errors.Wrapf(domain.NewError(domain.StatusInvalidDomain, "domain not found"), "Transition")
	}

	for _, allowed := range legalTransitions[dcb.State] {
		if allowed == next {
			dcb.State = next
			return nil
		}
	}

	return errors.Wrapf(domain.NewError(domain.StatusInvalidState, "illegal domain transition"), "Transition")
}

func (dr *domainRegistry) ChargeMemory(id domain.DomainID, delta int64) error {
	dr.Lock()
	defer dr.Unlock()

	dcb, ok := dr.idTable[id]
	if !ok {
		return errors.Wrapf(domain.NewError(domain.StatusInvalidDomain, "domain not found"), "ChargeMemory")
	}

	next := int64(dcb.Usage.MemoryUsed) + delta
	if next < 0 {
		next = 0
	}
	if uint64(next) > dcb.Quota.MaxMemory {
		return errors.Wrapf(domain.NewError(domain.StatusQuotaExceeded, "memory quota exceeded"), "ChargeMemory")
	}

	dcb.Usage.MemoryUsed = uint64(next)
	return nil
}

func (dr *domainRegistry) ChargeThread(id domain.DomainID, delta int32) error {
	dr.Lock()
	defer dr.Unlock()

	dcb, ok := dr.idTable[id]
	if !ok {
		return errors.Wrapf(domain.NewError(domain.StatusInvalidDomain, "domain not found"), "ChargeThread")
	}

	next := int32(dcb.Usage.ThreadUsed) + delta
	if next < 0 {
		next = 0
	}
	if uint32(next) > dcb.Quota.MaxThreads {
		return errors.Wrapf(domain.NewError(domain.StatusQuotaExceeded, "thread quota exceeded"), "ChargeThread")
	}

	dcb.Usage.ThreadUsed = uint32(next)
	return nil
}

func (dr *domainRegistry) ChargeCap(id domain.DomainID, delta int32) error {
	dr.Lock()
	defer dr.Unlock()

	dcb, ok := dr.idTable[id]
	if !ok {
		return errors.Wrapf(domain.NewError(domain.StatusInvalidDomain, "domain not found"), "ChargeCap")
	}

	next := int32(dcb.Usage.CapsUsed) + delta
	if next < 0 {
		next = 0
	}
	if uint32(next) > dcb.Quota.MaxCaps {
		return errors.Wrapf(domain.NewError(domain.StatusQuotaExceeded, "capability quota exceeded"), "ChargeCap")
	}

	dcb.Usage.CapsUsed = uint32(next)
	return nil
}

// Destroy is only legal against a domain already in DomainStateTerminated
// (spec.md §4.4); it collects every capability still owned by id, removes
// the control block, and then revokes the collected capabilities.
func (dr *domainRegistry) Destroy(id domain.DomainID) error {
	dr.Lock()

	dcb, ok := dr.idTable[id]
	if !ok {
		dr.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusInvalidDomain, "domain not found"), "Destroy")
	}
	if dcb.Flags&domain.DomainFlagCritical != 0 {
		dr.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusPermission, "domain is critical"), "Destroy")
	}
	if dcb.State != domain.DomainStateTerminated {
		dr.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusInvalidState, "domain not terminated"), "Destroy")
	}

	var caps []domain.CapID
	if dr.caps != nil {
		for _, entry := range dr.caps.List(id) {
			caps = append(caps, entry.ID)
		}
	}
	delete(dr.idTable, id)
	dr.Unlock()

	for _, c := range caps {
		if dr.caps != nil {
			_ = dr.caps.Revoke(c)
		}
	}

	dr.logEvent(domain.EventDomainDestroy, id, true)

	return nil
}

func (dr *domainRegistry) List() []domain.DomainID {
	dr.RLock()
	defer dr.RUnlock()

	out := make([]domain.DomainID, 0, len(dr.idTable))
	for id := range dr.idTable {
		out = append(out, id)
	}
	return out
}

func (dr *domainRegistry) Size() int {
	dr.RLock()
	defer dr.RUnlock()
	return len(dr.idTable)
}

func (dr *domainRegistry) logEvent(kind domain.EventKind, id domain.DomainID, success bool) {
	if dr.audit == nil {
		return
	}
	if err := dr.audit.Append(domain.AuditEntry{Kind: kind, Domain: id, Success: success}); err != nil {
		logrus.Errorf("domainreg: audit append failed: %v", err)
	}
}
