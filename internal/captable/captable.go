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

// Package captable implements the Capability Table (component C3): the
// single source of truth for every live capability entry. It is indexed by
// an immutable radix tree the same way the teacher's handler DB indexes FS
// paths, so every reader either observes the table before a mutation or
// after it, never midway — which is exactly what Invariants 1, 3 and 4
// (unique ownership, revocation closure, conservation) require.
package captable

import (
	"encoding/binary"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hicore/hic/domain"
)

type capTable struct {
	sync.RWMutex

	// Radix-tree indexed by big-endian CapID. A COW tree serves as an
	// ordered DB where the association between a capability id and its
	// entry can be swapped atomically under the lock.
	tree *iradix.Tree

	nextID domain.CapID

	audit   domain.AuditLogIface
	checker domain.InvariantCheckerIface
	domains domain.DomainRegistryIface
}

// New builds an empty Capability Table.
func New() domain.CapabilityTableIface {
	return &capTable{}
}

func (ct *capTable) Setup(audit domain.AuditLogIface, checker domain.InvariantCheckerIface, domains domain.DomainRegistryIface) error {
	ct.audit = audit
	ct.checker = checker
	ct.domains = domains

	ct.tree = iradix.New()
	if ct.tree == nil {
		logrus.Fatalf("unable to allocate capability radix-tree")
	}

	// CapID 0 is reserved (domain.CapIDNone); start allocation at 1.
	ct.nextID = 1

	return nil
}

func keyOf(id domain.CapID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

// Create installs a new capability for owner. granter is domain.CapIDNone
// for Core-internal/boot-time creation (no precondition on the creator); any
// other value must resolve to a live, unrevoked capability held by owner
// with RightGrant and with rights a subset of the granter's effective
// rights (spec.md §4.3 Create preconditions). owner's max_caps quota is
// charged before the entry is inserted so a quota-exhausted owner sees
// QUOTA_EXCEEDED rather than a successful create (spec.md §8).
func (ct *capTable) Create(owner domain.DomainID, typ domain.CapType, rights domain.Rights, payload domain.CapPayload, granter domain.CapID) (domain.CapID, error) {
	if granter != domain.CapIDNone {
		granterEntry, ok := ct.Lookup(granter)
		if !ok {
			return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusCapInvalid, "granter not found"), "Create")
		}
		if granterEntry.Owner != owner {
			return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusPermission, "granter not owned by caller"), "Create")
		}
		if granterEntry.Revoked() {
			return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusCapRevoked, "granter revoked"), "Create")
		}
		if !domain.NewRights(domain.RightGrant).Subset(granterEntry.Rights) {
			return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusPermission, "granter lacks GRANT"), "Create")
		}
		if !rights.Subset(granterEntry.Rights) {
			return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusPermission, "rights exceed granter"), "Create")
		}
	}

	if ct.domains != nil {
		if err := ct.domains.ChargeCap(owner, 1); err != nil {
			return domain.CapIDInvalid, errors.Wrap(err, "Create")
		}
	}

	ct.Lock()

	id := ct.nextID
	ct.nextID++

	entry := domain.CapEntry{
		ID:      id,
		Type:    typ,
		Rights:  rights,
		Owner:   owner,
		Payload: payload,
	}

	tree, _, ok := ct.tree.Insert(keyOf(id), entry)
	if ok {
		ct.Unlock()
		if ct.domains != nil {
			_ = ct.domains.ChargeCap(owner, -1)
		}
		return domain.CapIDInvalid, errors.Wrapf(
			domain.NewError(domain.StatusAlreadyExists, "capability id collision"), "Create")
	}
	ct.tree = tree
	ct.Unlock()

	ct.logEvent(domain.EventCapCreate, owner, id, true)

	return id, nil
}

func (ct *capTable) Lookup(id domain.CapID) (domain.CapEntry, bool) {
	ct.RLock()
	defer ct.RUnlock()

	v, ok := ct.tree.Get(keyOf(id))
	if !ok {
		return domain.CapEntry{}, false
	}
	return v.(domain.CapEntry), true
}

// Check validates that owner holds id with at least the required rights
// and that the entry (and any ancestor, for a derived capability) has not
// been revoked (Invariants 1, 2, 3).
func (ct *capTable) Check(id domain.CapID, owner domain.DomainID, required domain.Rights) error {
	entry, ok := ct.Lookup(id)
	if !ok {
		ct.logEvent(domain.EventCapVerify, owner, id, false)
		return errors.Wrapf(domain.NewError(domain.StatusCapInvalid, "capability not found"), "Check")
	}
	if entry.Owner != owner {
		ct.logEvent(domain.EventCapVerify, owner, id, false)
		return errors.Wrapf(domain.NewError(domain.StatusPermission, "not owner"), "Check")
	}
	if entry.Revoked() {
		ct.logEvent(domain.EventCapVerify, owner, id, false)
		return errors.Wrapf(domain.NewError(domain.StatusCapRevoked, "capability revoked"), "Check")
	}

	effective := entry.Rights
	if entry.Type == domain.CapTypeDerive {
		parent, ok := ct.Lookup(entry.Payload.Parent)
		if !ok || parent.Revoked() {
			ct.logEvent(domain.EventCapVerify, owner, id, false)
			return errors.Wrapf(domain.NewError(domain.StatusCapRevoked, "ancestor revoked"), "Check")
		}
		effective = entry.EffectiveRights(parent.Rights)
	}

	if !required.Subset(effective) {
		ct.logEvent(domain.EventCapVerify, owner, id, false)
		return errors.Wrapf(domain.NewError(domain.StatusPermission, "insufficient rights"), "Check")
	}

	ct.logEvent(domain.EventCapVerify, owner, id, true)
	return nil
}

// Transfer moves ownership of id from one domain to another as a single
// copy-on-write tree swap: any concurrent reader observes the entry owned
// by from, or by to, never an intermediate state (Invariants 1 and 4).
func (ct *capTable) Transfer(id domain.CapID, from, to domain.DomainID) error {
	ct.Lock()

	v, ok := ct.tree.Get(keyOf(id))
	if !ok {
		ct.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusCapInvalid, "capability not found"), "Transfer")
	}
	entry := v.(domain.CapEntry)
	if entry.Owner != from {
		ct.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusPermission, "not owner"), "Transfer")
	}
	if entry.Revoked() {
		ct.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusCapRevoked, "capability revoked"), "Transfer")
	}

	entry.Owner = to
	tree, _, _ := ct.tree.Insert(keyOf(id), entry)
	ct.tree = tree
	ct.Unlock()

	ct.logEvent(domain.EventCapTransfer, to, id, true)
	return nil
}

// Derive creates a new capability whose effective rights are bounded by
// subRights ∩ rights(parent) and which is revoked whenever parent is
// revoked (Invariant 2, monotonic rights on derivation).
func (ct *capTable) Derive(parent domain.CapID, owner domain.DomainID, subRights domain.Rights) (domain.CapID, error) {
	parentEntry, ok := ct.Lookup(parent)
	if !ok {
		return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusCapInvalid, "parent not found"), "Derive")
	}
	if parentEntry.Owner != owner {
		return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusPermission, "not owner"), "Derive")
	}
	if parentEntry.Revoked() {
		return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusCapRevoked, "parent revoked"), "Derive")
	}
	if !subRights.Subset(parentEntry.Rights) {
		return domain.CapIDInvalid, errors.Wrapf(domain.NewError(domain.StatusPermission, "sub_rights exceeds parent"), "Derive")
	}

	id, err := ct.Create(owner, domain.CapTypeDerive, subRights, domain.CapPayload{
		Parent:    parent,
		SubRights: subRights,
	}, domain.CapIDNone)
	if err != nil {
		return domain.CapIDInvalid, err
	}

	ct.logEvent(domain.EventCapDerive, owner, id, true)
	return id, nil
}

// Revoke marks id (and transitively every capability derived from it)
// revoked in a single pass under the table lock, producing one new tree
// generation so the whole closure becomes visible atomically (Invariant 3,
// revocation closure observability).
func (ct *capTable) Revoke(id domain.CapID) error {
	ct.Lock()

	if _, ok := ct.tree.Get(keyOf(id)); !ok {
		ct.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusCapInvalid, "capability not found"), "Revoke")
	}

	closure := ct.closureLocked(id)

	tree := ct.tree
	for _, cid := range closure {
		v, ok := tree.Get(keyOf(cid))
		if !ok {
			continue
		}
		entry := v.(domain.CapEntry)
		entry.Flags |= domain.CapFlagRevoked
		tree, _, _ = tree.Insert(keyOf(cid), entry)
	}
	ct.tree = tree
	ct.Unlock()

	for _, cid := range closure {
		entry, _ := ct.Lookup(cid)
		if ct.domains != nil {
			_ = ct.domains.ChargeCap(entry.Owner, -1)
		}
		ct.logEvent(domain.EventCapRevoke, entry.Owner, cid, true)
	}

	return nil
}

// RevocationClosure returns id plus every capability (transitively) derived
// from it, without mutating anything.
func (ct *capTable) RevocationClosure(id domain.CapID) []domain.CapID {
	ct.RLock()
	defer ct.RUnlock()
	return ct.closureLocked(id)
}

func (ct *capTable) closureLocked(id domain.CapID) []domain.CapID {
	children := map[domain.CapID][]domain.CapID{}
	ct.tree.Root().Walk(func(key []byte, val interface{}) bool {
		entry := val.(domain.CapEntry)
		if entry.Type == domain.CapTypeDerive {
			children[entry.Payload.Parent] = append(children[entry.Payload.Parent], entry.ID)
		}
		return false
	})

	var closure []domain.CapID
	queue := []domain.CapID{id}
	seen := map[domain.CapID]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		closure = append(closure, cur)
		queue = append(queue, children[cur]...)
	}
	return closure
}

func (ct *capTable) List(owner domain.DomainID) []domain.CapEntry {
	ct.RLock()
	defer ct.RUnlock()

	var out []domain.CapEntry
	ct.tree.Root().Walk(func(key []byte, val interface{}) bool {
		entry := val.(domain.CapEntry)
		if entry.Owner == owner {
			out = append(out, entry)
		}
		return false
	})
	return out
}

func (ct *capTable) Count() int {
	ct.RLock()
	defer ct.RUnlock()
	return ct.tree.Len()
}

func (ct *capTable) logEvent(kind domain.EventKind, owner domain.DomainID, id domain.CapID, success bool) {
	if ct.audit == nil {
		return
	}
	if err := ct.audit.Append(domain.AuditEntry{
		Kind:    kind,
		Domain:  owner,
		Cap:     id,
		Success: success,
	}); err != nil {
		logrus.Errorf("captable: audit append failed: %v", err)
	}
}
