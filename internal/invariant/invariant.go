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

// Package invariant implements the Invariant Checker (component C8):
// advisory, read-only validation of the data-model invariants. It never
// mutates the tables it inspects; a failure is reported to the caller
// (normally wired to the audit log and, for a fatal class, the fault
// handler) rather than silently repaired.
package invariant

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hicore/hic/domain"
)

type checker struct {
	caps    domain.CapabilityTableIface
	domains domain.DomainRegistryIface
	pool    domain.ResourcePoolIface
	sched   domain.SchedulerIface
	audit   domain.AuditLogIface

	lastSequence uint64
}

// New builds an Invariant Checker.
func New() domain.InvariantCheckerIface {
	return &checker{}
}

func (c *checker) Setup(caps domain.CapabilityTableIface, domains domain.DomainRegistryIface, pool domain.ResourcePoolIface, sched domain.SchedulerIface, audit domain.AuditLogIface) error {
	c.caps = caps
	c.domains = domains
	c.pool = pool
	c.sched = sched
	c.audit = audit
	return nil
}

// CheckAll runs every invariant check and returns the accumulated
// violations; an empty slice means the system is currently consistent.
//
// spec.md §4.8 describes the checker as implementing "Invariants 1-12",
// but §3 only ever defines ten (1 unique ownership, 2 monotonic rights,
// 3 revocation closure, 4 conservation, 5 memory disjointness, 6 quota
// enforcement, 7 single ready residence, 8 priority bound, 9 sequence
// monotonicity, 10 append-only observable history) plus three named
// checks exposed separately below (transfer atomicity, derive safety,
// revoke consistency). There is no 11 or 12 anywhere in the document.
// CheckAll runs eight checks: ownership (1), monotonic rights (2),
// revocation closure (3), quotas (6), region overlap (5), ready residence
// (7), priority bound (8) and sequence monotonicity (9). Conservation (4)
// is not checked by CheckAll or by any other method here. Invariant 10 (no
// partial write is ever observable) is a property of Append's barrier
// ordering, not of post-hoc state, so there is nothing for a snapshot
// reader to check; it is exercised by audit's own tests instead.
func (c *checker) CheckAll() []domain.InvariantViolation {
	var out []domain.InvariantViolation

	out = append(out, c.checkUniqueOwnership()...)
	out = append(out, c.checkMonotonicRights()...)
	out = append(out, c.checkRevocationClosure()...)
	out = append(out, c.checkQuotas()...)
	out = append(out, c.checkRegionOverlap()...)
	out = append(out, c.checkReadyResidence()...)
	out = append(out, c.checkPriorityBound()...)
	out = append(out, c.checkSequenceMonotonicity()...)

	return out
}

// checkUniqueOwnership validates Invariant 1: every non-revoked capability
// entry is owned by exactly the domain it is filed under, never orphaned
// from its owning domain.
func (c *checker) checkUniqueOwnership() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.caps == nil || c.domains == nil {
		return out
	}

	for _, id := range c.domains.List() {
		for _, entry := range c.caps.List(id) {
			if entry.Owner != id {
				out = append(out, domain.InvariantViolation{
					Invariant: "capability-ownership",
					Detail:    fmt.Sprintf("cap %d claims owner %d but listed under domain %d", entry.ID, entry.Owner, id),
				})
			}
		}
	}
	return out
}

// checkMonotonicRights validates Invariant 2: a derived capability's
// effective rights never exceed its parent's.
func (c *checker) checkMonotonicRights() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.caps == nil || c.domains == nil {
		return out
	}

	for _, id := range c.domains.List() {
		for _, entry := range c.caps.List(id) {
			if entry.Type != domain.CapTypeDerive {
				continue
			}
			parent, ok := c.caps.Lookup(entry.Payload.Parent)
			if !ok {
				continue
			}
			if !entry.Payload.SubRights.Subset(parent.Rights) {
				out = append(out, domain.InvariantViolation{
					Invariant: "monotonic-rights",
					Detail:    fmt.Sprintf("cap %d exceeds parent %d rights", entry.ID, parent.ID),
				})
			}
		}
	}
	return out
}

// checkQuotas validates Invariant 6: usage never exceeds quota on any
// resource axis.
func (c *checker) checkQuotas() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.domains == nil {
		return out
	}

	for _, id := range c.domains.List() {
		dcb, ok := c.domains.Lookup(id)
		if !ok {
			continue
		}
		if dcb.Usage.MemoryUsed > dcb.Quota.MaxMemory {
			out = append(out, domain.InvariantViolation{
				Invariant: "quota-memory",
				Detail:    fmt.Sprintf("domain %d memory usage %d exceeds quota %d", id, dcb.Usage.MemoryUsed, dcb.Quota.MaxMemory),
			})
		}
		if dcb.Usage.ThreadUsed > dcb.Quota.MaxThreads {
			out = append(out, domain.InvariantViolation{
				Invariant: "quota-threads",
				Detail:    fmt.Sprintf("domain %d thread usage %d exceeds quota %d", id, dcb.Usage.ThreadUsed, dcb.Quota.MaxThreads),
			})
		}
		if dcb.Quota.MaxCaps > 0 && dcb.Usage.CapsUsed > dcb.Quota.MaxCaps {
			out = append(out, domain.InvariantViolation{
				Invariant: "quota-caps",
				Detail:    fmt.Sprintf("domain %d cap usage %d exceeds quota %d", id, dcb.Usage.CapsUsed, dcb.Quota.MaxCaps),
			})
		}
	}
	return out
}

// checkRevocationClosure validates Invariant 3: if any member of a
// capability's derivation closure is revoked, every member is revoked —
// there is no way to observe a live descendant of a revoked ancestor.
func (c *checker) checkRevocationClosure() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.caps == nil || c.domains == nil {
		return out
	}

	for _, id := range c.domains.List() {
		for _, entry := range c.caps.List(id) {
			if !entry.Revoked() {
				continue
			}
			for _, cid := range c.caps.RevocationClosure(entry.ID) {
				descendant, ok := c.caps.Lookup(cid)
				if !ok || descendant.Revoked() {
					continue
				}
				out = append(out, domain.InvariantViolation{
					Invariant: "revocation-closure",
					Detail:    fmt.Sprintf("cap %d is revoked but descendant %d is not", entry.ID, cid),
				})
			}
		}
	}
	return out
}

// checkRegionOverlap validates Invariant 5: no two reserved physical
// regions overlap.
func (c *checker) checkRegionOverlap() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.pool == nil {
		return out
	}

	regions := c.pool.Regions()
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].Overlaps(regions[j]) {
				out = append(out, domain.InvariantViolation{
					Invariant: "region-overlap",
					Detail:    fmt.Sprintf("region %v overlaps region %v", regions[i], regions[j]),
				})
			}
		}
	}
	return out
}

// checkReadyResidence validates Invariant 7: a Ready thread is in exactly
// one ready queue; a non-Ready thread is in none. ReadyThreads enumerates
// the scheduler's own queues, so this catches a thread appearing twice
// (e.g. duplicated on requeue) or a Ready thread's TCB disagreeing with
// queue membership.
func (c *checker) checkReadyResidence() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.sched == nil {
		return out
	}

	seen := make(map[domain.ThreadID]domain.Priority)
	for p := domain.Priority(0); p < domain.PriorityCount; p++ {
		for _, id := range c.sched.ReadyThreads(p) {
			if prior, dup := seen[id]; dup {
				out = append(out, domain.InvariantViolation{
					Invariant: "ready-residence",
					Detail:    fmt.Sprintf("thread %d is enqueued in both priority %d and %d", id, prior, p),
				})
				continue
			}
			seen[id] = p

			tcb, ok := c.sched.Lookup(id)
			if !ok {
				out = append(out, domain.InvariantViolation{
					Invariant: "ready-residence",
					Detail:    fmt.Sprintf("thread %d is queued but has no control block", id),
				})
				continue
			}
			if tcb.State != domain.ThreadStateReady {
				out = append(out, domain.InvariantViolation{
					Invariant: "ready-residence",
					Detail:    fmt.Sprintf("thread %d is queued at priority %d but its state is %v, not Ready", id, p, tcb.State),
				})
			}
		}
	}
	return out
}

// checkPriorityBound validates Invariant 8: every thread's priority is one
// of the five defined levels.
func (c *checker) checkPriorityBound() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.sched == nil {
		return out
	}

	for p := domain.Priority(0); p < domain.PriorityCount; p++ {
		for _, id := range c.sched.ReadyThreads(p) {
			tcb, ok := c.sched.Lookup(id)
			if !ok {
				continue
			}
			if tcb.Priority < 0 || tcb.Priority >= domain.PriorityCount {
				out = append(out, domain.InvariantViolation{
					Invariant: "priority-bound",
					Detail:    fmt.Sprintf("thread %d has out-of-range priority %d", id, tcb.Priority),
				})
			}
		}
	}
	return out
}

// checkSequenceMonotonicity validates Invariant 9: the audit log's
// sequence counter strictly increases across snapshots, even across a
// ring wrap. It compares the checker's own last-observed sequence number
// against the log's current one rather than re-scanning the ring, since
// older entries are overwritten on wrap and are no longer available to
// re-derive monotonicity from.
func (c *checker) checkSequenceMonotonicity() []domain.InvariantViolation {
	var out []domain.InvariantViolation
	if c.audit == nil {
		return out
	}

	current := c.audit.Sequence()
	if current < c.lastSequence {
		out = append(out, domain.InvariantViolation{
			Invariant: "sequence-monotonicity",
			Detail:    fmt.Sprintf("audit sequence regressed from %d to %d", c.lastSequence, current),
		})
	}
	c.lastSequence = current

	snap := c.audit.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].Sequence <= snap[i-1].Sequence {
			out = append(out, domain.InvariantViolation{
				Invariant: "sequence-monotonicity",
				Detail:    fmt.Sprintf("ring entry %d (sequence %d) does not exceed entry %d (sequence %d)", i, snap[i].Sequence, i-1, snap[i-1].Sequence),
			})
		}
	}
	return out
}

// CheckTransferAtomicity validates that a capability about to be
// transferred is currently owned by from and not mid-revocation.
func (c *checker) CheckTransferAtomicity(id domain.CapID, from, to domain.DomainID) error {
	entry, ok := c.caps.Lookup(id)
	if !ok {
		return errors.Wrap(domain.NewError(domain.StatusCapInvalid, "capability not found"), "CheckTransferAtomicity")
	}
	if entry.Owner != from {
		return errors.Wrap(domain.NewError(domain.StatusPermission, "caller does not own capability"), "CheckTransferAtomicity")
	}
	if entry.Revoked() {
		return errors.Wrap(domain.NewError(domain.StatusCapRevoked, "capability revoked"), "CheckTransferAtomicity")
	}
	if _, ok := c.domains.Lookup(to); !ok {
		return errors.Wrap(domain.NewError(domain.StatusInvalidDomain, "destination domain not found"), "CheckTransferAtomicity")
	}
	return nil
}

// CheckDeriveSafety validates that child's sub_rights are bounded by
// parent's rights (Invariant 2), re-checked independently of captable's own
// enforcement as a defense-in-depth pass.
func (c *checker) CheckDeriveSafety(parent, child domain.CapID) error {
	parentEntry, ok := c.caps.Lookup(parent)
	if !ok {
		return errors.Wrap(domain.NewError(domain.StatusCapInvalid, "parent not found"), "CheckDeriveSafety")
	}
	childEntry, ok := c.caps.Lookup(child)
	if !ok {
		return errors.Wrap(domain.NewError(domain.StatusCapInvalid, "child not found"), "CheckDeriveSafety")
	}
	if childEntry.Type != domain.CapTypeDerive || childEntry.Payload.Parent != parent {
		return errors.Wrap(domain.NewError(domain.StatusInvalidParam, "child is not derived from parent"), "CheckDeriveSafety")
	}
	if !childEntry.Payload.SubRights.Subset(parentEntry.Rights) {
		return errors.Wrap(domain.NewError(domain.StatusPermission, "child rights exceed parent"), "CheckDeriveSafety")
	}
	return nil
}

// CheckRevokeConsistency validates that every member of id's revocation
// closure carries the revoked flag once Revoke has completed.
func (c *checker) CheckRevokeConsistency(id domain.CapID) error {
	closure := c.caps.RevocationClosure(id)
	for _, cid := range closure {
		entry, ok := c.caps.Lookup(cid)
		if !ok {
			continue
		}
		if !entry.Revoked() {
			return errors.Wrap(domain.NewError(domain.StatusGeneric, "closure member not revoked"), "CheckRevokeConsistency")
		}
	}
	return nil
}
