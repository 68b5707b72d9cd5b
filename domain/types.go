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

// Package domain holds the types and interfaces shared by every HIC core
// service. Each service package (internal/captable, internal/domainreg,
// internal/sched, ...) depends only on domain, never on one another
// directly, so wiring happens exclusively in cmd/hic-core.
package domain

import (
	"time"

	"github.com/willf/bitset"
)

// CapID identifies a capability entry. 0 and ^uint32(0) are reserved.
type CapID uint32

const (
	// CapIDNone is the reserved null capability id.
	CapIDNone CapID = 0
	// CapIDInvalid is the reserved all-ones sentinel id.
	CapIDInvalid CapID = ^CapID(0)
)

// Handle is a small per-domain integer aliasing a CapID. Handle 0 is reserved.
type Handle uint32

// HandleNone is the reserved null handle.
const HandleNone Handle = 0

// DomainID identifies a domain control block.
type DomainID uint32

// ThreadID identifies a thread control block.
type ThreadID uint32

// Inode is a namespace or filesystem inode number. It is a type alias, so
// it is interchangeable with a bare uint64.
type Inode = uint64

// Rights is the bitset of capability rights drawn from {READ, WRITE,
// EXECUTE, GRANT, REVOKE, MAP, INVOKE, SEND, RECEIVE} (spec.md Data Model,
// Capability Entry). Backed by willf/bitset, the same bitset abstraction
// the pack's Linux-capability library uses for POSIX capability sets.
type Rights struct {
	bits *bitset.BitSet
}

// Right is a single bit position within a Rights set.
type Right uint

const (
	RightRead Right = iota
	RightWrite
	RightExecute
	RightGrant
	RightRevoke
	RightMap
	RightInvoke
	RightSend
	RightReceive

	rightCount
)

// RightCount is the number of distinct rights a Rights set can hold,
// exported so packages outside domain (e.g. internal/ipc's wire codec) can
// iterate the full right space without duplicating the count.
const RightCount = int(rightCount)

func (r Right) String() string {
	switch r {
	case RightRead:
		return "READ"
	case RightWrite:
		return "WRITE"
	case RightExecute:
		return "EXECUTE"
	case RightGrant:
		return "GRANT"
	case RightRevoke:
		return "REVOKE"
	case RightMap:
		return "MAP"
	case RightInvoke:
		return "INVOKE"
	case RightSend:
		return "SEND"
	case RightReceive:
		return "RECEIVE"
	default:
		return "UNKNOWN"
	}
}

// NewRights builds a Rights set from the given bits.
func NewRights(rights ...Right) Rights {
	bs := bitset.New(uint(rightCount))
	for _, r := range rights {
		bs.Set(uint(r))
	}
	return Rights{bits: bs}
}

// Has reports whether r is set.
func (s Rights) Has(r Right) bool {
	if s.bits == nil {
		return false
	}
	return s.bits.Test(uint(r))
}

// Set returns a new Rights with r added.
func (s Rights) Set(r Right) Rights {
	out := s.clone()
	out.bits.Set(uint(r))
	return out
}

// Clear returns a new Rights with r removed.
func (s Rights) Clear(r Right) Rights {
	out := s.clone()
	out.bits.Clear(uint(r))
	return out
}

// Subset reports whether every bit of s is also set in other (s ⊆ other),
// the check used by Invariant 2 (monotonic rights on derivation).
func (s Rights) Subset(other Rights) bool {
	if s.bits == nil {
		return true
	}
	if other.bits == nil {
		return s.bits.None()
	}
	return other.bits.IsSuperSet(s.bits)
}

// Intersect returns the bitwise intersection of s and other, used to compute
// a derived capability's effective rights (sub_rights ∩ rights(parent)).
func (s Rights) Intersect(other Rights) Rights {
	out := bitset.New(uint(rightCount))
	if s.bits != nil && other.bits != nil {
		out = s.bits.Intersection(other.bits)
	}
	return Rights{bits: out}
}

func (s Rights) clone() Rights {
	if s.bits == nil {
		return Rights{bits: bitset.New(uint(rightCount))}
	}
	return Rights{bits: s.bits.Clone()}
}

func (s Rights) String() string {
	if s.bits == nil {
		return "{}"
	}
	out := "{"
	first := true
	for r := Right(0); r < rightCount; r++ {
		if s.Has(r) {
			if !first {
				out += ","
			}
			out += r.String()
			first = false
		}
	}
	return out + "}"
}

// CapType is the tagged variant of a capability's resource (spec.md Data
// Model).
type CapType int

const (
	CapTypeMemory CapType = iota
	CapTypeThread
	CapTypeIrqLine
	CapTypeEndpoint
	CapTypeDevice
	CapTypeDomain
	CapTypeDerive
)

func (t CapType) String() string {
	switch t {
	case CapTypeMemory:
		return "Memory"
	case CapTypeThread:
		return "Thread"
	case CapTypeIrqLine:
		return "IrqLine"
	case CapTypeEndpoint:
		return "Endpoint"
	case CapTypeDevice:
		return "Device"
	case CapTypeDomain:
		return "Domain"
	case CapTypeDerive:
		return "CapDerive"
	default:
		return "Unknown"
	}
}

// CapPayload carries the type-specific fields of a capability entry. Only
// the fields relevant to Type are meaningful; this mirrors a tagged union
// without resorting to unsafe tricks.
type CapPayload struct {
	// Memory / Device
	Base uint64
	Size uint64
	// Thread
	ThreadID ThreadID
	// IrqLine
	Vector uint32
	// Endpoint
	EndpointID uint32
	// Domain
	DomainID DomainID
	// CapDerive
	Parent     CapID
	SubRights  Rights
}

// CapFlags are per-entry status bits.
type CapFlags uint32

const (
	CapFlagNone            CapFlags = 0
	CapFlagRevoked         CapFlags = 1 << iota
	CapFlagTransferPending CapFlags = 1 << iota
)

// CapEntry is the atom of authority (spec.md Data Model, Capability Entry).
// Immutable once constructed: every mutation (transfer, revoke, right
// shrink) produces a new CapEntry value that replaces the old one in the
// capability table's immutable radix tree (internal/captable), which is how
// Invariants 1, 3 and 4 get atomic-observability for free.
type CapEntry struct {
	ID      CapID
	Type    CapType
	Rights  Rights
	Owner   DomainID
	Flags   CapFlags
	Payload CapPayload
}

// Revoked reports whether the entry (or an ancestor) has been revoked.
func (e CapEntry) Revoked() bool {
	return e.Flags&CapFlagRevoked != 0
}

// EffectiveRights returns the rights enforced at check time. For a derived
// entry this is sub_rights ∩ rights(parent), recomputed live so a later
// shrink of the parent propagates (spec.md §4.3 derive notes); parentRights
// is looked up by the caller (internal/captable) since CapEntry itself holds
// no back-reference to the table.
func (e CapEntry) EffectiveRights(parentRights Rights) Rights {
	if e.Type != CapTypeDerive {
		return e.Rights
	}
	return e.Payload.SubRights.Intersect(parentRights)
}

// DomainType is the privilege tier of a domain (spec.md §1).
type DomainType int

const (
	DomainTypeCore DomainType = iota
	DomainTypePrivileged
	DomainTypeApplication
)

func (t DomainType) String() string {
	switch t {
	case DomainTypeCore:
		return "Core"
	case DomainTypePrivileged:
		return "Privileged"
	case DomainTypeApplication:
		return "Application"
	default:
		return "Unknown"
	}
}

// DomainState is the domain control block lifecycle state.
type DomainState int

const (
	DomainStateInit DomainState = iota
	DomainStateReady
	DomainStateRunning
	DomainStateSuspended
	DomainStateTerminated
)

func (s DomainState) String() string {
	switch s {
	case DomainStateInit:
		return "Init"
	case DomainStateReady:
		return "Ready"
	case DomainStateRunning:
		return "Running"
	case DomainStateSuspended:
		return "Suspended"
	case DomainStateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// DomainFlags are per-domain status bits.
type DomainFlags uint32

const (
	DomainFlagNone     DomainFlags = 0
	DomainFlagTrusted  DomainFlags = 1 << iota
	DomainFlagCritical DomainFlags = 1 << iota
)

// MemRegion is a {base, size} physical region.
type MemRegion struct {
	Base uint64
	Size uint64
}

// Overlaps reports whether r and other share any address.
func (r MemRegion) Overlaps(other MemRegion) bool {
	if r.Size == 0 || other.Size == 0 {
		return false
	}
	rEnd := r.Base + r.Size
	oEnd := other.Base + other.Size
	return r.Base < oEnd && other.Base < rEnd
}

// Quota is a domain's resource upper bound (spec.md Data Model, Domain
// Control Block).
type Quota struct {
	MaxMemory  uint64
	MaxThreads uint32
	MaxCaps    uint32
	CPUPercent uint32
}

// Usage is a domain's current resource consumption.
type Usage struct {
	MemoryUsed    uint64
	ThreadUsed    uint32
	CapsUsed      uint32
	CPUTimeTotal  time.Duration
}

// Priority is a thread scheduling priority (spec.md §4.5); higher wins
// strictly.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime

	PriorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "IDLE"
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityRealtime:
		return "REALTIME"
	default:
		return "UNKNOWN"
	}
}

// ThreadState is a thread control block's lifecycle state.
type ThreadState int

const (
	ThreadStateReady ThreadState = iota
	ThreadStateRunning
	ThreadStateBlocked
	ThreadStateWaiting
	ThreadStateTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadStateReady:
		return "Ready"
	case ThreadStateRunning:
		return "Running"
	case ThreadStateBlocked:
		return "Blocked"
	case ThreadStateWaiting:
		return "Waiting"
	case ThreadStateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// WakeCause records why a blocked/waiting thread became Ready again.
type WakeCause int

const (
	WakeCauseNone WakeCause = iota
	WakeCauseNormal
	WakeCauseTimeout
	WakeCauseSignal
)

// WaitDescriptor describes why a thread is Blocked/Waiting.
type WaitDescriptor struct {
	Reason   string
	Resource CapID
	Deadline time.Time // zero value means no deadline
}

// EventKind enumerates the audit event kinds of spec.md §4.7.
type EventKind uint16

const (
	EventCapCreate EventKind = iota
	EventCapTransfer
	EventCapRevoke
	EventCapDerive
	EventCapVerify
	EventSyscall
	EventDomainCreate
	EventDomainDestroy
	EventThreadCreate
	EventThreadTerminate
	EventException
	EventSecurityViolation
	EventModuleLoad
	EventModuleUnload
	EventAuditWrap
)

func (k EventKind) String() string {
	switch k {
	case EventCapCreate:
		return "CAP_CREATE"
	case EventCapTransfer:
		return "CAP_TRANSFER"
	case EventCapRevoke:
		return "CAP_REVOKE"
	case EventCapDerive:
		return "CAP_DERIVE"
	case EventCapVerify:
		return "CAP_VERIFY"
	case EventSyscall:
		return "SYSCALL"
	case EventDomainCreate:
		return "DOMAIN_CREATE"
	case EventDomainDestroy:
		return "DOMAIN_DESTROY"
	case EventThreadCreate:
		return "THREAD_CREATE"
	case EventThreadTerminate:
		return "THREAD_TERMINATE"
	case EventException:
		return "EXCEPTION"
	case EventSecurityViolation:
		return "SECURITY_VIOLATION"
	case EventModuleLoad:
		return "MODULE_LOAD"
	case EventModuleUnload:
		return "MODULE_UNLOAD"
	case EventAuditWrap:
		return "AUDIT_WRAP"
	default:
		return "UNKNOWN"
	}
}

// AuditEntry is the fixed-width audit record of spec.md §3/§6.
type AuditEntry struct {
	Timestamp int64
	Sequence  uint64
	Kind      EventKind
	Domain    DomainID
	Cap       CapID
	Thread    ThreadID
	Data      [4]uint64
	Success   bool
}

// AuditRecordSize is the persisted/exposed record width (spec.md §6):
// u64 timestamp, u32 sequence, u16 kind, u16 flags, u32 domain, u32 cap,
// u32 thread, u32 _pad, u64 data[4].
const AuditRecordSize = 64

// AuditMagic identifies an audit ring header ("AUDI", spec.md §6).
const AuditMagic uint32 = 0x41554449

// AccessMode mirrors the POSIX R_OK/W_OK/X_OK bits used by the Resource
// Model's check_access and by a process's path-walk permission checks.
type AccessMode uint32

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessExecute
)
