package domain

import (
	"context"
	"time"
)

// Status is the HIC error taxonomy (spec.md §6). Every core operation
// returns a Status instead of a bare error so that callers across a
// cross-domain call gate can marshal the outcome into a fixed-width
// syscall return value.
type Status int

const (
	StatusSuccess Status = iota
	StatusGeneric
	StatusInvalidParam
	StatusNoMemory
	StatusPermission
	StatusNotFound
	StatusTimeout
	StatusBusy
	StatusNotSupported
	StatusCapInvalid
	StatusCapRevoked
	StatusInvalidDomain
	StatusQuotaExceeded
	StatusInvalidState
	StatusNoResource
	StatusAlreadyExists
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusGeneric:
		return "GENERIC"
	case StatusInvalidParam:
		return "INVALID_PARAM"
	case StatusNoMemory:
		return "NO_MEMORY"
	case StatusPermission:
		return "PERMISSION"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusBusy:
		return "BUSY"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusCapInvalid:
		return "CAP_INVALID"
	case StatusCapRevoked:
		return "CAP_REVOKED"
	case StatusInvalidDomain:
		return "INVALID_DOMAIN"
	case StatusQuotaExceeded:
		return "QUOTA_EXCEEDED"
	case StatusInvalidState:
		return "INVALID_STATE"
	case StatusNoResource:
		return "NO_RESOURCE"
	case StatusAlreadyExists:
		return "ALREADY_EXISTS"
	default:
		return "UNKNOWN"
	}
}

// Error adapts a Status to the error interface so it can flow through
// pkg/errors-wrapped call chains while still letting a caller recover the
// original taxonomy via AsStatus.
type Error struct {
	Status Status
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Msg
}

// NewError builds an *Error carrying the given status.
func NewError(status Status, msg string) *Error {
	return &Error{Status: status, Msg: msg}
}

// AsStatus unwraps err (which may have been wrapped one or more times via
// github.com/pkg/errors) back to its originating Status, defaulting to
// StatusGeneric for an error not produced by this package.
func AsStatus(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	type causer interface {
		Cause() error
	}
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Status
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return StatusGeneric
}

// HALIface is the Hardware Abstraction Layer (C1): the only component
// permitted to touch raw platform state (page tables, IRQ controller,
// monotonic clock). The hosted backend in internal/hal is the only
// implementation of this contract in the module.
type HALIface interface {
	Now() time.Time
	MapRegion(region MemRegion, rights Rights) error
	UnmapRegion(region MemRegion) error
	IrqSave() (flags uint64)
	IrqRestore(flags uint64)
	MaskIrq(vector uint32) error
	UnmaskIrq(vector uint32) error
	Halt()
}

// ResourcePoolIface is the Physical Resource Model (C2): tracks which
// physical regions (memory, device MMIO, IRQ lines) are owned and free,
// and checks candidate allocations for overlap against Invariant 5.
type ResourcePoolIface interface {
	Setup(hal HALIface, cfg PlatformConfig) error
	Reserve(region MemRegion, owner DomainID) error
	Release(region MemRegion) error
	CheckAccess(region MemRegion, mode AccessMode) error
	AllocIn(parent MemRegion, size uint64, owner DomainID) (MemRegion, error)
	Regions() []MemRegion
}

// CapabilityTableIface is the Capability Table (C3): the single source of
// truth for every live capability, backed by a copy-on-write index so a
// reader never observes a half-applied mutation (Invariants 1, 3, 4).
type CapabilityTableIface interface {
	Setup(audit AuditLogIface, checker InvariantCheckerIface, domains DomainRegistryIface) error
	Create(owner DomainID, typ CapType, rights Rights, payload CapPayload, granter CapID) (CapID, error)
	Lookup(id CapID) (CapEntry, bool)
	Check(id CapID, owner DomainID, required Rights) error
	Transfer(id CapID, from, to DomainID) error
	Derive(parent CapID, owner DomainID, subRights Rights) (CapID, error)
	Revoke(id CapID) error
	RevocationClosure(id CapID) []CapID
	List(owner DomainID) []CapEntry
	Count() int
}

// DomainRegistryIface is the Domain Registry (C4): owns the lifecycle and
// bookkeeping (quota, usage, state machine) of every domain control block.
type DomainRegistryIface interface {
	Setup(caps CapabilityTableIface, audit AuditLogIface) error
	Create(typ DomainType, quota Quota, flags DomainFlags) (DomainID, error)
	Lookup(id DomainID) (*DomainControlBlock, bool)
	Transition(id DomainID, next DomainState) error
	ChargeMemory(id DomainID, delta int64) error
	ChargeThread(id DomainID, delta int32) error
	ChargeCap(id DomainID, delta int32) error
	Destroy(id DomainID) error
	List() []DomainID
	Size() int
}

// DomainControlBlock is the per-domain record owned by DomainRegistryIface.
type DomainControlBlock struct {
	ID    DomainID
	Type  DomainType
	State DomainState
	Flags DomainFlags
	Quota Quota
	Usage Usage
}

// SchedulerIface is the Thread/Scheduler (C5): priority ready queues with
// round-robin within a priority and preemption on tick.
type SchedulerIface interface {
	Setup(domains DomainRegistryIface, audit AuditLogIface, hal HALIface) error
	SpawnThread(owner DomainID, prio Priority) (ThreadID, error)
	Lookup(id ThreadID) (*ThreadControlBlock, bool)
	Block(id ThreadID, wait WaitDescriptor) error
	Wake(id ThreadID, cause WakeCause) error
	Terminate(id ThreadID) error
	Tick() (switched bool, from, to ThreadID)
	CurrentThread() (ThreadID, bool)
	ReadyCount(prio Priority) int
	ReadyThreads(prio Priority) []ThreadID
}

// ThreadControlBlock is the per-thread record owned by SchedulerIface.
type ThreadControlBlock struct {
	ID       ThreadID
	Owner    DomainID
	Priority Priority
	State    ThreadState
	Wait     WaitDescriptor
	CPUTime  time.Duration
	// Slice is the quantum of ticks remaining before the scheduler
	// preempts this thread in favor of the next ready thread at the same
	// priority (spec.md §4.5 Tick step 1-2).
	Slice int32
}

// EndpointFunc is a call-gate endpoint handler: it receives the validated
// caller domain and the raw argument words and returns a result plus a
// Status to be marshaled back across the gate.
type EndpointFunc func(ctx context.Context, caller DomainID, args []uint64) ([]uint64, Status)

// CallGateIface is the Call Gate (C6): validates and dispatches a
// cross-domain syscall against the caller's capability and the callee
// endpoint registered for it.
type CallGateIface interface {
	Setup(caps CapabilityTableIface, domains DomainRegistryIface, sched SchedulerIface, audit AuditLogIface) error
	RegisterEndpoint(id CapID, fn EndpointFunc) error
	UnregisterEndpoint(id CapID) error
	Invoke(ctx context.Context, caller DomainID, endpoint CapID, args []uint64) ([]uint64, Status)
}

// AuditLogIface is the Audit Log (C7): an append-only, fixed-record ring
// buffer of every security-relevant event.
type AuditLogIface interface {
	Setup(capacity int, hal HALIface) error
	Append(entry AuditEntry) error
	Snapshot() []AuditEntry
	Len() int
	Capacity() int
	Sequence() uint64
}

// InvariantCheckerIface is the Invariant Checker (C8): advisory, read-only
// validation of Invariants 1-10 plus transfer/derive/revoke consistency.
// It never mutates state; a failed check is reported, not corrected.
type InvariantCheckerIface interface {
	Setup(caps CapabilityTableIface, domains DomainRegistryIface, pool ResourcePoolIface, sched SchedulerIface, audit AuditLogIface) error
	CheckAll() []InvariantViolation
	CheckTransferAtomicity(id CapID, from, to DomainID) error
	CheckDeriveSafety(parent, child CapID) error
	CheckRevokeConsistency(id CapID) error
}

// InvariantViolation describes a single failed invariant check.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

// FaultHandlerIface is the Exception/Panic path (C9): the last line of
// defense, invoked whenever a core component detects state it cannot
// safely continue from.
type FaultHandlerIface interface {
	Setup(audit AuditLogIface, hal HALIface) error
	Panic(reason string, domain DomainID, data ...uint64) // does not return
	HandleException(kind string, domain DomainID, thread ThreadID) Status
}

// IPCServiceIface is the administrative IPC surface (SPEC_FULL.md §6):
// exposes the capability primitives table to Privileged-tier processes
// over a local transport, outside the Core's own call-gate path.
type IPCServiceIface interface {
	Setup(caps CapabilityTableIface, domains DomainRegistryIface, sched SchedulerIface, gate CallGateIface, audit AuditLogIface) error
	Serve(ctx context.Context, socketPath string) error
	Stop() error
}

// PlatformConfig is the build-time-synthesized platform description
// consumed at boot (SPEC_FULL.md §6): region layout, IRQ assignment and
// the domain/thread table sizing.
type PlatformConfig struct {
	Arch          string      `yaml:"arch"`
	Regions       []MemRegion `yaml:"regions"`
	IrqVectors    []uint32    `yaml:"irq_vectors"`
	MaxDomains    uint32      `yaml:"max_domains"`
	MaxThreads    uint32      `yaml:"max_threads"`
	AuditCapacity int         `yaml:"audit_capacity"`
}

// BootInfo is handed to the Core's entry point by the loader (spec.md §6).
type BootInfo struct {
	ConfigPath string
	EntropySeed uint64
}
