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

// Package callgate implements the Call Gate (component C6): the only path
// by which one domain invokes another. Endpoints are indexed by capability
// id in an immutable radix tree, the same dispatch-table idiom the
// teacher's syscall tracer uses for its syscall-number-to-handler map, and
// every invocation is validated against the Capability Table before the
// registered handler ever runs.
package callgate

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hicore/hic/domain"
)

type callGate struct {
	sync.RWMutex

	endpoints *iradix.Tree
	// waiters holds, per endpoint capability with no handler registered yet,
	// a channel closed the moment RegisterEndpoint installs one — the
	// call-gate's stand-in for "blocked receivers queued on the endpoint"
	// (spec.md §4.6 step 6).
	waiters map[domain.CapID]chan struct{}

	caps    domain.CapabilityTableIface
	domains domain.DomainRegistryIface
	sched   domain.SchedulerIface
	audit   domain.AuditLogIface
}

// New builds an empty Call Gate.
func New() domain.CallGateIface {
	return &callGate{}
}

func (cg *callGate) Setup(caps domain.CapabilityTableIface, domains domain.DomainRegistryIface, sched domain.SchedulerIface, audit domain.AuditLogIface) error {
	cg.caps = caps
	cg.domains = domains
	cg.sched = sched
	cg.audit = audit

	cg.endpoints = iradix.New()
	if cg.endpoints == nil {
		logrus.Fatalf("unable to allocate call-gate endpoint radix-tree")
	}
	cg.waiters = make(map[domain.CapID]chan struct{})

	return nil
}

func key(id domain.CapID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

func (cg *callGate) RegisterEndpoint(id domain.CapID, fn domain.EndpointFunc) error {
	cg.Lock()

	if _, ok := cg.endpoints.Get(key(id)); ok {
		cg.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusAlreadyExists, "endpoint already registered"), "RegisterEndpoint")
	}

	tree, _, _ := cg.endpoints.Insert(key(id), fn)
	cg.endpoints = tree

	waiting, hadWaiters := cg.waiters[id]
	delete(cg.waiters, id)
	cg.Unlock()

	if hadWaiters {
		close(waiting)
	}

	return nil
}

func (cg *callGate) UnregisterEndpoint(id domain.CapID) error {
	cg.Lock()
	defer cg.Unlock()

	if _, ok := cg.endpoints.Get(key(id)); !ok {
		return errors.Wrapf(domain.NewError(domain.StatusNotFound, "endpoint not registered"), "UnregisterEndpoint")
	}

	cg.endpoints, _, _ = cg.endpoints.Delete(key(id))
	return nil
}

// Invoke validates the caller's endpoint capability, then dispatches to the
// registered handler (spec.md §4.6). This is the single chokepoint that
// enforces cross-domain isolation: no handler runs without a prior,
// successful Capability Table check.
//
// If no handler is registered yet, the caller's thread is blocked (spec.md
// §4.6 steps 5-6) until one registers or ctx's optional deadline elapses,
// yielding TIMEOUT on deadline and NOT_FOUND if ctx is otherwise canceled
// with no handler ever appearing. A charge against the caller's memory
// quota stands in for the receive-frame cost of a cross-domain invocation,
// released once the handler returns, so a quota-exhausted caller observes
// QUOTA_EXCEEDED instead of silently succeeding.
func (cg *callGate) Invoke(ctx context.Context, caller domain.DomainID, endpoint domain.CapID, args []uint64) ([]uint64, domain.Status) {
	if cg.caps != nil {
		if err := cg.caps.Check(endpoint, caller, domain.NewRights(domain.RightInvoke)); err != nil {
			cg.logEvent(caller, endpoint, false)
			return nil, domain.AsStatus(err)
		}
	}

	fn, ok := cg.lookupEndpoint(endpoint)
	if !ok {
		var status domain.Status
		fn, status, ok = cg.waitForEndpoint(ctx, endpoint)
		if !ok {
			cg.logEvent(caller, endpoint, false)
			return nil, status
		}
	}

	frame := int64(len(args)) * 8
	if cg.domains != nil && frame > 0 {
		if err := cg.domains.ChargeMemory(caller, frame); err != nil {
			cg.logEvent(caller, endpoint, false)
			return nil, domain.StatusQuotaExceeded
		}
		defer cg.domains.ChargeMemory(caller, -frame)
	}

	result, status := fn(ctx, caller, args)
	cg.logEvent(caller, endpoint, status == domain.StatusSuccess)

	return result, status
}

func (cg *callGate) lookupEndpoint(id domain.CapID) (domain.EndpointFunc, bool) {
	cg.RLock()
	defer cg.RUnlock()

	v, ok := cg.endpoints.Get(key(id))
	if !ok {
		return nil, false
	}
	return v.(domain.EndpointFunc), true
}

// waitForEndpoint blocks the calling thread (scheduler-bookkeeping only —
// the real suspension is the channel select below) until endpoint gets a
// handler or ctx concludes.
func (cg *callGate) waitForEndpoint(ctx context.Context, endpoint domain.CapID) (domain.EndpointFunc, domain.Status, bool) {
	var blocked domain.ThreadID
	var hasThread bool
	if cg.sched != nil {
		if id, ok := cg.sched.CurrentThread(); ok {
			blocked, hasThread = id, true
			var deadline time.Time
			if d, ok := ctx.Deadline(); ok {
				deadline = d
			}
			_ = cg.sched.Block(blocked, domain.WaitDescriptor{Reason: "endpoint empty", Resource: endpoint, Deadline: deadline})
		}
	}

	ready := cg.waitChan(endpoint)
	var fn domain.EndpointFunc
	var ok bool
	select {
	case <-ready:
		fn, ok = cg.lookupEndpoint(endpoint)
	case <-ctx.Done():
	}

	if hasThread {
		_ = cg.sched.Wake(blocked, domain.WakeCauseNormal)
	}

	if ok {
		return fn, domain.StatusSuccess, true
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, domain.StatusTimeout, false
	}
	return nil, domain.StatusNotFound, false
}

// waitChan returns the channel that closes once endpoint has a registered
// handler, creating it if necessary. The endpoints tree is re-checked under
// the write lock to close the race against a RegisterEndpoint that lands
// between the caller's initial lookup and this call.
func (cg *callGate) waitChan(id domain.CapID) chan struct{} {
	cg.Lock()
	defer cg.Unlock()

	if _, ok := cg.endpoints.Get(key(id)); ok {
		already := make(chan struct{})
		close(already)
		return already
	}
	if ch, ok := cg.waiters[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	cg.waiters[id] = ch
	return ch
}

func (cg *callGate) logEvent(caller domain.DomainID, endpoint domain.CapID, success bool) {
	if cg.audit == nil {
		return
	}
	if err := cg.audit.Append(domain.AuditEntry{
		Kind:    domain.EventSyscall,
		Domain:  caller,
		Cap:     endpoint,
		Success: success,
	}); err != nil {
		logrus.Errorf("callgate: audit append failed: %v", err)
	}
}
