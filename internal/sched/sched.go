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

// Package sched implements the Thread/Scheduler (component C5): priority
// ready queues with round-robin within a priority level and preemption once
// the running thread's quantum of ticks is used up, plus the block/wake machinery used by the call gate when a
// cross-domain invocation must wait.
package sched

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hicore/hic/domain"
)

// DefaultQuantum is the number of ticks a thread runs before the scheduler
// considers preempting it in favor of the next ready thread at the same
// priority (spec.md §4.5 Tick step 1-2, Concrete Scenario 5).
const DefaultQuantum int32 = 100

type scheduler struct {
	sync.Mutex

	threads map[domain.ThreadID]*domain.ThreadControlBlock
	ready   [domain.PriorityCount][]domain.ThreadID
	current domain.ThreadID
	hasCur  bool
	nextID  domain.ThreadID

	domains domain.DomainRegistryIface
	audit   domain.AuditLogIface
	hal     domain.HALIface
}

// New builds an empty Scheduler.
func New() domain.SchedulerIface {
	return &scheduler{}
}

func (s *scheduler) Setup(domains domain.DomainRegistryIface, audit domain.AuditLogIface, hal domain.HALIface) error {
	s.domains = domains
	s.audit = audit
	s.hal = hal
	s.threads = make(map[domain.ThreadID]*domain.ThreadControlBlock)
	s.nextID = 1
	return nil
}

func (s *scheduler) SpawnThread(owner domain.DomainID, prio domain.Priority) (domain.ThreadID, error) {
	if prio < 0 || prio >= domain.PriorityCount {
		return 0, errors.Wrapf(domain.NewError(domain.StatusInvalidParam, "invalid priority"), "SpawnThread")
	}

	if s.domains != nil {
		if err := s.domains.ChargeThread(owner, 1); err != nil {
			return 0, errors.Wrap(err, "SpawnThread")
		}
	}

	s.Lock()
	defer s.Unlock()

	id := s.nextID
	s.nextID++

	tcb := &domain.ThreadControlBlock{
		ID:       id,
		Owner:    owner,
		Priority: prio,
		State:    domain.ThreadStateReady,
		Slice:    DefaultQuantum,
	}
	s.threads[id] = tcb
	s.ready[prio] = append(s.ready[prio], id)

	s.logEvent(domain.EventThreadCreate, owner, id, true)

	logrus.Debugf("sched: spawned thread %d in domain %d at priority %s", id, owner, prio)

	return id, nil
}

func (s *scheduler) Lookup(id domain.ThreadID) (*domain.ThreadControlBlock, bool) {
	s.Lock()
	defer s.Unlock()

	tcb, ok := s.threads[id]
	return tcb, ok
}

func (s *scheduler) Block(id domain.ThreadID, wait domain.WaitDescriptor) error {
	s.Lock()
	defer s.Unlock()

	tcb, ok := s.threads[id]
	if !ok {
		return errors.Wrapf(domain.NewError(domain.StatusNotFound, "thread not found"), "Block")
	}
	if tcb.State == domain.ThreadStateTerminated {
		return errors.Wrapf(domain.NewError(domain.StatusInvalidState, "thread terminated"), "Block")
	}

	tcb.State = domain.ThreadStateBlocked
	tcb.Wait = wait
	s.removeFromReady(id, tcb.Priority)

	if s.hasCur && s.current == id {
		s.hasCur = false
	}

	return nil
}

func (s *scheduler) Wake(id domain.ThreadID, cause domain.WakeCause) error {
	s.Lock()
	defer s.Unlock()

	tcb, ok := s.threads[id]
	if !ok {
		return errors.Wrapf(domain.NewError(domain.StatusNotFound, "thread not found"), "Wake")
	}
	if tcb.State != domain.ThreadStateBlocked && tcb.State != domain.ThreadStateWaiting {
		return errors.Wrapf(domain.NewError(domain.StatusInvalidState, "thread not blocked"), "Wake")
	}

	tcb.State = domain.ThreadStateReady
	tcb.Wait = domain.WaitDescriptor{}
	tcb.Slice = DefaultQuantum
	s.ready[tcb.Priority] = append(s.ready[tcb.Priority], id)

	_ = cause
	return nil
}

func (s *scheduler) Terminate(id domain.ThreadID) error {
	s.Lock()

	tcb, ok := s.threads[id]
	if !ok {
		s.Unlock()
		return errors.Wrapf(domain.NewError(domain.StatusNotFound, "thread not found"), "Terminate")
	}
	owner := tcb.Owner
	tcb.State = domain.ThreadStateTerminated

	if s.hasCur && s.current == id {
		s.hasCur = false
	}
	s.removeFromReady(id, tcb.Priority)
	s.Unlock()

	if s.domains != nil {
		_ = s.domains.ChargeThread(owner, -1)
	}

	s.logEvent(domain.EventThreadTerminate, owner, id, true)

	return nil
}

func (s *scheduler) removeFromReady(id domain.ThreadID, prio domain.Priority) {
	q := s.ready[prio]
	for i, t := range q {
		if t == id {
			s.ready[prio] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Tick performs one scheduling decision (spec.md §4.5):
//  1. the current thread's time slice is decremented;
//  2. schedule() only runs a preemption/dispatch decision once that slice
//     reaches zero — an equal-priority ready thread does not steal the CPU
//     mid-quantum;
//  3. every Blocked/Waiting thread whose deadline has elapsed is made Ready
//     again, independent of whether a switch happened in step 2. No wake
//     cause is recorded for it: the thread control block has no cause field,
//     so a timed-out wake cannot be told apart from a normal one afterwards.
func (s *scheduler) Tick() (bool, domain.ThreadID, domain.ThreadID) {
	s.Lock()
	defer s.Unlock()

	var from domain.ThreadID
	if s.hasCur {
		from = s.current
	}

	expired := true
	if s.hasCur {
		cur := s.threads[s.current]
		cur.Slice--
		expired = cur.Slice <= 0
	}

	switched, to := false, from
	if expired {
		switched, to = s.schedule()
	}

	if s.hal != nil {
		s.checkTimeoutsLocked(s.hal.Now())
	}

	return switched, from, to
}

// schedule runs the priority-ordered, round-robin dispatch decision: the
// current thread (if any) is preempted back onto its ready queue and the
// highest-priority ready thread at or above the current priority is
// dispatched. Called only once the current thread's slice has expired.
func (s *scheduler) schedule() (bool, domain.ThreadID) {
	curPrio := domain.Priority(-1)
	if s.hasCur {
		curPrio = s.threads[s.current].Priority
	}

	for prio := domain.PriorityCount - 1; prio >= 0; prio-- {
		if len(s.ready[prio]) == 0 {
			continue
		}
		if prio < curPrio {
			break
		}

		if s.hasCur {
			cur := s.threads[s.current]
			cur.State = domain.ThreadStateReady
			cur.Slice = DefaultQuantum
			s.ready[cur.Priority] = append(s.ready[cur.Priority], s.current)
		}

		next := s.ready[prio][0]
		s.ready[prio] = s.ready[prio][1:]
		nt := s.threads[next]
		nt.State = domain.ThreadStateRunning
		nt.Slice = DefaultQuantum
		s.current = next
		s.hasCur = true

		return true, next
	}

	// No other ready thread at a usable priority: the current thread (if
	// any) simply gets a fresh quantum and keeps running.
	if s.hasCur {
		s.threads[s.current].Slice = DefaultQuantum
		return false, s.current
	}
	return false, 0
}

// checkTimeoutsLocked wakes every Blocked/Waiting thread whose deadline has
// elapsed as of now. Caller must hold s.Mutex.
func (s *scheduler) checkTimeoutsLocked(now time.Time) []domain.ThreadID {
	var woken []domain.ThreadID
	for id, tcb := range s.threads {
		if tcb.State != domain.ThreadStateBlocked && tcb.State != domain.ThreadStateWaiting {
			continue
		}
		if tcb.Wait.Deadline.IsZero() || now.Before(tcb.Wait.Deadline) {
			continue
		}

		tcb.State = domain.ThreadStateReady
		tcb.Wait = domain.WaitDescriptor{}
		tcb.Slice = DefaultQuantum
		s.ready[tcb.Priority] = append(s.ready[tcb.Priority], id)
		woken = append(woken, id)
	}
	return woken
}

func (s *scheduler) CurrentThread() (domain.ThreadID, bool) {
	s.Lock()
	defer s.Unlock()
	return s.current, s.hasCur
}

func (s *scheduler) ReadyCount(prio domain.Priority) int {
	s.Lock()
	defer s.Unlock()
	if prio < 0 || prio >= domain.PriorityCount {
		return 0
	}
	return len(s.ready[prio])
}

func (s *scheduler) ReadyThreads(prio domain.Priority) []domain.ThreadID {
	s.Lock()
	defer s.Unlock()
	if prio < 0 || prio >= domain.PriorityCount {
		return nil
	}
	out := make([]domain.ThreadID, len(s.ready[prio]))
	copy(out, s.ready[prio])
	return out
}

func (s *scheduler) logEvent(kind domain.EventKind, owner domain.DomainID, thread domain.ThreadID, success bool) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(domain.AuditEntry{Kind: kind, Domain: owner, Thread: thread, Success: success}); err != nil {
		logrus.Errorf("sched: audit append failed: %v", err)
	}
}
