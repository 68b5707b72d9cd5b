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

// Package fault implements the Exception/Panic path (component C9): the
// last line of defense when a core component detects state it cannot
// safely continue from. The signal-driven shutdown dance here is grounded
// on the teacher's cmd/sysbox-fs exitHandler, which logs, dumps a stack
// trace on SIGQUIT and then exits.
package fault

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/hicore/hic/domain"
)

type faultHandler struct {
	audit domain.AuditLogIface
	hal   domain.HALIface
}

// New builds a Fault Handler.
func New() domain.FaultHandlerIface {
	return &faultHandler{}
}

func (fh *faultHandler) Setup(audit domain.AuditLogIface, hal domain.HALIface) error {
	fh.audit = audit
	fh.hal = hal
	return nil
}

// Panic logs reason with a full goroutine dump, records a failed EXCEPTION
// audit entry and halts the HAL. The hosted reference backend's Halt blocks
// forever, so with a HAL set the calling goroutine stops there and the
// process is not terminated; only when no HAL is set does Panic go on to
// exit the process with status 1 (SPEC_FULL.md OQ-2). Either way it never
// returns.
func (fh *faultHandler) Panic(reason string, dom domain.DomainID, data ...uint64) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)

	logrus.Errorf("hic-core: fatal fault in domain %d: %s\n%s", dom, reason, buf[:n])

	if fh.audit != nil {
		var payload [4]uint64
		copy(payload[:], data)
		_ = fh.audit.Append(domain.AuditEntry{
			Kind:    domain.EventException,
			Domain:  dom,
			Data:    payload,
			Success: false,
		})
	}

	if fh.hal != nil {
		fh.hal.Halt()
	}

	logrus.Exit(1)
}

// HandleException is the recoverable counterpart to Panic: a fault that
// can be reported back to the offending domain as a Status rather than
// requiring a full core halt (spec.md §4.9, recoverable exception class).
func (fh *faultHandler) HandleException(kind string, dom domain.DomainID, thread domain.ThreadID) domain.Status {
	logrus.Warnf("hic-core: exception %q in domain %d thread %d", kind, dom, thread)

	if fh.audit != nil {
		_ = fh.audit.Append(domain.AuditEntry{
			Kind:    domain.EventException,
			Domain:  dom,
			Thread:  thread,
			Success: false,
		})
	}

	switch kind {
	case "invalid-capability":
		return domain.StatusCapInvalid
	case "permission":
		return domain.StatusPermission
	case "invalid-state":
		return domain.StatusInvalidState
	default:
		return domain.StatusGeneric
	}
}
