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

// Package audit implements the Audit Log (component C7): a fixed-record
// ring buffer of every security-relevant event, wrapping on full and
// stamping each entry with a monotonically increasing sequence number.
package audit

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hicore/hic/domain"
)

// wrapPeriod is the wire sequence field's modulus (spec.md §6 pins a u32
// sequence on the wire); the in-memory/API sequence stays uint64, and
// AUDIT_WRAP is emitted every wrapPeriod-th record, and once more the first
// time the ring itself wraps; later ring wraps emit nothing.
const wrapPeriod = uint64(1) << 32

type auditLog struct {
	sync.Mutex

	ring     []domain.AuditEntry
	capacity int
	head     int // index of the oldest live entry
	count    int // number of live entries, <= capacity
	sequence uint64

	hal          domain.HALIface
	wrapNotified bool // true once the first ring-wrap AUDIT_WRAP has fired
}

// New builds an Audit Log.
func New() domain.AuditLogIface {
	return &auditLog{}
}

func (al *auditLog) Setup(capacity int, hal domain.HALIface) error {
	if capacity <= 0 {
		return errors.Wrap(domain.NewError(domain.StatusInvalidParam, "audit capacity must be positive"), "Setup")
	}

	al.Lock()
	defer al.Unlock()

	al.ring = make([]domain.AuditEntry, capacity)
	al.capacity = capacity
	al.head = 0
	al.count = 0
	al.sequence = 0
	al.hal = hal
	al.wrapNotified = false

	return nil
}

// Append stamps entry with the next sequence number and the HAL's current
// time, then writes it into the ring, overwriting the oldest record when
// full (spec.md §4.7, wrap-on-full).
func (al *auditLog) Append(entry domain.AuditEntry) error {
	al.Lock()
	defer al.Unlock()

	if al.ring == nil {
		return errors.Wrap(domain.NewError(domain.StatusInvalidState, "audit log not initialized"), "Append")
	}

	return al.writeLocked(entry)
}

// writeLocked stamps and writes entry into the ring. The caller must already
// hold al.Mutex. It recurses once to append a synthetic AUDIT_WRAP record
// the first time an existing entry is evicted, and again every wrapPeriod-th
// sequence number, without re-acquiring the (non-reentrant) lock.
func (al *auditLog) writeLocked(entry domain.AuditEntry) error {
	al.sequence++
	entry.Sequence = al.sequence
	if al.hal != nil {
		entry.Timestamp = al.hal.Now().UnixNano()
	}

	wrapping := al.count == al.capacity
	writeIdx := (al.head + al.count) % al.capacity
	if wrapping {
		// Ring full: the write lands on the oldest slot, so advance head
		// past it instead of growing count further.
		al.head = (al.head + 1) % al.capacity
	} else {
		al.count++
	}
	al.ring[writeIdx] = entry

	emitWrap := false
	if wrapping && !al.wrapNotified {
		al.wrapNotified = true
		emitWrap = true
	} else if al.sequence%wrapPeriod == 0 {
		emitWrap = true
	}

	if emitWrap {
		logrus.Debugf("audit: ring wrap at sequence %d", al.sequence)
		return al.writeLocked(domain.AuditEntry{Kind: domain.EventAuditWrap, Success: true, Data: [4]uint64{al.sequence}})
	}

	return nil
}

// Snapshot returns the live entries in oldest-to-newest order. The copy is
// taken under the lock so a concurrent Append cannot be observed partially.
func (al *auditLog) Snapshot() []domain.AuditEntry {
	al.Lock()
	defer al.Unlock()

	out := make([]domain.AuditEntry, al.count)
	for i := 0; i < al.count; i++ {
		out[i] = al.ring[(al.head+i)%al.capacity]
	}
	return out
}

func (al *auditLog) Len() int {
	al.Lock()
	defer al.Unlock()
	return al.count
}

func (al *auditLog) Capacity() int {
	al.Lock()
	defer al.Unlock()
	return al.capacity
}

func (al *auditLog) Sequence() uint64 {
	al.Lock()
	defer al.Unlock()
	return al.sequence
}

// Encode renders an entry into its fixed 64-byte wire form (spec.md §6).
// The on-wire sequence field is 32 bits, so a sequence beyond 2^32 wraps
// on the wire even though the in-memory/API sequence counter stays a
// wide uint64 (see REDESIGN FLAGS in SPEC_FULL.md).
func Encode(e domain.AuditEntry) [domain.AuditRecordSize]byte {
	var buf [domain.AuditRecordSize]byte

	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Sequence))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(e.Kind))
	binary.LittleEndian.PutUint16(buf[14:16], 0) // reserved flags
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.Domain))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(e.Cap))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(e.Thread))
	binary.LittleEndian.PutUint32(buf[28:32], 0) // padding

	for i, d := range e.Data {
		binary.LittleEndian.PutUint64(buf[32+i*8:40+i*8], d)
	}

	return buf
}
