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

// Package hal defines the Hardware Abstraction Layer contract (component
// C1) and its hosted reference backend, the only backend in this module.
// The hosted backend runs HIC as an ordinary process and approximates
// irq_save/restore by ignoring the signals that stand in for interrupt
// lines, the closest a hosted process gets to disabling interrupts on a
// single hardware execution stream (SPEC_FULL.md OQ-1).
package hal

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hicore/hic/domain"
)

// irqSignals stand in for the maskable external interrupt lines; a
// bare-metal backend instead clears the real interrupt-enable flag in the
// platform's interrupt controller.
var irqSignals = []os.Signal{os.Interrupt, unix.SIGTERM}

type hostedHAL struct {
	mu      sync.Mutex
	masked  map[uint32]bool
	irqFlag uint64
	irqChan chan os.Signal
}

// NewHosted builds the hosted reference HAL backend used by cmd/hic-core
// when no bare-metal backend is selected.
func NewHosted() domain.HALIface {
	return &hostedHAL{masked: make(map[uint32]bool)}
}

func (h *hostedHAL) Now() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	return time.Unix(ts.Sec, ts.Nsec)
}

// MapRegion simulates establishing the given region with the requested
// rights. The hosted backend does not own real physical memory, so this is
// bookkeeping only; a bare-metal backend performs the actual page-table
// update here.
func (h *hostedHAL) MapRegion(region domain.MemRegion, rights domain.Rights) error {
	if region.Size == 0 {
		return errors.Wrap(domain.NewError(domain.StatusInvalidParam, "zero-size region"), "MapRegion")
	}
	return nil
}

func (h *hostedHAL) UnmapRegion(region domain.MemRegion) error {
	return nil
}

// IrqSave stops delivery of the signals standing in for maskable external
// interrupts and returns an opaque token for IrqRestore. A real backend
// clears the interrupt-enable flag instead; this hosted approximation is
// the closest a single OS process gets to that on one execution stream.
func (h *hostedHAL) IrqSave() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.irqChan == nil {
		h.irqChan = make(chan os.Signal, 1)
	}
	signal.Stop(h.irqChan)
	signal.Ignore(irqSignals...)

	h.irqFlag++
	return h.irqFlag
}

func (h *hostedHAL) IrqRestore(flags uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	signal.Reset(irqSignals...)
}

func (h *hostedHAL) MaskIrq(vector uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.masked[vector] = true
	return nil
}

func (h *hostedHAL) UnmaskIrq(vector uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.masked, vector)
	return nil
}

// Halt stops accepting further work. The hosted backend cannot halt the
// physical CPU, so it blocks the calling goroutine forever and never
// returns; it does not terminate the process.
func (h *hostedHAL) Halt() {
	select {}
}
