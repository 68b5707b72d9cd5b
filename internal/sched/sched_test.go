package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
	"github.com/hicore/hic/internal/audit"
	"github.com/hicore/hic/internal/captable"
	"github.com/hicore/hic/internal/domainreg"
)

// fakeHAL is a minimal, time-controllable HALIface stand-in so timeout tests
// don't depend on wall-clock sleeps.
type fakeHAL struct{ now time.Time }

func (f *fakeHAL) Now() time.Time                                 { return f.now }
func (f *fakeHAL) MapRegion(domain.MemRegion, domain.Rights) error { return nil }
func (f *fakeHAL) UnmapRegion(domain.MemRegion) error             { return nil }
func (f *fakeHAL) IrqSave() uint64                                { return 0 }
func (f *fakeHAL) IrqRestore(uint64)                              {}
func (f *fakeHAL) MaskIrq(uint32) error                           { return nil }
func (f *fakeHAL) UnmaskIrq(uint32) error                         { return nil }
func (f *fakeHAL) Halt()                                          {}

func newTestScheduler(t *testing.T) (domain.SchedulerIface, domain.DomainID, *fakeHAL) {
	al := audit.New()
	require.NoError(t, al.Setup(64, nil))

	ct := captable.New()
	dr := domainreg.New()
	require.NoError(t, dr.Setup(ct, al))
	require.NoError(t, ct.Setup(al, nil, dr))

	owner, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxThreads: 16}, domain.DomainFlagNone)
	require.NoError(t, err)

	hal := &fakeHAL{now: time.Unix(0, 0)}
	s := New()
	require.NoError(t, s.Setup(dr, al, hal))

	return s, owner, hal
}

func TestQuantumExpiryTriggersSwitch(t *testing.T) {
	s, owner, _ := newTestScheduler(t)

	low, err := s.SpawnThread(owner, domain.PriorityLow)
	require.NoError(t, err)

	switched, _, to := s.Tick()
	require.True(t, switched)
	assert.Equal(t, low, to)

	high, err := s.SpawnThread(owner, domain.PriorityHigh)
	require.NoError(t, err)

	// None of the remaining DefaultQuantum-1 ticks should preempt low, even
	// though a higher-priority thread is ready the whole time.
	for i := int32(0); i < DefaultQuantum-1; i++ {
		switched, _, to := s.Tick()
		require.False(t, switched, "tick %d should not preempt mid-quantum", i)
		assert.Equal(t, low, to)
	}

	// The tick that exhausts the quantum triggers the switch.
	switched, from, to := s.Tick()
	require.True(t, switched)
	assert.Equal(t, low, from)
	assert.Equal(t, high, to)
}

func TestEqualPriorityDoesNotPreemptWithinQuantum(t *testing.T) {
	s, owner, _ := newTestScheduler(t)

	first, err := s.SpawnThread(owner, domain.PriorityNormal)
	require.NoError(t, err)

	switched, _, to := s.Tick()
	require.True(t, switched)
	assert.Equal(t, first, to)

	_, err = s.SpawnThread(owner, domain.PriorityNormal)
	require.NoError(t, err)

	switched, _, to = s.Tick()
	assert.False(t, switched)
	assert.Equal(t, first, to)
}

func TestBlockedThreadLeavesReadyQueue(t *testing.T) {
	s, owner, _ := newTestScheduler(t)

	id, err := s.SpawnThread(owner, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, s.Block(id, domain.WaitDescriptor{Reason: "io"}))
	assert.Equal(t, 0, s.ReadyCount(domain.PriorityNormal))

	require.NoError(t, s.Wake(id, domain.WakeCauseNormal))
	assert.Equal(t, 1, s.ReadyCount(domain.PriorityNormal))
}

func TestTerminateRemovesThread(t *testing.T) {
	s, owner, _ := newTestScheduler(t)

	id, err := s.SpawnThread(owner, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, s.Terminate(id))

	tcb, ok := s.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, domain.ThreadStateTerminated, tcb.State)
	assert.Equal(t, 0, s.ReadyCount(domain.PriorityNormal))
}

func TestTickWakesThreadPastDeadline(t *testing.T) {
	s, owner, hal := newTestScheduler(t)

	id, err := s.SpawnThread(owner, domain.PriorityNormal)
	require.NoError(t, err)

	deadline := hal.now.Add(5 * time.Second)
	require.NoError(t, s.Block(id, domain.WaitDescriptor{Reason: "io", Deadline: deadline}))
	assert.Equal(t, 0, s.ReadyCount(domain.PriorityNormal))

	s.Tick()
	tcb, ok := s.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, domain.ThreadStateBlocked, tcb.State, "deadline not yet elapsed")

	hal.now = deadline.Add(time.Millisecond)
	s.Tick()

	tcb, ok = s.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, domain.ThreadStateReady, tcb.State)
	assert.Equal(t, 1, s.ReadyCount(domain.PriorityNormal))
}

func TestBlockedWithoutDeadlineNeverTimesOut(t *testing.T) {
	s, owner, hal := newTestScheduler(t)

	id, err := s.SpawnThread(owner, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, s.Block(id, domain.WaitDescriptor{Reason: "io"}))

	hal.now = hal.now.Add(24 * time.Hour)
	s.Tick()

	tcb, ok := s.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, domain.ThreadStateBlocked, tcb.State)
}
