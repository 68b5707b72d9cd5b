package hal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
)

func TestNowIsMonotonicAcrossCalls(t *testing.T) {
	h := NewHosted()

	first := h.Now()
	second := h.Now()

	assert.False(t, second.Before(first))
}

func TestMapRegionRejectsZeroSize(t *testing.T) {
	h := NewHosted()

	err := h.MapRegion(domain.MemRegion{Base: 0x1000, Size: 0}, domain.NewRights(domain.RightRead))
	require.Error(t, err)
	assert.Equal(t, domain.StatusInvalidParam, domain.AsStatus(err))
}

func TestMapUnmapRegionSucceed(t *testing.T) {
	h := NewHosted()

	require.NoError(t, h.MapRegion(domain.MemRegion{Base: 0x1000, Size: 0x1000}, domain.NewRights(domain.RightRead, domain.RightWrite)))
	require.NoError(t, h.UnmapRegion(domain.MemRegion{Base: 0x1000, Size: 0x1000}))
}

func TestIrqSaveReturnsIncreasingTokensAndRestoreDoesNotPanic(t *testing.T) {
	h := NewHosted()

	a := h.IrqSave()
	b := h.IrqSave()
	assert.Greater(t, b, a)

	h.IrqRestore(b)
	h.IrqRestore(a)
}

func TestMaskUnmaskIrqRoundTrips(t *testing.T) {
	h := NewHosted()

	require.NoError(t, h.MaskIrq(7))
	require.NoError(t, h.UnmaskIrq(7))
}

func TestHaltBlocksUntilGoroutineIsAbandoned(t *testing.T) {
	h := NewHosted()

	done := make(chan struct{})
	go func() {
		h.Halt()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Halt returned, expected it to block forever")
	case <-time.After(50 * time.Millisecond):
	}
}
