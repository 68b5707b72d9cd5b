package domainreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
	"github.com/hicore/hic/internal/audit"
	"github.com/hicore/hic/internal/captable"
)

func newTestRegistry(t *testing.T) (domain.DomainRegistryIface, domain.CapabilityTableIface) {
	al := audit.New()
	require.NoError(t, al.Setup(64, nil))

	ct := captable.New()
	dr := New()
	require.NoError(t, dr.Setup(ct, al))
	require.NoError(t, ct.Setup(al, nil, dr))
	return dr, ct
}

func TestCreateAndLookup(t *testing.T) {
	dr, _ := newTestRegistry(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxMemory: 4096, MaxThreads: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	dcb, ok := dr.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, domain.DomainStateInit, dcb.State)
}

func TestLegalTransitions(t *testing.T) {
	dr, _ := newTestRegistry(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxMemory: 4096, MaxThreads: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	require.NoError(t, dr.Transition(id, domain.DomainStateReady))
	require.NoError(t, dr.Transition(id, domain.DomainStateRunning))

	// Running -> Ready directly is not a legal transition.
	err = dr.Transition(id, domain.DomainStateReady)
	require.Error(t, err)
	assert.Equal(t, domain.StatusInvalidState, domain.AsStatus(err))

	require.NoError(t, dr.Transition(id, domain.DomainStateSuspended))
	require.NoError(t, dr.Transition(id, domain.DomainStateRunning))
	require.NoError(t, dr.Transition(id, domain.DomainStateTerminated))
}

func TestMemoryQuotaEnforced(t *testing.T) {
	dr, _ := newTestRegistry(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxMemory: 100}, domain.DomainFlagNone)
	require.NoError(t, err)

	require.NoError(t, dr.ChargeMemory(id, 50))
	err = dr.ChargeMemory(id, 100)
	require.Error(t, err)
	assert.Equal(t, domain.StatusQuotaExceeded, domain.AsStatus(err))

	dcb, _ := dr.Lookup(id)
	assert.Equal(t, uint64(50), dcb.Usage.MemoryUsed)
}

func TestCapQuotaEnforced(t *testing.T) {
	dr, _ := newTestRegistry(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxCaps: 1}, domain.DomainFlagNone)
	require.NoError(t, err)

	require.NoError(t, dr.ChargeCap(id, 1))
	err = dr.ChargeCap(id, 1)
	require.Error(t, err)
	assert.Equal(t, domain.StatusQuotaExceeded, domain.AsStatus(err))
}

func TestCriticalDomainCannotBeDestroyed(t *testing.T) {
	dr, _ := newTestRegistry(t)

	id, err := dr.Create(domain.DomainTypeCore, domain.Quota{}, domain.DomainFlagCritical)
	require.NoError(t, err)

	err = dr.Destroy(id)
	require.Error(t, err)
	assert.Equal(t, domain.StatusPermission, domain.AsStatus(err))
}

func TestDestroyRequiresTerminatedState(t *testing.T) {
	dr, _ := newTestRegistry(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{}, domain.DomainFlagNone)
	require.NoError(t, err)

	err = dr.Destroy(id)
	require.Error(t, err)
	assert.Equal(t, domain.StatusInvalidState, domain.AsStatus(err))

	require.NoError(t, dr.Transition(id, domain.DomainStateReady))
	require.NoError(t, dr.Transition(id, domain.DomainStateTerminated))
	require.NoError(t, dr.Destroy(id))

	_, ok := dr.Lookup(id)
	assert.False(t, ok)
}

func TestDestroyRevokesOwnedCapabilities(t *testing.T) {
	dr, ct := newTestRegistry(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxCaps: 4, MaxMemory: 4096}, domain.DomainFlagNone)
	require.NoError(t, err)

	capID, err := ct.Create(id, domain.CapTypeMemory, domain.NewRights(domain.RightRead), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	require.NoError(t, dr.Transition(id, domain.DomainStateReady))
	require.NoError(t, dr.Transition(id, domain.DomainStateTerminated))
	require.NoError(t, dr.Destroy(id))

	entry, ok := ct.Lookup(capID)
	require.True(t, ok)
	assert.True(t, entry.Revoked())
}
