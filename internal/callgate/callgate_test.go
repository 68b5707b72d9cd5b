package callgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
	"github.com/hicore/hic/internal/audit"
	"github.com/hicore/hic/internal/captable"
	"github.com/hicore/hic/internal/domainreg"
	"github.com/hicore/hic/internal/sched"
	"github.com/hicore/hic/mocks"
)

func newTestGate(t *testing.T) (domain.CallGateIface, domain.CapabilityTableIface, domain.DomainRegistryIface) {
	al := audit.New()
	require.NoError(t, al.Setup(64, nil))

	ct := captable.New()
	dr := domainreg.New()
	require.NoError(t, dr.Setup(ct, al))
	require.NoError(t, ct.Setup(al, nil, dr))

	s := sched.New()
	require.NoError(t, s.Setup(dr, al, nil))

	cg := New()
	require.NoError(t, cg.Setup(ct, dr, s, al))

	return cg, ct, dr
}

func newTestCaller(t *testing.T, dr domain.DomainRegistryIface) domain.DomainID {
	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxCaps: 8, MaxMemory: 1 << 20}, domain.DomainFlagNone)
	require.NoError(t, err)
	return id
}

func TestInvokeRequiresInvokeRight(t *testing.T) {
	cg, ct, dr := newTestGate(t)
	caller := newTestCaller(t, dr)

	endpoint, err := ct.Create(caller, domain.CapTypeEndpoint, domain.NewRights(domain.RightSend), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	called := false
	require.NoError(t, cg.RegisterEndpoint(endpoint, func(ctx context.Context, caller domain.DomainID, args []uint64) ([]uint64, domain.Status) {
		called = true
		return []uint64{42}, domain.StatusSuccess
	}))

	_, status := cg.Invoke(context.Background(), caller, endpoint, nil)
	assert.Equal(t, domain.StatusPermission, status)
	assert.False(t, called)
}

func TestInvokeDispatchesToEndpoint(t *testing.T) {
	cg, ct, dr := newTestGate(t)
	caller := newTestCaller(t, dr)

	endpoint, err := ct.Create(caller, domain.CapTypeEndpoint, domain.NewRights(domain.RightInvoke), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	require.NoError(t, cg.RegisterEndpoint(endpoint, func(ctx context.Context, caller domain.DomainID, args []uint64) ([]uint64, domain.Status) {
		return []uint64{args[0] + 1}, domain.StatusSuccess
	}))

	result, status := cg.Invoke(context.Background(), caller, endpoint, []uint64{41})
	require.Equal(t, domain.StatusSuccess, status)
	require.Equal(t, []uint64{42}, result)
}

func TestInvokeUnknownEndpoint(t *testing.T) {
	cg, _, dr := newTestGate(t)
	caller := newTestCaller(t, dr)

	_, status := cg.Invoke(context.Background(), caller, domain.CapID(999), nil)
	assert.Equal(t, domain.StatusCapInvalid, status)
}

func TestInvokeBlocksUntilEndpointRegistered(t *testing.T) {
	cg, ct, dr := newTestGate(t)
	caller := newTestCaller(t, dr)

	endpoint, err := ct.Create(caller, domain.CapTypeEndpoint, domain.NewRights(domain.RightInvoke), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = cg.RegisterEndpoint(endpoint, func(ctx context.Context, caller domain.DomainID, args []uint64) ([]uint64, domain.Status) {
			return []uint64{7}, domain.StatusSuccess
		})
	}()

	result, status := cg.Invoke(context.Background(), caller, endpoint, nil)
	require.Equal(t, domain.StatusSuccess, status)
	require.Equal(t, []uint64{7}, result)
}

func TestInvokeTimesOutWhenEndpointNeverRegistered(t *testing.T) {
	cg, ct, dr := newTestGate(t)
	caller := newTestCaller(t, dr)

	endpoint, err := ct.Create(caller, domain.CapTypeEndpoint, domain.NewRights(domain.RightInvoke), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, status := cg.Invoke(ctx, caller, endpoint, nil)
	assert.Equal(t, domain.StatusTimeout, status)
}

func TestInvokeReturnsNotFoundWhenCanceledWithoutDeadline(t *testing.T) {
	cg, ct, dr := newTestGate(t)
	caller := newTestCaller(t, dr)

	endpoint, err := ct.Create(caller, domain.CapTypeEndpoint, domain.NewRights(domain.RightInvoke), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, status := cg.Invoke(ctx, caller, endpoint, nil)
	assert.Equal(t, domain.StatusNotFound, status)
}

func TestInvokeChargesAndReleasesMemoryFrame(t *testing.T) {
	cg, ct, dr := newTestGate(t)

	owner, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxMemory: 64, MaxCaps: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	endpoint, err := ct.Create(owner, domain.CapTypeEndpoint, domain.NewRights(domain.RightInvoke), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	require.NoError(t, cg.RegisterEndpoint(endpoint, func(ctx context.Context, caller domain.DomainID, args []uint64) ([]uint64, domain.Status) {
		return nil, domain.StatusSuccess
	}))

	_, status := cg.Invoke(context.Background(), owner, endpoint, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.Equal(t, domain.StatusQuotaExceeded, status)

	dcb, ok := dr.Lookup(owner)
	require.True(t, ok)
	assert.Equal(t, uint64(0), dcb.Usage.MemoryUsed, "failed charge must not leave residual usage")

	_, status = cg.Invoke(context.Background(), owner, endpoint, []uint64{1})
	require.Equal(t, domain.StatusSuccess, status)

	dcb, ok = dr.Lookup(owner)
	require.True(t, ok)
	assert.Equal(t, uint64(0), dcb.Usage.MemoryUsed, "frame charge must be released after the handler returns")
}

// TestInvokeSucceedsWhenAuditAppendFails exercises the gate against a mock
// audit log that always errors: Invoke's own correctness does not depend on
// the audit write succeeding, matching C7's advisory status everywhere
// except the handler's own audit events.
func TestInvokeSucceedsWhenAuditAppendFails(t *testing.T) {
	ct := captable.New()
	dr := domainreg.New()
	auditMock := new(mocks.AuditLogIface)
	require.NoError(t, dr.Setup(ct, auditMock))
	require.NoError(t, ct.Setup(auditMock, nil, dr))

	s := sched.New()
	require.NoError(t, s.Setup(dr, auditMock, nil))

	auditMock.On("Append", mock.Anything).Return(errors.New("ring unavailable"))

	cg := New()
	require.NoError(t, cg.Setup(ct, dr, s, auditMock))

	caller := newTestCaller(t, dr)

	endpoint, err := ct.Create(caller, domain.CapTypeEndpoint, domain.NewRights(domain.RightInvoke), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	require.NoError(t, cg.RegisterEndpoint(endpoint, func(ctx context.Context, caller domain.DomainID, args []uint64) ([]uint64, domain.Status) {
		return []uint64{1}, domain.StatusSuccess
	}))

	result, status := cg.Invoke(context.Background(), caller, endpoint, nil)
	require.Equal(t, domain.StatusSuccess, status)
	assert.Equal(t, []uint64{1}, result)
}
