package invariant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
	"github.com/hicore/hic/internal/audit"
	"github.com/hicore/hic/internal/captable"
	"github.com/hicore/hic/internal/domainreg"
	"github.com/hicore/hic/internal/sched"
)

func newTestChecker(t *testing.T) (domain.InvariantCheckerIface, domain.CapabilityTableIface, domain.DomainRegistryIface, domain.SchedulerIface, domain.AuditLogIface) {
	al := audit.New()
	require.NoError(t, al.Setup(64, nil))

	ct := captable.New()
	dr := domainreg.New()
	require.NoError(t, dr.Setup(ct, al))
	require.NoError(t, ct.Setup(al, nil, dr))

	s := sched.New()
	require.NoError(t, s.Setup(dr, al, nil))

	c := New()
	require.NoError(t, c.Setup(ct, dr, nil, s, al))

	return c, ct, dr, s, al
}

func TestCheckAllCleanSystemHasNoViolations(t *testing.T) {
	c, ct, dr, _, _ := newTestChecker(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxMemory: 4096, MaxCaps: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	_, err = ct.Create(id, domain.CapTypeMemory, domain.NewRights(domain.RightRead), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	violations := c.CheckAll()
	assert.Empty(t, violations)
}

func TestCheckDeriveSafetyAcceptsBoundedChild(t *testing.T) {
	c, ct, dr, _, _ := newTestChecker(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxCaps: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	parent, err := ct.Create(id, domain.CapTypeMemory, domain.NewRights(domain.RightRead, domain.RightWrite), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	child, err := ct.Derive(parent, id, domain.NewRights(domain.RightRead))
	require.NoError(t, err)

	require.NoError(t, c.CheckDeriveSafety(parent, child))
}

func TestCheckRevokeConsistency(t *testing.T) {
	c, ct, dr, _, _ := newTestChecker(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxCaps: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	parent, err := ct.Create(id, domain.CapTypeMemory, domain.NewRights(domain.RightRead), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	require.NoError(t, ct.Revoke(parent))
	require.NoError(t, c.CheckRevokeConsistency(parent))
}

func TestCheckAllDetectsCapQuotaViolation(t *testing.T) {
	c, _, dr, _, _ := newTestChecker(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxCaps: 1}, domain.DomainFlagNone)
	require.NoError(t, err)
	require.NoError(t, dr.ChargeCap(id, 1))

	// Force the usage past quota the way a bug would, bypassing ChargeCap's
	// own enforcement, to confirm CheckAll notices the inconsistency.
	dcb, ok := dr.Lookup(id)
	require.True(t, ok)
	dcb.Usage.CapsUsed = 2

	violations := c.CheckAll()
	found := false
	for _, v := range violations {
		if v.Invariant == "quota-caps" {
			found = true
		}
	}
	assert.True(t, found, "expected a quota-caps violation, got %v", violations)
}

func TestCheckAllAcceptsBlockedThreadOutsideReadyQueue(t *testing.T) {
	c, _, dr, s, _ := newTestChecker(t)

	owner, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxThreads: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	id, err := s.SpawnThread(owner, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, s.Block(id, domain.WaitDescriptor{Reason: "io"}))

	violations := c.CheckAll()
	assert.Empty(t, violations, "a blocked thread correctly absent from the ready queue is not a violation")
}

func TestCheckSequenceMonotonicityAcceptsGrowingLog(t *testing.T) {
	c, ct, dr, _, _ := newTestChecker(t)

	id, err := dr.Create(domain.DomainTypeApplication, domain.Quota{MaxCaps: 4}, domain.DomainFlagNone)
	require.NoError(t, err)

	assert.Empty(t, c.CheckAll())

	_, err = ct.Create(id, domain.CapTypeMemory, domain.NewRights(domain.RightRead), domain.CapPayload{}, domain.CapIDNone)
	require.NoError(t, err)

	assert.Empty(t, c.CheckAll())
}
