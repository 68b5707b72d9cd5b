package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
)

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	al := New()
	require.NoError(t, al.Setup(4, nil))

	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapCreate}))
	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapRevoke}))

	snap := al.Snapshot()
	require.Len(t, snap, 2)
	assert.Less(t, snap[0].Sequence, snap[1].Sequence)
}

func TestRingWrapsOnFull(t *testing.T) {
	al := New()
	require.NoError(t, al.Setup(2, nil))

	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapCreate}))
	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapRevoke}))
	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapDerive}))

	assert.Equal(t, 2, al.Len())
	assert.Equal(t, 2, al.Capacity())

	snap := al.Snapshot()
	require.Len(t, snap, 2)
	// The third Append evicted CapCreate and triggered a synthetic
	// AUDIT_WRAP record on the first ring-wrap, which itself evicted
	// CapRevoke: only CapDerive and the wrap marker survive.
	assert.Equal(t, domain.EventCapDerive, snap[0].Kind)
	assert.Equal(t, uint64(3), snap[0].Sequence)
	assert.Equal(t, domain.EventAuditWrap, snap[1].Kind)
	assert.Equal(t, uint64(4), snap[1].Sequence)
}

func TestAuditWrapFiresOnlyOnceForRingWrap(t *testing.T) {
	al := New()
	require.NoError(t, al.Setup(3, nil))

	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapCreate}))
	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapRevoke}))
	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapDerive}))
	// First wrap: evicts CapCreate, appends a synthetic AUDIT_WRAP (which
	// itself evicts CapRevoke).
	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventCapVerify}))
	// Second wrap: no second AUDIT_WRAP record, since wrapNotified latches.
	require.NoError(t, al.Append(domain.AuditEntry{Kind: domain.EventSyscall}))

	snap := al.Snapshot()
	wraps := 0
	for _, e := range snap {
		if e.Kind == domain.EventAuditWrap {
			wraps++
		}
	}
	assert.Equal(t, 1, wraps)
}

func TestEncodeProducesFixedWidthRecord(t *testing.T) {
	buf := Encode(domain.AuditEntry{Sequence: 7, Kind: domain.EventSyscall, Domain: 3, Cap: 5, Thread: 9})
	assert.Len(t, buf, domain.AuditRecordSize)
}
