package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
	"github.com/hicore/hic/internal/audit"
)

func TestHandleExceptionMapsKnownKindsToStatus(t *testing.T) {
	al := audit.New()
	require.NoError(t, al.Setup(8, nil))

	fh := New()
	require.NoError(t, fh.Setup(al, nil))

	assert.Equal(t, domain.StatusCapInvalid, fh.HandleException("invalid-capability", 1, 1))
	assert.Equal(t, domain.StatusPermission, fh.HandleException("permission", 1, 1))
	assert.Equal(t, domain.StatusInvalidState, fh.HandleException("invalid-state", 1, 1))
	assert.Equal(t, domain.StatusGeneric, fh.HandleException("something-else", 1, 1))
}

func TestHandleExceptionAppendsAuditEntry(t *testing.T) {
	al := audit.New()
	require.NoError(t, al.Setup(8, nil))

	fh := New()
	require.NoError(t, fh.Setup(al, nil))

	fh.HandleException("permission", 3, 9)

	snap := al.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.EventException, snap[0].Kind)
	assert.Equal(t, domain.DomainID(3), snap[0].Domain)
	assert.Equal(t, domain.ThreadID(9), snap[0].Thread)
	assert.False(t, snap[0].Success)
}
