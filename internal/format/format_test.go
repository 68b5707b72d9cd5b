package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hicore/hic/domain"
)

func TestDomainIDStringHasPrefix(t *testing.T) {
	s := DomainID{ID: domain.DomainID(7)}.String()
	assert.True(t, strings.HasPrefix(s, "domain-"))
}

func TestCapIDStringHasPrefix(t *testing.T) {
	s := CapID{ID: domain.CapID(42)}.String()
	assert.True(t, strings.HasPrefix(s, "cap-"))
}

func TestThreadIDStringHasPrefix(t *testing.T) {
	s := ThreadID{ID: domain.ThreadID(3)}.String()
	assert.True(t, strings.HasPrefix(s, "thread-"))
}

func TestDistinctIDsRenderDistinctStrings(t *testing.T) {
	a := DomainID{ID: domain.DomainID(1)}.String()
	b := DomainID{ID: domain.DomainID(2)}.String()
	assert.NotEqual(t, a, b)
}
