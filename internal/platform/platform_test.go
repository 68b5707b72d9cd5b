package platform

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicore/hic/domain"
)

const validConfig = `
arch: hosted
max_domains: 4
max_threads: 16
audit_capacity: 128
regions:
  - base: 4096
    size: 4096
  - base: 8192
    size: 4096
irq_vectors: [1, 2, 3]
`

func TestLoadDecodesValidConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/platform.yaml", []byte(validConfig), 0o644))

	cfg, err := Load(fs, "/platform.yaml")
	require.NoError(t, err)

	assert.EqualValues(t, 4, cfg.MaxDomains)
	assert.EqualValues(t, 16, cfg.MaxThreads)
	assert.EqualValues(t, 128, cfg.AuditCapacity)
	assert.Len(t, cfg.Regions, 2)
}

func TestLoadAppliesDefaultsWhenZero(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/platform.yaml", []byte("arch: hosted\n"), 0o644))

	cfg, err := Load(fs, "/platform.yaml")
	require.NoError(t, err)

	assert.EqualValues(t, DefaultMaxDomains, cfg.MaxDomains)
	assert.EqualValues(t, DefaultMaxThreads, cfg.MaxThreads)
	assert.EqualValues(t, 4096, cfg.AuditCapacity)
}

func TestLoadRejectsOverlappingRegions(t *testing.T) {
	fs := afero.NewMemMapFs()
	const bad = `
regions:
  - base: 4096
    size: 4096
  - base: 6144
    size: 4096
`
	require.NoError(t, afero.WriteFile(fs, "/platform.yaml", []byte(bad), 0o644))

	_, err := Load(fs, "/platform.yaml")
	require.Error(t, err)
	assert.Equal(t, domain.StatusInvalidParam, domain.AsStatus(err))
}

func TestLoadRejectsDuplicateIrqVectors(t *testing.T) {
	fs := afero.NewMemMapFs()
	const bad = `
irq_vectors: [5, 5]
`
	require.NoError(t, afero.WriteFile(fs, "/platform.yaml", []byte(bad), 0o644))

	_, err := Load(fs, "/platform.yaml")
	require.Error(t, err)
	assert.Equal(t, domain.StatusInvalidParam, domain.AsStatus(err))
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := Load(fs, "/nonexistent.yaml")
	require.Error(t, err)
}
