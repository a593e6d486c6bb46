package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worthit-bot/worthit/internal/domain"
)

func writeServicesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadServicesFileRegistersInstances(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - service: scraper
    host: scrape-a.internal
    port: 8080
    scheme: https
    health_path: /healthz
    weight: 3
  - service: scraper
    host: scrape-b.internal
    port: 8080
`)
	reg := NewRegistry()
	require.NoError(t, LoadServicesFile(reg, path))

	instances := reg.Instances("scraper")
	require.Len(t, instances, 2)
	assert.Equal(t, "scrape-a.internal", instances[0].Host)
	assert.Equal(t, "https", instances[0].Scheme)
	assert.Equal(t, 3, instances[0].Weight)
}

func TestLoadServicesFileMissingPathIsFine(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, LoadServicesFile(reg, ""))
	assert.NoError(t, LoadServicesFile(reg, filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Empty(t, reg.Services())
}

func TestLoadServicesFileRejectsBadEntries(t *testing.T) {
	incomplete := writeServicesFile(t, "services:\n  - service: scraper\n    host: h\n")
	err := LoadServicesFile(NewRegistry(), incomplete)
	assert.ErrorIs(t, err, domain.ErrConfig)

	garbage := writeServicesFile(t, "services: {not a list")
	err = LoadServicesFile(NewRegistry(), garbage)
	assert.ErrorIs(t, err, domain.ErrConfig)
}
