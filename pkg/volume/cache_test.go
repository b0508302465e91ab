package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureAndRemove(t *testing.T) {
	m, err := NewCacheManager(t.TempDir())
	require.NoError(t, err)

	path, err := m.Ensure("acepool-engine-1")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Ensure is idempotent.
	again, err := m.Ensure("acepool-engine-1")
	require.NoError(t, err)
	assert.Equal(t, path, again)

	require.NoError(t, m.Remove("acepool-engine-1"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing twice is fine.
	assert.NoError(t, m.Remove("acepool-engine-1"))
}

func TestRejectsTraversalNames(t *testing.T) {
	m, err := NewCacheManager(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "a/b", "../escape", ".hidden"} {
		_, err := m.Ensure(name)
		assert.Error(t, err, "name %q should be rejected", name)
	}
}

func TestPruneOrphans(t *testing.T) {
	base := t.TempDir()
	m, err := NewCacheManager(base)
	require.NoError(t, err)

	_, err = m.Ensure("live")
	require.NoError(t, err)
	_, err = m.Ensure("orphan-1")
	require.NoError(t, err)
	_, err = m.Ensure("orphan-2")
	require.NoError(t, err)

	removed, err := m.PruneOrphans(map[string]bool{"live": true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orphan-1", "orphan-2"}, removed)

	_, err = os.Stat(filepath.Join(base, "live"))
	assert.NoError(t, err)

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, names)
}
