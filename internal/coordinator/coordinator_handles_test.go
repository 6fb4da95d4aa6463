//go:build linux || !unix

package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two handles on one lock file exclude each other the way two processes do.
func TestCrossHandleExclusion(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db-lock")
	a := openCoordinator(t, path)
	b := openCoordinator(t, path)

	require.NoError(t, a.AcquireWriter(context.Background()))
	ok, err := b.TryWriter()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, a.ReleaseWriter())

	ok, err = b.TryWriter()
	require.NoError(t, err)
	require.True(t, ok)

	// A reader in a blocks b's checkpoint.
	require.NoError(t, a.AcquireReader(context.Background()))
	ok, err = b.TryCheckpoint()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.ReleaseReader())
	ok, err = b.TryCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)

	// And b's checkpoint blocks a's readers.
	ok, err = a.TryReader()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.ReleaseCheckpoint())
	require.NoError(t, b.ReleaseWriter())
	ok, err = a.TryReader()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, a.ReleaseReader())
}

func TestCloseDropsLocks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db-lock")
	a, err := Open(path)
	require.NoError(t, err)
	b := openCoordinator(t, path)

	require.NoError(t, a.AcquireWriter(context.Background()))
	require.NoError(t, a.AcquireReader(context.Background()))
	ok, err := b.TryWriter()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Close())
	ok, err = b.TryWriter()
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.TryCheckpoint()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.ReleaseCheckpoint())
	require.NoError(t, b.ReleaseWriter())
}
