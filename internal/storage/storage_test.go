package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/graphstore/internal/base"
)

func TestStorageReadWrite(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer s.Close()
	s.SetPageSize(512)

	empty, err := s.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	run := make([]byte, 3*512)
	for i := range run {
		run[i] = byte(i / 512)
	}
	require.NoError(t, s.WriteRun(2, run))
	require.NoError(t, s.Sync())

	buf := make([]byte, 512)
	require.NoError(t, s.ReadPage(3, buf))
	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, byte(1), buf[511])

	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5*512), size)

	err = s.ReadPage(9, buf)
	assert.ErrorIs(t, err, base.ErrCorruption)

	assert.Error(t, s.WriteRun(0, make([]byte, 100)))

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Writes)
	assert.Equal(t, uint64(1), st.Syncs)
	assert.Equal(t, uint64(3*512), st.Written)
}
