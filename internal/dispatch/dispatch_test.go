package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/fs"
)

func newTestFM(t *testing.T) *fm.FileManager {
	t.Helper()
	mgr, err := fm.CreateRW(false, fm.Config{
		Root:                     filepath.Join(t.TempDir(), "store"),
		IndexingStrategy:         fm.MinimalIndexing,
		IndexLogSize:             1000,
		DictAutoFlushThreshold:   1 << 20,
		SuffixAutoFlushThreshold: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestSuffixReads(t *testing.T) {
	t.Parallel()
	mgr := newTestFM(t)
	require.NoError(t, mgr.Suffix().Append([]byte("0123456789")))
	require.NoError(t, mgr.Flush())

	d := New(mgr)
	assert.Equal(t, int64(10), d.EndOffset())

	buf := make([]byte, 4)
	require.NoError(t, d.ReadAt(buf, 3))
	assert.Equal(t, "3456", string(buf))

	// a fixed-length read past the end is out of bounds
	_, err := d.CreateAccessor(8, 4)
	assert.ErrorIs(t, err, fs.ErrReadOutOfBounds)

	// a ranged read clamps to what is available
	n, err := d.ReadRangeAt(buf, 8, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "89", string(buf[:2]))

	// but still needs its minimum
	_, err = d.ReadRangeAt(buf, 9, 3)
	assert.ErrorIs(t, err, fs.ErrReadOutOfBounds)
}

func TestReadBufferLargerThanAccessor(t *testing.T) {
	t.Parallel()
	mgr := newTestFM(t)
	require.NoError(t, mgr.Suffix().Append([]byte("abc")))
	require.NoError(t, mgr.Flush())

	d := New(mgr)
	a, err := d.CreateAccessor(0, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Read(a, make([]byte, 3)), ErrInvalidMappingRead)
}
