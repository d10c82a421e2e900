package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMapping(t *testing.T, entries []Entry) string {
	t.Helper()
	var buf []byte
	for _, e := range entries {
		buf = EncodeEntry(buf, e)
	}
	path := filepath.Join(t.TempDir(), "store.mapping.1")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestLookup(t *testing.T) {
	t.Parallel()
	path := writeMapping(t, []Entry{
		{Src: 0, Len: 10, Dst: 0},
		{Src: 50, Len: 20, Dst: 10},
		{Src: 100, Len: 5, Dst: 30},
	})

	m, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len())

	e, ok := m.Lookup(55)
	require.True(t, ok)
	assert.Equal(t, int64(50), e.Src)
	assert.Equal(t, int64(10), e.Dst)

	e, ok = m.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, int64(0), e.Dst)

	e, ok = m.Lookup(104)
	require.True(t, ok)
	assert.Equal(t, int64(100), e.Src)

	// gaps and the tail are unmapped
	for _, off := range []int64{10, 49, 70, 105, 1000} {
		_, ok := m.Lookup(off)
		assert.False(t, ok, "offset %d should be unmapped", off)
	}
}

func TestOpenRejectsUnsorted(t *testing.T) {
	t.Parallel()
	path := writeMapping(t, []Entry{
		{Src: 50, Len: 20, Dst: 0},
		{Src: 60, Len: 5, Dst: 20}, // overlaps the previous range
	})

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrCorruptedMapping)
}

func TestOpenRejectsTornFile(t *testing.T) {
	t.Parallel()
	path := writeMapping(t, []Entry{{Src: 0, Len: 10, Dst: 0}})
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0644))

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrCorruptedMapping)
}

func TestEmptyMapping(t *testing.T) {
	t.Parallel()
	path := writeMapping(t, nil)

	m, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Lookup(0)
	assert.False(t, ok)
}
