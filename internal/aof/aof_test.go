package aof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/packstore/internal/fs"
)

func TestAppendFlushRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ao")

	f, err := CreateRW(path, false, 0, FlushProcedure{})
	require.NoError(t, err)

	require.NoError(t, f.Append([]byte("hello ")))
	require.NoError(t, f.Append([]byte("world")))
	assert.Equal(t, int64(11), f.EndPoff())
	assert.Equal(t, int64(0), f.PersistedEndPoff())

	// unflushed bytes are not readable
	buf := make([]byte, 5)
	assert.ErrorIs(t, f.ReadAt(buf, 0), fs.ErrReadOutOfBounds)

	require.NoError(t, f.Flush())
	assert.Equal(t, int64(11), f.PersistedEndPoff())
	require.NoError(t, f.ReadAt(buf, 6))
	assert.Equal(t, "world", string(buf))

	require.NoError(t, f.Close())
}

func TestAutoFlushThreshold(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ao")

	f, err := CreateRW(path, false, 8, FlushProcedure{})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Append([]byte("1234")))
	assert.Equal(t, int64(0), f.PersistedEndPoff())
	require.NoError(t, f.Append([]byte("5678")))
	assert.Equal(t, int64(8), f.PersistedEndPoff())
	assert.True(t, f.EmptyBuffer())
}

func TestAutoFlushCallback(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ao")

	var f *File
	calls := 0
	cb := func() error {
		calls++
		return f.Flush()
	}
	f, err := CreateRW(path, false, 4, FlushProcedure{Callback: cb})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Append([]byte("abcdef")))
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(6), f.PersistedEndPoff())
}

func TestCloseWithPendingFlush(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ao")

	f, err := CreateRW(path, false, 0, FlushProcedure{})
	require.NoError(t, err)
	require.NoError(t, f.Append([]byte("x")))
	assert.ErrorIs(t, f.Close(), ErrPendingFlush)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())
}

func TestOpenRWDropsDeadTail(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ao")

	f, err := CreateRW(path, false, 0, FlushProcedure{})
	require.NoError(t, err)
	require.NoError(t, f.Append([]byte("livedead")))
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	// reopen pretending only "live" was recorded by the control file
	f, err = OpenRW(path, 4, 0, FlushProcedure{})
	require.NoError(t, err)
	require.NoError(t, f.Append([]byte("FRESH")))
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "liveFRESH", string(raw))
}

func TestHeaderShiftsPhysicalOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ao")
	require.NoError(t, os.WriteFile(path, append(make([]byte, 16), []byte("payload")...), 0644))

	f, err := OpenROHeader(path, 7, 16)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 7)
	require.NoError(t, f.ReadAt(buf, 0))
	assert.Equal(t, "payload", string(buf))
}

func TestReadonlyAppendRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ao")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	f, err := OpenRO(path, 1)
	require.NoError(t, err)
	defer f.Close()

	assert.ErrorIs(t, f.Append([]byte("y")), fs.ErrRoNotAllowed)
}
