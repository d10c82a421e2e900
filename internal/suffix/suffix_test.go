package suffix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/packstore/internal/aof"
	"github.com/skyline93/packstore/internal/fs"
)

func TestAppendAndAbsoluteRead(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	s, err := CreateRW(root, false, 0, aof.FlushProcedure{})
	require.NoError(t, err)

	require.NoError(t, s.Append([]byte("0123456789")))
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(10), s.EndPoff())
	assert.Equal(t, int64(10), s.EndOffset())

	buf := make([]byte, 4)
	require.NoError(t, s.ReadAt(buf, 3))
	assert.Equal(t, "3456", string(buf))

	assert.ErrorIs(t, s.ReadAt(make([]byte, 4), 8), fs.ErrReadOutOfBounds)
	require.NoError(t, s.Close())
}

func TestAddChunkAndCrossChunkRead(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	s, err := CreateRW(root, false, 0, aof.FlushProcedure{})
	require.NoError(t, err)

	require.NoError(t, s.Append([]byte("aaaa")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.AddChunk())
	assert.Equal(t, 2, s.ChunkNum())
	assert.Equal(t, int64(0), s.EndPoff())

	require.NoError(t, s.Append([]byte("bbbb")))
	require.NoError(t, s.Flush())
	assert.Equal(t, int64(8), s.EndOffset())

	// a read spanning the chunk boundary stitches both files
	buf := make([]byte, 4)
	require.NoError(t, s.ReadAt(buf, 2))
	assert.Equal(t, "aabb", string(buf))

	require.NoError(t, s.Close())
}

func TestAddChunkRequiresFlush(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	s, err := CreateRW(root, false, 0, aof.FlushProcedure{})
	require.NoError(t, err)
	defer func() {
		_ = s.Flush()
		_ = s.Close()
	}()

	require.NoError(t, s.Append([]byte("x")))
	assert.ErrorIs(t, s.AddChunk(), aof.ErrPendingFlush)
}

func TestReopenWindow(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	s, err := CreateRW(root, false, 0, aof.FlushProcedure{})
	require.NoError(t, err)
	require.NoError(t, s.Append([]byte("aaaa")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.AddChunk())
	require.NoError(t, s.Append([]byte("bbbb")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s, err = OpenRW(root, Params{StartIdx: 0, ChunkNum: 2, EndPoff: 4}, 0, aof.FlushProcedure{})
	require.NoError(t, err)
	assert.Equal(t, int64(8), s.EndOffset())

	buf := make([]byte, 2)
	require.NoError(t, s.ReadAt(buf, 5))
	assert.Equal(t, "bb", string(buf))
	require.NoError(t, s.Close())
}

func TestDeadBytesShiftWindow(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	// simulate a post-GC layout: chunk 1 physically holds 8 bytes, the
	// first 3 of which predate the suffix start offset 13
	s, err := CreateRW(root, false, 0, aof.FlushProcedure{})
	require.NoError(t, err)
	require.NoError(t, s.Append([]byte("garbage!")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.AddChunk())
	require.NoError(t, s.Append([]byte("xxxLIVE!")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s, err = OpenRO(root, Params{
		StartIdx:    1,
		ChunkNum:    1,
		EndPoff:     8,
		StartOffset: 13,
		DeadBytes:   3,
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(13), s.StartOffset())
	assert.Equal(t, int64(18), s.EndOffset())

	buf := make([]byte, 5)
	require.NoError(t, s.ReadAt(buf, 13))
	assert.Equal(t, "LIVE!", string(buf))
}

func TestReadonlyRefreshEndPoff(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	w, err := CreateRW(root, false, 0, aof.FlushProcedure{})
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("onetwo")))
	require.NoError(t, w.Flush())

	r, err := OpenRO(root, Params{StartIdx: 0, ChunkNum: 1, EndPoff: 3})
	require.NoError(t, err)
	defer r.Close()

	assert.ErrorIs(t, r.ReadAt(make([]byte, 3), 3), fs.ErrReadOutOfBounds)
	r.RefreshEndPoff(6)
	buf := make([]byte, 3)
	require.NoError(t, r.ReadAt(buf, 3))
	assert.Equal(t, "two", string(buf))

	require.NoError(t, w.Close())
}
