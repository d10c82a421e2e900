package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() Payload {
	return Payload{
		DictEndPoff:   123,
		SuffixEndPoff: 456,
		Status: Gced{
			SuffixStartOffset:    100,
			Generation:           3,
			LatestGCTargetOffset: 90,
			SuffixDeadBytes:      10,
		},
		ChunkStartIdx: 2,
		ChunkNum:      4,
	}
}

func TestCreateOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.control")

	cf, err := CreateRW(path, false, testPayload(), false)
	require.NoError(t, err)
	require.NoError(t, cf.Close())

	cf, err = Open(path, true, false)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, testPayload(), cf.Payload())
	assert.Equal(t, 3, cf.Payload().Generation())
	assert.Equal(t, int64(100), cf.Payload().SuffixStartOffset())
	assert.Equal(t, int64(10), cf.Payload().SuffixDeadBytes())
}

func TestStatusVariants(t *testing.T) {
	t.Parallel()

	for _, status := range []Status{
		NoGCYet{},
		UsedNonMinimalIndexingStrategy{},
		FromV1V2PostUpgrade{EntryOffsetAtUpgrade: 99},
		Reserved{Tag: 7},
	} {
		path := filepath.Join(t.TempDir(), "store.control")
		pl := Payload{Status: status, ChunkNum: 1}
		cf, err := CreateRW(path, false, pl, false)
		require.NoError(t, err)
		require.NoError(t, cf.Close())

		cf, err = Open(path, true, false)
		require.NoError(t, err)
		assert.Equal(t, status, cf.Payload().Status)
		require.NoError(t, cf.Close())
	}
}

func TestSetPayloadAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.control")

	rw, err := CreateRW(path, false, Payload{Status: NoGCYet{}, ChunkNum: 1}, false)
	require.NoError(t, err)
	defer rw.Close()

	ro, err := Open(path, true, false)
	require.NoError(t, err)
	defer ro.Close()

	pl := rw.Payload()
	pl.SuffixEndPoff = 777
	require.NoError(t, rw.SetPayload(pl))

	// the reader still holds the old copy until it reloads
	assert.Equal(t, int64(0), ro.Payload().SuffixEndPoff)
	require.NoError(t, ro.Reload())
	assert.Equal(t, int64(777), ro.Payload().SuffixEndPoff)
}

func TestCorruptedControlFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.control")

	cf, err := CreateRW(path, false, Payload{Status: NoGCYet{}, ChunkNum: 1}, false)
	require.NoError(t, err)
	require.NoError(t, cf.Close())

	// flip a payload byte; the checksum must catch it
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[headerSize+3] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = Open(path, true, false)
	assert.ErrorIs(t, err, ErrCorruptedControlFile)
}

func TestFutureVersionRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.control")

	cf, err := CreateRW(path, false, Payload{Status: NoGCYet{}, ChunkNum: 1}, false)
	require.NoError(t, err)
	require.NoError(t, cf.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[7] = 99 // version field, big endian
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = Open(path, true, false)
	assert.ErrorIs(t, err, ErrStoreFromTheFuture)
}

func TestTruncatedControlFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.control")

	cf, err := CreateRW(path, false, Payload{Status: NoGCYet{}, ChunkNum: 1}, false)
	require.NoError(t, err)
	require.NoError(t, cf.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-4], 0644))

	_, err = Open(path, true, false)
	assert.ErrorIs(t, err, ErrCorruptedControlFile)
}
