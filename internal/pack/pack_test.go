package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRoundTrip(t *testing.T) {
	t.Parallel()

	h := HashOf([]byte("some contents"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("zz")
	assert.Error(t, err)
}

func TestKeyPromotion(t *testing.T) {
	t.Parallel()

	h := HashOf([]byte("v"))
	k := NewIndexedKey(h)
	assert.False(t, k.IsDirect())

	k.Promote(100, 42)
	off, length, ok := k.Direct()
	require.True(t, ok)
	assert.Equal(t, int64(100), off)
	assert.Equal(t, int64(42), length)
	assert.Equal(t, h, k.Hash())

	// promotion is monotonic; a second promote is ignored
	k.Promote(7, 7)
	off, length, _ = k.Direct()
	assert.Equal(t, int64(100), off)
	assert.Equal(t, int64(42), length)
}

func TestEncodeHeaderAndDecodePrefix(t *testing.T) {
	t.Parallel()

	payload := []byte("hello world")
	h := HashOf(payload)

	for _, kind := range []Kind{CommitV2, InodeV2Root, InodeV2Nonroot, DanglingParentCommit} {
		buf := EncodeHeader(nil, h, kind, int64(len(payload)), ContentsLengthNone)
		buf = append(buf, payload...)

		p, err := DecodePrefix(buf, ContentsLengthNone)
		require.NoError(t, err)
		assert.Equal(t, h, p.Hash)
		assert.Equal(t, kind, p.Kind)
		require.True(t, p.HasLength())
		assert.Equal(t, int64(len(buf)), p.TotalLength)
		assert.Equal(t, p.TotalLength, EntryLength(kind, int64(len(payload)), ContentsLengthNone))
	}
}

func TestContentsLengthHeaderModes(t *testing.T) {
	t.Parallel()

	payload := []byte("data")
	h := HashOf(payload)

	buf := EncodeHeader(nil, h, Contents, int64(len(payload)), ContentsLengthNone)
	p, err := DecodePrefix(append(buf, payload...), ContentsLengthNone)
	require.NoError(t, err)
	assert.False(t, p.HasLength())

	buf = EncodeHeader(nil, h, Contents, int64(len(payload)), ContentsLengthVarint)
	p, err = DecodePrefix(append(buf, payload...), ContentsLengthVarint)
	require.NoError(t, err)
	require.True(t, p.HasLength())
	assert.Equal(t, int64(MinPrefixSize+1+len(payload)), p.TotalLength)
}

func TestDecodePrefixRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	buf := make([]byte, MinPrefixSize)
	buf[HashSize] = 0xff
	_, err := DecodePrefix(buf, ContentsLengthNone)
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestLenHeaderSizeFixpoint(t *testing.T) {
	t.Parallel()

	// around the one-to-two byte varint boundary the header size must
	// account for its own width
	assert.Equal(t, 1, lenHeaderSize(0))
	assert.Equal(t, 1, lenHeaderSize(126))
	assert.Equal(t, 2, lenHeaderSize(127))
	assert.Equal(t, 2, lenHeaderSize(16381))
	assert.Equal(t, 3, lenHeaderSize(16382))
}
