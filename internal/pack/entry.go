package pack

import (
	"encoding/binary"

	"github.com/skyline93/packstore/internal/errors"
)

// On disk every entry is laid out as
//
//	hash[HashSize] | kind[1] | [len_hdr varint] | payload
//
// where the varint, when present, encodes the length of itself plus the
// payload, so the total entry length is HashSize + 1 + varint value.

// MaxPrefixSize is the number of bytes sufficient to decode any entry
// prefix: hash, kind, and the longest possible length header.
const MaxPrefixSize = HashSize + 1 + binary.MaxVarintLen64

// MinPrefixSize is the number of bytes needed to recover hash and kind
// alone.
const MinPrefixSize = HashSize + 1

// ErrInvalidKind is reported when a decoded kind byte is outside the
// closed set.
var ErrInvalidKind = errors.New("invalid entry kind")

// Prefix is the decoded head of a pack entry.
type Prefix struct {
	Hash Hash
	Kind Kind
	// TotalLength is the full entry length including hash, kind and
	// length header. Zero when the kind carries no length header.
	TotalLength int64
}

// HasLength reports whether the prefix knows the entry's total length.
func (p Prefix) HasLength() bool { return p.TotalLength != 0 }

// DecodePrefix decodes an entry prefix from buf, which must hold at
// least MinPrefixSize bytes. Kinds with a length header need up to
// MaxPrefixSize bytes; a buffer too short to hold the varint is
// reported as out of bounds by the caller's read, not here.
func DecodePrefix(buf []byte, contents ContentsLengthHeader) (Prefix, error) {
	if len(buf) < MinPrefixSize {
		return Prefix{}, errors.Errorf("entry prefix too short: %d bytes", len(buf))
	}
	p := Prefix{
		Hash: HashFromBytes(buf[:HashSize]),
		Kind: Kind(buf[HashSize]),
	}
	if !p.Kind.Valid() {
		return Prefix{}, errors.Wrapf(ErrInvalidKind, "0x%02x", buf[HashSize])
	}
	if p.Kind.Header(contents) == LengthVarint {
		v, n := binary.Uvarint(buf[MinPrefixSize:])
		if n <= 0 {
			return Prefix{}, errors.New("entry prefix: truncated length header")
		}
		p.TotalLength = int64(MinPrefixSize) + int64(v)
	}
	return p, nil
}

// lenHeaderSize returns the number of bytes the varint length header
// occupies for a payload of payloadLen bytes. The varint encodes its
// own size plus the payload size, so the width is found by fixpoint.
func lenHeaderSize(payloadLen int64) int {
	for s := 1; ; s++ {
		if uvarintLen(uint64(payloadLen)+uint64(s)) <= s {
			return s
		}
	}
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// EncodeHeader appends the entry header (hash, kind, optional length
// header) for a payload of payloadLen bytes to dst and returns the
// extended slice.
func EncodeHeader(dst []byte, h Hash, k Kind, payloadLen int64, contents ContentsLengthHeader) []byte {
	dst = append(dst, h[:]...)
	dst = append(dst, byte(k))
	if k.Header(contents) == LengthVarint {
		s := lenHeaderSize(payloadLen)
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(tmp[:], uint64(payloadLen)+uint64(s))
		dst = append(dst, tmp[:n]...)
	}
	return dst
}

// EntryLength returns the total on-disk length of an entry of kind k
// with a payload of payloadLen bytes, or zero when the kind carries no
// length header (the index is then the only source of truth).
func EntryLength(k Kind, payloadLen int64, contents ContentsLengthHeader) int64 {
	if k.Header(contents) == LengthNone {
		return int64(MinPrefixSize) + payloadLen
	}
	return int64(MinPrefixSize) + int64(lenHeaderSize(payloadLen)) + payloadLen
}
