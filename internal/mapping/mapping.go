// Package mapping implements the GC-produced redirection table and the
// prefix it points into. The mapping is a sorted, de-duplicated list of
// (src_offset, length, dst_offset) triples; a binary search on the
// source offset redirects reads of pre-GC offsets into the packed
// prefix file.
package mapping

import (
	"encoding/binary"

	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
)

// ErrCorruptedMapping is reported when the mapping file cannot be
// parsed or is out of order.
var ErrCorruptedMapping = errors.New("corrupted mapping file")

// EntrySize is the on-disk size of one triple.
const EntrySize = 3 * 8

// Entry maps the live range [Src, Src+Len) to [Dst, Dst+Len) in the
// prefix.
type Entry struct {
	Src int64
	Len int64
	Dst int64
}

// Mapping is the in-memory form of a mapping file.
type Mapping struct {
	entries []Entry
}

// EncodeEntry appends the on-disk form of e to dst.
func EncodeEntry(dst []byte, e Entry) []byte {
	var b [EntrySize]byte
	binary.BigEndian.PutUint64(b[0:], uint64(e.Src))
	binary.BigEndian.PutUint64(b[8:], uint64(e.Len))
	binary.BigEndian.PutUint64(b[16:], uint64(e.Dst))
	return append(dst, b[:]...)
}

// DecodeEntry decodes one triple from b.
func DecodeEntry(b []byte) Entry {
	return Entry{
		Src: int64(binary.BigEndian.Uint64(b[0:])),
		Len: int64(binary.BigEndian.Uint64(b[8:])),
		Dst: int64(binary.BigEndian.Uint64(b[16:])),
	}
}

// Open loads the mapping file at path and validates its ordering.
func Open(path string) (*Mapping, error) {
	f, err := fs.OpenRO(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size%EntrySize != 0 {
		return nil, errors.Wrapf(ErrCorruptedMapping, "%s: size %d", path, size)
	}
	buf := make([]byte, size)
	if size > 0 {
		if err := f.ReadAt(buf, 0); err != nil {
			return nil, err
		}
	}

	m := &Mapping{entries: make([]Entry, 0, size/EntrySize)}
	for off := int64(0); off < size; off += EntrySize {
		e := DecodeEntry(buf[off : off+EntrySize])
		if n := len(m.entries); n > 0 {
			prev := m.entries[n-1]
			if e.Src < prev.Src+prev.Len {
				return nil, errors.Wrapf(ErrCorruptedMapping, "%s: unsorted at src %d", path, e.Src)
			}
		}
		m.entries = append(m.entries, e)
	}
	return m, nil
}

// Len returns the number of mapped ranges.
func (m *Mapping) Len() int { return len(m.entries) }

// Lookup returns the entry whose source range contains off.
func (m *Mapping) Lookup(off int64) (Entry, bool) {
	lo, hi := 0, len(m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		e := m.entries[mid]
		switch {
		case off < e.Src:
			hi = mid
		case off >= e.Src+e.Len:
			lo = mid + 1
		default:
			return e, true
		}
	}
	return Entry{}, false
}

// Prefix is the read-only packed image of the live set.
type Prefix struct {
	f *fs.File
}

// OpenPrefix opens the prefix file at path.
func OpenPrefix(path string) (*Prefix, error) {
	f, err := fs.OpenRO(path)
	if err != nil {
		return nil, err
	}
	return &Prefix{f: f}, nil
}

// ReadAt serves a positional read of the prefix's physical offsets.
func (p *Prefix) ReadAt(buf []byte, off int64) error {
	return p.f.ReadAt(buf, off)
}

// Close closes the prefix file.
func (p *Prefix) Close() error { return p.f.Close() }
