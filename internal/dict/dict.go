// Package dict implements the interned-string table of the store: a
// monotone append-only list of short byte strings addressed by dense
// integer ids. The id space is stable across flushes and reloads.
package dict

import (
	"encoding/binary"

	"github.com/skyline93/packstore/internal/aof"
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
)

// ErrCorruptedDict is reported when the on-disk records cannot be
// parsed.
var ErrCorruptedDict = errors.New("corrupted dict file")

// Dict is an interned-string table over an append-only file. Each
// record on disk is a varint length followed by the raw bytes.
type Dict struct {
	ao    *aof.File
	items []string
	ids   map[string]int

	// parsed is the logical offset the in-memory list corresponds to.
	parsed int64
}

// New loads the records of ao up to its current end offset.
func New(ao *aof.File) (*Dict, error) {
	d := &Dict{ao: ao, ids: make(map[string]int)}
	if err := d.parseUpTo(ao.EndPoff()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dict) parseUpTo(end int64) error {
	if end < d.parsed {
		return errors.Wrapf(ErrCorruptedDict, "end offset moved backwards: %d < %d", end, d.parsed)
	}
	if end == d.parsed {
		return nil
	}
	buf := make([]byte, end-d.parsed)
	if err := d.ao.ReadAt(buf, d.parsed); err != nil {
		return err
	}
	for len(buf) > 0 {
		l, n := binary.Uvarint(buf)
		if n <= 0 || int(l) > len(buf)-n {
			return errors.Wrap(ErrCorruptedDict, d.ao.Name())
		}
		s := string(buf[n : n+int(l)])
		d.ids[s] = len(d.items)
		d.items = append(d.items, s)
		buf = buf[n+int(l):]
	}
	d.parsed = end
	return nil
}

// Find returns the string with id i.
func (d *Dict) Find(i int) (string, bool) {
	if i < 0 || i >= len(d.items) {
		return "", false
	}
	return d.items[i], true
}

// Index returns the id of s, interning it if absent.
func (d *Dict) Index(s string) (int, error) {
	if i, ok := d.ids[s]; ok {
		return i, nil
	}
	if d.ao.Readonly() {
		return 0, errors.Wrap(fs.ErrRoNotAllowed, "dict")
	}
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	rec := append(tmp[:n:n], s...)
	if err := d.ao.Append(rec); err != nil {
		return 0, err
	}
	i := len(d.items)
	d.ids[s] = i
	d.items = append(d.items, s)
	d.parsed += int64(len(rec))
	return i, nil
}

// Len returns the number of interned strings.
func (d *Dict) Len() int { return len(d.items) }

// EndPoff returns the logical end offset of the backing file.
func (d *Dict) EndPoff() int64 { return d.ao.EndPoff() }

// EmptyBuffer reports whether the backing file has unflushed bytes.
func (d *Dict) EmptyBuffer() bool { return d.ao.EmptyBuffer() }

// Flush flushes the backing file.
func (d *Dict) Flush() error { return d.ao.Flush() }

// Fsync fsyncs the backing file.
func (d *Dict) Fsync() error { return d.ao.Fsync() }

// Refresh extends the in-memory view after a control reload moved the
// persisted end to endPoff. Only read-only instances need this.
func (d *Dict) Refresh(endPoff int64) error {
	d.ao.RefreshEndPoff(endPoff)
	return d.parseUpTo(endPoff)
}

// Close closes the backing file.
func (d *Dict) Close() error { return d.ao.Close() }
