// Package dispatch resolves logical (offset, length) reads to their
// physical home: the GC-produced prefix via the mapping, or the chunked
// suffix. Callers never learn which one served them.
package dispatch

import (
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/fs"
)

var (
	ErrInvalidReadOfGcedObject = errors.New("invalid read of gced object")
	ErrInvalidPrefixRead       = errors.New("invalid prefix read")
	ErrInvalidMappingRead      = errors.New("invalid mapping read")
)

// Dispatcher routes reads for one file manager.
type Dispatcher struct {
	fm *fm.FileManager
}

// New returns a dispatcher over mgr.
func New(mgr *fm.FileManager) *Dispatcher {
	return &Dispatcher{fm: mgr}
}

// Accessor is a resolved read: a physical location and a length.
type Accessor struct {
	poff     int64
	length   int64
	inPrefix bool
}

// Length returns the number of bytes the accessor will read.
func (a Accessor) Length() int64 { return a.length }

// EndOffset returns the absolute offset one past the last readable
// byte.
func (d *Dispatcher) EndOffset() int64 {
	return d.fm.Suffix().EndOffset()
}

// SuffixStartOffset returns the first offset served by the suffix.
func (d *Dispatcher) SuffixStartOffset() int64 {
	return d.fm.Payload().SuffixStartOffset()
}

// CreateAccessor resolves a read of exactly length bytes at off.
func (d *Dispatcher) CreateAccessor(off, length int64) (Accessor, error) {
	return d.resolve(off, length, length)
}

// CreateAccessorFromRange resolves a read of at least minLen and at
// most maxLen bytes at off, clamped to what the containing region
// holds.
func (d *Dispatcher) CreateAccessorFromRange(off, minLen, maxLen int64) (Accessor, error) {
	return d.resolve(off, minLen, maxLen)
}

func (d *Dispatcher) resolve(off, minLen, maxLen int64) (Accessor, error) {
	suffixStart := d.SuffixStartOffset()
	if m := d.fm.Mapping(); m != nil && off < suffixStart {
		e, ok := m.Lookup(off)
		if !ok {
			return Accessor{}, errors.Wrapf(ErrInvalidReadOfGcedObject, "offset %d", off)
		}
		avail := e.Src + e.Len - off
		length := maxLen
		if length > avail {
			length = avail
		}
		if length < minLen {
			return Accessor{}, errors.Wrapf(ErrInvalidPrefixRead,
				"offset %d: %d bytes needed, %d mapped", off, minLen, avail)
		}
		return Accessor{poff: e.Dst + (off - e.Src), length: length, inPrefix: true}, nil
	}
	if off < suffixStart {
		// no mapping open yet the offset predates the suffix
		return Accessor{}, errors.Wrapf(ErrInvalidReadOfGcedObject, "offset %d", off)
	}

	end := d.fm.Suffix().EndOffset()
	avail := end - off
	length := maxLen
	if length > avail {
		length = avail
	}
	if length < minLen {
		return Accessor{}, errors.Wrapf(fs.ErrReadOutOfBounds,
			"offset %d: %d bytes needed, %d available", off, minLen, avail)
	}
	return Accessor{poff: off, length: length}, nil
}

// Read fills buf (at most the accessor's length) from the resolved
// location.
func (d *Dispatcher) Read(a Accessor, buf []byte) error {
	if int64(len(buf)) > a.length {
		return errors.Wrapf(ErrInvalidMappingRead, "buffer %d exceeds accessor length %d", len(buf), a.length)
	}
	if a.inPrefix {
		p := d.fm.Prefix()
		if p == nil {
			return errors.WithStack(ErrInvalidPrefixRead)
		}
		return p.ReadAt(buf, a.poff)
	}
	return d.fm.Suffix().ReadAt(buf, a.poff)
}

// ReadAt resolves and reads len(buf) bytes at off in one step.
func (d *Dispatcher) ReadAt(buf []byte, off int64) error {
	a, err := d.CreateAccessor(off, int64(len(buf)))
	if err != nil {
		return err
	}
	return d.Read(a, buf)
}

// ReadRangeAt reads between minLen and len(buf) bytes at off and
// returns how many were read.
func (d *Dispatcher) ReadRangeAt(buf []byte, off, minLen int64) (int64, error) {
	a, err := d.CreateAccessorFromRange(off, minLen, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	if err := d.Read(a, buf[:a.length]); err != nil {
		return 0, err
	}
	return a.length, nil
}
