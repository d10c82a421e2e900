// Package aof implements a buffered append-only file. Appends
// accumulate in memory and reach the disk on Flush; when the buffer
// grows past the auto-flush threshold, either the file flushes itself
// or a callback is invoked so the owner can flush dependencies first.
package aof

import (
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
)

// ErrPendingFlush is reported when a file with buffered bytes is
// closed.
var ErrPendingFlush = errors.New("append-only file closed with pending flush")

// FlushProcedure decides what happens when the buffer crosses the
// auto-flush threshold.
type FlushProcedure struct {
	// Callback, when set, is invoked instead of an internal flush. The
	// callback is expected to call Flush, possibly after flushing other
	// files first. It may safely no-op while the owner is still being
	// constructed.
	Callback func() error
}

// File is a buffered append-only file. Logical offsets start after the
// header region, so legacy files carrying a fixed dead header read and
// write through the same arithmetic as fresh ones.
type File struct {
	f         *fs.File
	buf       []byte
	persisted int64
	header    int64
	threshold int
	proc      FlushProcedure
}

// CreateRW creates an empty append-only file at path.
func CreateRW(path string, overwrite bool, threshold int, proc FlushProcedure) (*File, error) {
	f, err := fs.CreateRW(path, overwrite)
	if err != nil {
		return nil, err
	}
	return &File{f: f, threshold: threshold, proc: proc}, nil
}

// OpenRW opens an existing append-only file. endPoff is the logical end
// recorded in the control file; bytes past it are dead and will be
// overwritten by subsequent appends. header is the size of the dead
// header region logical offsets are shifted by.
func OpenRW(path string, endPoff int64, threshold int, proc FlushProcedure) (*File, error) {
	return OpenRWHeader(path, endPoff, 0, threshold, proc)
}

// OpenRWHeader is OpenRW for files with a dead header region.
func OpenRWHeader(path string, endPoff, header int64, threshold int, proc FlushProcedure) (*File, error) {
	f, err := fs.OpenRW(path, false)
	if err != nil {
		return nil, err
	}
	return &File{f: f, persisted: endPoff, header: header, threshold: threshold, proc: proc}, nil
}

// OpenRO opens the file for reading only. Appends fail.
func OpenRO(path string, endPoff int64) (*File, error) {
	return OpenROHeader(path, endPoff, 0)
}

// OpenROHeader is OpenRO for files with a dead header region.
func OpenROHeader(path string, endPoff, header int64) (*File, error) {
	f, err := fs.OpenRO(path)
	if err != nil {
		return nil, err
	}
	return &File{f: f, persisted: endPoff, header: header}, nil
}

// Name returns the backing file path.
func (t *File) Name() string { return t.f.Name() }

// Readonly reports whether the file was opened read-only.
func (t *File) Readonly() bool { return t.f.Readonly() }

// EndPoff returns the logical end offset, including buffered bytes.
func (t *File) EndPoff() int64 { return t.persisted + int64(len(t.buf)) }

// PersistedEndPoff returns the end offset of the flushed region.
func (t *File) PersistedEndPoff() int64 { return t.persisted }

// EmptyBuffer reports whether all appended bytes have been flushed.
func (t *File) EmptyBuffer() bool { return len(t.buf) == 0 }

// RefreshEndPoff updates the logical end after a control-file reload on
// the read-only side.
func (t *File) RefreshEndPoff(endPoff int64) {
	t.persisted = endPoff
}

// Append buffers b and triggers the auto-flush procedure when the
// buffer crosses the threshold.
func (t *File) Append(b []byte) error {
	if t.f.Readonly() {
		return errors.Wrap(fs.ErrRoNotAllowed, t.f.Name())
	}
	t.buf = append(t.buf, b...)
	if t.threshold > 0 && len(t.buf) >= t.threshold {
		if t.proc.Callback != nil {
			return t.proc.Callback()
		}
		return t.Flush()
	}
	return nil
}

// Flush writes the buffered bytes at the persisted end offset.
func (t *File) Flush() error {
	if len(t.buf) == 0 {
		return nil
	}
	if err := t.f.WriteAt(t.buf, t.header+t.persisted); err != nil {
		return err
	}
	log.Debugf("flushed %d bytes to %s at offset %d", len(t.buf), t.f.Name(), t.persisted)
	t.persisted += int64(len(t.buf))
	t.buf = t.buf[:0]
	return nil
}

// Fsync forwards to the underlying file.
func (t *File) Fsync() error { return t.f.Fsync() }

// ReadAt serves a positional read from the flushed region. Reads
// overlapping the buffered tail are out of bounds; callers are expected
// to consult their staging tables for unflushed data.
func (t *File) ReadAt(buf []byte, off int64) error {
	if off+int64(len(buf)) > t.persisted {
		return errors.Wrapf(fs.ErrReadOutOfBounds,
			"%s: read [%d,%d) past persisted end %d", t.f.Name(), off, off+int64(len(buf)), t.persisted)
	}
	return t.f.ReadAt(buf, t.header+off)
}

// Close closes the file. A non-empty buffer is an error; the caller
// must flush first.
func (t *File) Close() error {
	if len(t.buf) != 0 {
		return errors.Wrap(ErrPendingFlush, t.f.Name())
	}
	return t.f.Close()
}
