// Package fs provides the positional file I/O layer the store is built
// on: pread/pwrite with explicit offsets, fsync, and path
// classification. All higher layers go through this package instead of
// touching os directly.
package fs

import (
	"io"
	"os"

	"github.com/skyline93/packstore/internal/errors"
)

// Errors reported by this package. Anything else coming out of the
// kernel is passed through wrapped.
var (
	ErrDoubleClose           = errors.New("file already closed")
	ErrFileExists            = errors.New("file already exists")
	ErrNoSuchFileOrDirectory = errors.New("no such file or directory")
	ErrNotAFile              = errors.New("not a file")
	ErrNotADirectory         = errors.New("not a directory")
	ErrReadOutOfBounds       = errors.New("read out of bounds")
	ErrRoNotAllowed          = errors.New("write not allowed on read-only file")
)

// PathKind classifies what a path points at.
type PathKind int

const (
	KindNoEnt PathKind = iota
	KindFile
	KindDirectory
	KindOther
)

// ClassifyPath reports what kind of object path refers to.
func ClassifyPath(path string) PathKind {
	fi, err := os.Lstat(fixpath(path))
	if err != nil {
		return KindNoEnt
	}
	switch {
	case fi.Mode().IsRegular():
		return KindFile
	case fi.IsDir():
		return KindDirectory
	default:
		return KindOther
	}
}

// File is a positional file handle. Reads and writes carry explicit
// offsets; there is no shared cursor, so a single handle can serve
// concurrent readers.
type File struct {
	f        *os.File
	path     string
	readonly bool
	closed   bool
}

// OpenRW opens path for reading and writing. With create set, the file
// is created if absent; otherwise a missing file is an error.
func OpenRW(path string, create bool) (*File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(fixpath(path), flags, 0644)
	if err != nil {
		return nil, wrapPathError(err, path)
	}
	return &File{f: f, path: path}, nil
}

// CreateRW creates path for reading and writing. With overwrite set an
// existing file is truncated; otherwise it is an error.
func CreateRW(path string, overwrite bool) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(fixpath(path), flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrFileExists, path)
		}
		return nil, wrapPathError(err, path)
	}
	return &File{f: f, path: path}, nil
}

// OpenRO opens path read-only. Writes through the handle fail with
// ErrRoNotAllowed.
func OpenRO(path string) (*File, error) {
	f, err := os.Open(fixpath(path))
	if err != nil {
		return nil, wrapPathError(err, path)
	}
	return &File{f: f, path: path, readonly: true}, nil
}

func wrapPathError(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return errors.Wrap(ErrNoSuchFileOrDirectory, path)
	case os.IsExist(err):
		return errors.Wrap(ErrFileExists, path)
	default:
		return errors.WithStack(err)
	}
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

// Readonly reports whether the handle was opened read-only.
func (f *File) Readonly() bool { return f.readonly }

// ReadAt fills buf from offset off. A read that runs past end-of-file
// fails with ErrReadOutOfBounds; buf is either completely filled or the
// call errors.
func (f *File) ReadAt(buf []byte, off int64) error {
	if f.closed {
		return errors.WithStack(ErrDoubleClose)
	}
	n, err := f.f.ReadAt(buf, off)
	if err == io.EOF || (err == nil && n < len(buf)) {
		return errors.Wrapf(ErrReadOutOfBounds, "%s: read %d/%d bytes at offset %d", f.path, n, len(buf), off)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// WriteAt writes buf at offset off.
func (f *File) WriteAt(buf []byte, off int64) error {
	if f.closed {
		return errors.WithStack(ErrDoubleClose)
	}
	if f.readonly {
		return errors.Wrap(ErrRoNotAllowed, f.path)
	}
	_, err := f.f.WriteAt(buf, off)
	return errors.WithStack(err)
}

// Size returns the current size of the file.
func (f *File) Size() (int64, error) {
	if f.closed {
		return 0, errors.WithStack(ErrDoubleClose)
	}
	fi, err := f.f.Stat()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return fi.Size(), nil
}

// Truncate resizes the file to size bytes.
func (f *File) Truncate(size int64) error {
	if f.closed {
		return errors.WithStack(ErrDoubleClose)
	}
	if f.readonly {
		return errors.Wrap(ErrRoNotAllowed, f.path)
	}
	return errors.WithStack(f.f.Truncate(size))
}

// Fsync flushes the file's data to stable storage.
func (f *File) Fsync() error {
	if f.closed {
		return errors.WithStack(ErrDoubleClose)
	}
	return errors.WithStack(f.f.Sync())
}

// Close closes the handle. Closing twice fails with ErrDoubleClose.
func (f *File) Close() error {
	if f.closed {
		return errors.Wrap(ErrDoubleClose, f.path)
	}
	f.closed = true
	return errors.WithStack(f.f.Close())
}

// Mkdir creates a new directory.
func Mkdir(path string) error {
	return wrapPathError(os.Mkdir(fixpath(path), 0755), path)
}

// Unlink removes the named file.
func Unlink(path string) error {
	return wrapPathError(os.Remove(fixpath(path)), path)
}

// UnlinkIfExists removes a file, returning no error if it does not exist.
func UnlinkIfExists(path string) error {
	err := Unlink(path)
	if err != nil && errors.Is(err, ErrNoSuchFileOrDirectory) {
		err = nil
	}
	return err
}

// Rename renames oldpath to newpath.
func Rename(oldpath, newpath string) error {
	return errors.WithStack(os.Rename(fixpath(oldpath), fixpath(newpath)))
}

// Readdirnames lists the entries of the directory at path.
func Readdirnames(path string) ([]string, error) {
	d, err := os.Open(fixpath(path))
	if err != nil {
		return nil, wrapPathError(err, path)
	}
	names, err := d.Readdirnames(-1)
	cerr := d.Close()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return names, errors.WithStack(cerr)
}
