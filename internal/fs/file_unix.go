package fs

import (
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/skyline93/packstore/internal/errors"
)

func fixpath(name string) string {
	return name
}

func isMacENOTTY(err error) bool {
	return runtime.GOOS == "darwin" && errors.Is(err, syscall.ENOTTY)
}

// FsyncDir flushes changes to the directory dir.
func FsyncDir(dir string) error {
	d, err := os.Open(fixpath(dir))
	if err != nil {
		return err
	}

	err = d.Sync()
	if err != nil &&
		(errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.ENOENT) ||
			errors.Is(err, syscall.EINVAL) || isMacENOTTY(err)) {
		err = nil
	}

	cerr := d.Close()
	if err == nil {
		err = cerr
	}

	return err
}

// ErrLocked is returned when another process already holds the
// exclusive lock on a file.
var ErrLocked = errors.New("file is locked by another process")

// TryLockExclusive takes a non-blocking exclusive flock on f. The lock
// is released when the file is closed.
func TryLockExclusive(f *File) error {
	err := unix.Flock(int(f.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errors.Wrap(ErrLocked, f.path)
	}
	return errors.WithStack(err)
}
