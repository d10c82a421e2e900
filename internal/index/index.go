// Package index implements the disk-backed index of the store: a map
// from entry hash to (offset, length, kind), consulted whenever a key
// carries no offset. New records append to a log file; when the log
// outgrows its budget the records merge into a sorted data file.
package index

import (
	"encoding/binary"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/aof"
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/pack"
)

// ErrCorruptedIndex is reported when on-disk records cannot be parsed.
var ErrCorruptedIndex = errors.New("corrupted index")

// A Strategy decides whether a freshly appended entry is registered in
// the index. Only the minimal strategy (commits only) is compatible
// with garbage collection.
type Strategy func(length int64, kind pack.Kind) bool

// Minimal registers commits only.
func Minimal(_ int64, kind pack.Kind) bool { return kind.IsCommit() }

// Always registers every entry.
func Always(int64, pack.Kind) bool { return true }

// MergeThrottle selects what happens when a merge becomes due while
// adds keep arriving.
type MergeThrottle int

const (
	// BlockWrites merges synchronously before the add returns.
	BlockWrites MergeThrottle = iota
	// OvercommitMemory defers the merge and lets the log keep growing.
	OvercommitMemory
)

// recordSize is hash + offset + length + kind.
const recordSize = pack.HashSize + 8 + 8 + 1

// Entry is one index record.
type Entry struct {
	Offset int64
	Length int64
	Kind   pack.Kind
}

// Index is the disk-backed index. The full table is resident in
// memory; the log and data files exist to rebuild it on open.
type Index struct {
	dir      string
	logFile  *aof.File
	m        indexMap
	readonly bool

	logSize  int
	throttle MergeThrottle
	// inLog counts records appended since the last merge.
	inLog int
	// parsed tracks how much of the log the map reflects (RO reload).
	parsed int64
	// dataSize is the size of the data file the map reflects.
	dataSize int64
}

func logPath(dir string) string  { return filepath.Join(dir, "log") }
func dataPath(dir string) string { return filepath.Join(dir, "data") }

// Create creates an empty index under dir.
func Create(dir string, overwrite bool, logSize int, throttle MergeThrottle) (*Index, error) {
	if fs.ClassifyPath(dir) == fs.KindNoEnt {
		if err := fs.Mkdir(dir); err != nil {
			return nil, err
		}
	}
	lf, err := aof.CreateRW(logPath(dir), overwrite, 0, aof.FlushProcedure{})
	if err != nil {
		return nil, err
	}
	return &Index{dir: dir, logFile: lf, logSize: logSize, throttle: throttle}, nil
}

// Open opens an existing index under dir.
func Open(dir string, readonly bool, logSize int, throttle MergeThrottle) (*Index, error) {
	t := &Index{dir: dir, readonly: readonly, logSize: logSize, throttle: throttle}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Index) load() error {
	if t.logFile != nil {
		if err := t.logFile.Close(); err != nil {
			return err
		}
	}
	t.m = indexMap{}
	t.inLog = 0
	t.parsed = 0
	t.dataSize = 0

	if err := t.loadFile(dataPath(t.dir), &t.dataSize); err != nil {
		return err
	}

	if err := t.loadFile(logPath(t.dir), &t.parsed); err != nil {
		return err
	}
	t.inLog = int(t.parsed / recordSize)

	var lf *aof.File
	var err error
	switch {
	case t.readonly:
		lf, err = aof.OpenRO(logPath(t.dir), t.parsed)
	case fs.ClassifyPath(logPath(t.dir)) == fs.KindNoEnt:
		// a crash between merge's unlink and recreate leaves no log
		lf, err = aof.CreateRW(logPath(t.dir), false, 0, aof.FlushProcedure{})
	default:
		lf, err = aof.OpenRW(logPath(t.dir), t.parsed, 0, aof.FlushProcedure{})
	}
	if err != nil {
		return err
	}
	t.logFile = lf
	return nil
}

// loadFile parses every record of path into the map, recording the
// parsed size in sizep. A missing file parses as empty.
func (t *Index) loadFile(path string, sizep *int64) error {
	f, err := fs.OpenRO(path)
	if err != nil {
		if errors.Is(err, fs.ErrNoSuchFileOrDirectory) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	size, err := f.Size()
	if err != nil {
		return err
	}
	if size%recordSize != 0 {
		// a torn append leaves a partial trailing record; ignore it
		size -= size % recordSize
	}
	buf := make([]byte, size)
	if size > 0 {
		if err := f.ReadAt(buf, 0); err != nil {
			return err
		}
	}
	for off := int64(0); off < size; off += recordSize {
		h, e := decodeRecord(buf[off : off+recordSize])
		if t.m.get(h) == nil {
			t.m.add(h, e.Offset, e.Length, e.Kind)
		}
	}
	*sizep = size
	return nil
}

func decodeRecord(b []byte) (pack.Hash, Entry) {
	h := pack.HashFromBytes(b[:pack.HashSize])
	return h, Entry{
		Offset: int64(binary.BigEndian.Uint64(b[pack.HashSize:])),
		Length: int64(binary.BigEndian.Uint64(b[pack.HashSize+8:])),
		Kind:   pack.Kind(b[pack.HashSize+16]),
	}
}

func encodeRecord(dst []byte, h pack.Hash, e Entry) {
	copy(dst, h[:])
	binary.BigEndian.PutUint64(dst[pack.HashSize:], uint64(e.Offset))
	binary.BigEndian.PutUint64(dst[pack.HashSize+8:], uint64(e.Length))
	dst[pack.HashSize+16] = byte(e.Kind)
}

// Find returns the record for h.
func (t *Index) Find(h pack.Hash) (Entry, bool) {
	e := t.m.get(h)
	if e == nil {
		return Entry{}, false
	}
	return Entry{Offset: e.offset, Length: e.length, Kind: e.kind}, true
}

// Len returns the number of indexed entries.
func (t *Index) Len() int { return int(t.m.len()) }

// Add registers h. With overcommit set, a due merge is deferred even
// under the block-writes throttle.
func (t *Index) Add(h pack.Hash, e Entry, overcommit bool) error {
	if t.readonly {
		return errors.Wrap(fs.ErrRoNotAllowed, "index")
	}
	if t.m.get(h) != nil {
		return nil
	}
	var rec [recordSize]byte
	encodeRecord(rec[:], h, e)
	if err := t.logFile.Append(rec[:]); err != nil {
		return err
	}
	t.m.add(h, e.Offset, e.Length, e.Kind)
	t.inLog++

	if t.logSize > 0 && t.inLog > t.logSize && t.throttle == BlockWrites && !overcommit {
		return t.merge()
	}
	return nil
}

// merge rewrites the data file with every known record sorted by hash
// and truncates the log.
func (t *Index) merge() error {
	log.Infof("index: merging %d log records", t.inLog)

	n := int(t.m.len())
	entries := make([]*indexEntry, 0, n)
	t.m.foreach(func(e *indexEntry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].hash, entries[j].hash
		return string(a[:]) < string(b[:])
	})

	buf := make([]byte, n*recordSize)
	for i, e := range entries {
		encodeRecord(buf[i*recordSize:], e.hash, Entry{Offset: e.offset, Length: e.length, Kind: e.kind})
	}

	tmp := dataPath(t.dir) + ".tmp"
	f, err := fs.CreateRW(tmp, true)
	if err != nil {
		return err
	}
	if err := f.WriteAt(buf, 0); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Fsync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := fs.Rename(tmp, dataPath(t.dir)); err != nil {
		return err
	}

	if err := t.logFile.Close(); err != nil {
		return err
	}
	if err := fs.Unlink(logPath(t.dir)); err != nil {
		return err
	}
	lf, err := aof.CreateRW(logPath(t.dir), false, 0, aof.FlushProcedure{})
	if err != nil {
		return err
	}
	t.logFile = lf
	t.inLog = 0
	t.parsed = 0
	t.dataSize = int64(len(buf))
	return nil
}

// Flush writes buffered log records to disk.
func (t *Index) Flush(withFsync bool) error {
	if err := t.logFile.Flush(); err != nil {
		return err
	}
	if withFsync {
		return t.logFile.Fsync()
	}
	return nil
}

// Reload refreshes a read-only index from disk. When the files did not
// move, nothing is reparsed; a merge on the writer side forces a full
// reload.
func (t *Index) Reload() error {
	dataSize := int64(0)
	if fs.ClassifyPath(dataPath(t.dir)) == fs.KindFile {
		f, err := fs.OpenRO(dataPath(t.dir))
		if err != nil {
			return err
		}
		dataSize, err = f.Size()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	logEnd := int64(0)
	if fs.ClassifyPath(logPath(t.dir)) == fs.KindFile {
		f, err := fs.OpenRO(logPath(t.dir))
		if err != nil {
			return err
		}
		logEnd, err = f.Size()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	logEnd -= logEnd % recordSize

	if dataSize != t.dataSize || logEnd < t.parsed {
		return t.load()
	}
	if logEnd == t.parsed {
		return nil
	}

	// parse the appended log tail only
	t.logFile.RefreshEndPoff(logEnd)
	buf := make([]byte, logEnd-t.parsed)
	if err := t.logFile.ReadAt(buf, t.parsed); err != nil {
		return err
	}
	for off := 0; off < len(buf); off += recordSize {
		h, e := decodeRecord(buf[off : off+recordSize])
		if t.m.get(h) == nil {
			t.m.add(h, e.Offset, e.Length, e.Kind)
		}
	}
	t.parsed = logEnd
	return nil
}

// Close closes the index files.
func (t *Index) Close() error {
	return t.logFile.Close()
}
