// Package packstore implements the content-addressed store over the
// file manager: add appends entries to the suffix and stages them in
// memory, find resolves keys through staging, the LRU and the
// dispatcher, and batch scopes a group of writes to one flush.
package packstore

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/dispatch"
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/index"
	"github.com/skyline93/packstore/internal/pack"
)

var (
	ErrClosed                    = errors.New("store is closed")
	ErrCorruptedStore            = errors.New("corrupted store")
	ErrDanglingKey               = errors.New("dangling key")
	ErrGcForbiddenDuringBatch    = errors.New("gc forbidden during batch")
	ErrSplitForbiddenDuringBatch = errors.New("split forbidden during batch")
)

// Options tunes one store instance.
type Options struct {
	// LRUSize is the cache capacity in bytes.
	LRUSize int64
	// CheckIntegrity rehashes every value read from disk.
	CheckIntegrity bool
	// EnsureUnique suppresses duplicate appends of indexed kinds.
	EnsureUnique bool
}

// Store is the content-addressed pack store.
type Store struct {
	mu   sync.Mutex
	fm   *fm.FileManager
	disp *dispatch.Dispatcher
	opts Options

	staging map[pack.Hash][]byte
	cache   *lru

	inBatch bool
	closed  bool
}

// New builds a store over mgr. The store registers itself as a suffix
// consumer so staging drops entries once they are flushed.
func New(mgr *fm.FileManager, opts Options) *Store {
	s := &Store{
		fm:      mgr,
		disp:    dispatch.New(mgr),
		opts:    opts,
		staging: make(map[pack.Hash][]byte),
		cache:   newLRU(opts.LRUSize),
	}
	mgr.RegisterSuffixConsumer(s.afterFlush)
	mgr.RegisterDictConsumer(s.afterReload)
	return s
}

// afterFlush clears staging: everything staged is now readable from the
// suffix.
func (s *Store) afterFlush() error {
	s.staging = make(map[pack.Hash][]byte)
	return nil
}

// afterReload drops cached state that may predate the reloaded layout.
func (s *Store) afterReload() error {
	s.cache.purge()
	return nil
}

// FileManager returns the manager the store is built on.
func (s *Store) FileManager() *fm.FileManager { return s.fm }

// Dispatcher returns the store's read dispatcher.
func (s *Store) Dispatcher() *dispatch.Dispatcher { return s.disp }

// InBatch reports whether a batch is currently open.
func (s *Store) InBatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inBatch
}

// Add appends a value payload of the given kind and returns its key.
// With EnsureUnique set and an indexed kind already present, the
// existing entry wins and no bytes are appended.
func (s *Store) Add(kind pack.Kind, payload []byte) (*pack.Key, error) {
	return s.append(kind, payload, s.opts.EnsureUnique, false)
}

// UnsafeAppend appends without the uniqueness probe; overcommit defers
// index merging.
func (s *Store) UnsafeAppend(kind pack.Kind, payload []byte, overcommit bool) (*pack.Key, error) {
	return s.append(kind, payload, false, overcommit)
}

func (s *Store) append(kind pack.Kind, payload []byte, ensureUnique, overcommit bool) (*pack.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	if !kind.Valid() {
		return nil, errors.Wrapf(pack.ErrInvalidKind, "add: 0x%02x", byte(kind))
	}

	h := pack.HashOf(payload)
	strategy := s.fm.Strategy().Func()
	useIndex := strategy(int64(len(payload)), kind)

	if ensureUnique && useIndex {
		if _, ok := s.fm.Index().Find(h); ok {
			return pack.NewIndexedKey(h), nil
		}
		if _, ok := s.staging[h]; ok {
			return pack.NewIndexedKey(h), nil
		}
	}

	start := s.fm.Suffix().EndOffset()
	header := pack.EncodeHeader(nil, h, kind, int64(len(payload)), s.fm.ContentsHeader())
	if err := s.fm.Suffix().Append(header); err != nil {
		return nil, err
	}
	if err := s.fm.Suffix().Append(payload); err != nil {
		return nil, err
	}
	length := s.fm.Suffix().EndOffset() - start

	key := pack.NewDirectKey(h, start, length)
	if useIndex {
		if err := s.fm.Index().Add(h, index.Entry{Offset: start, Length: length, Kind: kind}, overcommit); err != nil {
			return nil, err
		}
	}
	s.staging[h] = payload
	s.cache.add(start, payload)
	log.Debugf("add %v %s at %d+%d", kind, h.Str(), start, length)
	return key, nil
}

// Find returns the payload the key refers to. An indexed key is
// promoted in place on its first successful resolution.
func (s *Store) Find(k *pack.Key) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(k)
}

func (s *Store) find(k *pack.Key) ([]byte, bool, error) {
	if s.closed {
		return nil, false, errors.WithStack(ErrClosed)
	}
	if v, ok := s.staging[k.Hash()]; ok {
		return v, true, nil
	}
	if !k.IsDirect() {
		e, ok := s.fm.Index().Find(k.Hash())
		if !ok {
			return nil, false, nil
		}
		k.Promote(e.Offset, e.Length)
	}
	off, length, _ := k.Direct()
	if v, ok := s.cache.get(off); ok {
		return v, true, nil
	}

	payload, err := s.readEntry(off, length, k.Hash())
	if err != nil {
		return nil, false, err
	}
	s.cache.add(off, payload)
	return payload, true, nil
}

// readEntry reads a full entry and returns the payload after verifying
// the stored hash against want.
func (s *Store) readEntry(off, length int64, want pack.Hash) ([]byte, error) {
	buf := make([]byte, length)
	if err := s.disp.ReadAt(buf, off); err != nil {
		return nil, err
	}
	prefix, err := pack.DecodePrefix(buf, s.fm.ContentsHeader())
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptedStore, "offset %d: %v", off, err)
	}
	if !want.IsNull() && prefix.Hash != want {
		return nil, errors.Wrapf(ErrCorruptedStore,
			"offset %d: hash mismatch, want %s got %s", off, want.Str(), prefix.Hash.Str())
	}
	payload := buf[s.headerSize(prefix.Kind, buf):]
	if s.opts.CheckIntegrity {
		if got := pack.HashOf(payload); got != prefix.Hash {
			return nil, errors.Wrapf(ErrCorruptedStore,
				"offset %d: payload does not hash to %s", off, prefix.Hash.Str())
		}
	}
	return payload, nil
}

// headerSize computes the header length of the entry in buf.
func (s *Store) headerSize(kind pack.Kind, buf []byte) int64 {
	if kind.Header(s.fm.ContentsHeader()) == pack.LengthNone {
		return pack.MinPrefixSize
	}
	_, n := binary.Uvarint(buf[pack.MinPrefixSize:])
	return pack.MinPrefixSize + int64(n)
}

// Mem reports whether the key's entry exists in the store. The on-disk
// probe reads only hash and kind.
func (s *Store) Mem(k *pack.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.WithStack(ErrClosed)
	}
	if _, ok := s.staging[k.Hash()]; ok {
		return true, nil
	}
	if !k.IsDirect() {
		e, ok := s.fm.Index().Find(k.Hash())
		if !ok {
			return false, nil
		}
		k.Promote(e.Offset, e.Length)
	}
	off, _, _ := k.Direct()
	if _, ok := s.cache.get(off); ok {
		return true, nil
	}

	var buf [pack.MinPrefixSize]byte
	err := s.disp.ReadAt(buf[:], off)
	switch {
	case errors.Is(err, fs.ErrReadOutOfBounds),
		errors.Is(err, dispatch.ErrInvalidReadOfGcedObject):
		return false, nil
	case err != nil:
		return false, err
	}
	kind := pack.Kind(buf[pack.HashSize])
	if kind == pack.DanglingParentCommit {
		return false, nil
	}
	if got := pack.HashFromBytes(buf[:pack.HashSize]); got != k.Hash() {
		return false, errors.Wrapf(ErrCorruptedStore,
			"offset %d: hash mismatch, want %s got %s", off, k.Hash().Str(), got.Str())
	}
	return true, nil
}

// IndexDirect returns the index record for h, if the indexing strategy
// elected to register it.
func (s *Store) IndexDirect(h pack.Hash) (index.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fm.Index().Find(h)
}

// KeyOfOffset builds a key for the entry at off by reading only its
// prefix. Entries whose kind carries a length header come back direct;
// the rest come back indexed and resolve through the index later. A
// dangling parent commit reads as a commit for length purposes.
func (s *Store) KeyOfOffset(off int64) (*pack.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyOfOffset(off)
}

func (s *Store) keyOfOffset(off int64) (*pack.Key, error) {
	if s.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	var buf [pack.MaxPrefixSize]byte
	n, err := s.disp.ReadRangeAt(buf[:], off, pack.MinPrefixSize)
	if err != nil {
		return nil, err
	}
	prefix, err := pack.DecodePrefix(buf[:n], s.fm.ContentsHeader())
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptedStore, "offset %d: %v", off, err)
	}
	if prefix.HasLength() {
		return pack.NewDirectKey(prefix.Hash, off, prefix.TotalLength), nil
	}
	return pack.NewIndexedKey(prefix.Hash), nil
}

// EntryAt reads the whole entry at off and returns its kind, payload
// and total length. Entries without a length header resolve their
// length through the index; a miss there is a dangling reference.
func (s *Store) EntryAt(off int64) (pack.Kind, []byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.keyOfOffset(off)
	if err != nil {
		return 0, nil, 0, err
	}
	if !k.IsDirect() {
		e, ok := s.fm.Index().Find(k.Hash())
		if !ok {
			return 0, nil, 0, errors.Wrapf(ErrDanglingKey, "offset %d, hash %s", off, k.Hash().Str())
		}
		k.Promote(e.Offset, e.Length)
	}
	_, length, _ := k.Direct()
	buf := make([]byte, length)
	if err := s.disp.ReadAt(buf, off); err != nil {
		return 0, nil, 0, err
	}
	kind := pack.Kind(buf[pack.HashSize])
	if !kind.Valid() {
		return 0, nil, 0, errors.Wrapf(ErrCorruptedStore, "offset %d: invalid kind", off)
	}
	return kind, buf[s.headerSize(kind, buf):], length, nil
}

// IntegrityCheck verifies that the entry at (off, length) hashes to
// expected.
func (s *Store) IntegrityCheck(off, length int64, expected pack.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WithStack(ErrClosed)
	}
	payload, err := s.readEntry(off, length, expected)
	if err != nil {
		return err
	}
	if got := pack.HashOf(payload); got != expected {
		return errors.Wrapf(ErrCorruptedStore, "offset %d: integrity check failed", off)
	}
	return nil
}

// PurgeLRU empties the cache; the garbage collector calls it after a
// swap so no stale offsets survive.
func (s *Store) PurgeLRU() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.purge()
}

// Batch runs f and flushes the file manager when it returns. A failing
// f still gets a best-effort flush so previously staged entries are not
// lost, then its error is returned.
func (s *Store) Batch(f func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WithStack(ErrClosed)
	}
	if s.inBatch {
		s.mu.Unlock()
		return errors.New("nested batch")
	}
	s.inBatch = true
	s.mu.Unlock()

	err := f()

	s.mu.Lock()
	s.inBatch = false
	s.mu.Unlock()

	ferr := s.fm.Flush()
	if err != nil {
		if ferr != nil {
			log.Errorf("flush after failed batch: %v", ferr)
		}
		return err
	}
	return ferr
}

// Flush forwards to the file manager's full flush.
func (s *Store) Flush() error {
	return s.fm.Flush()
}

// Split starts a new suffix chunk. Splitting inside a batch is
// forbidden: the chunk boundary must fall between entries of a flushed
// suffix.
func (s *Store) Split() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WithStack(ErrClosed)
	}
	if s.inBatch {
		return errors.WithStack(ErrSplitForbiddenDuringBatch)
	}
	return s.fm.Split()
}

// Close closes the store and its file manager.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WithStack(ErrClosed)
	}
	s.closed = true
	return s.fm.Close()
}
