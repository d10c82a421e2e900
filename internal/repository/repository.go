// Package repository is the user-facing assembly of the store: it
// wires the file manager, the pack store and the garbage collector
// behind one configuration, and exposes typed save/load operations for
// contents, trees and commits.
package repository

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/gc"
	"github.com/skyline93/packstore/internal/index"
	"github.com/skyline93/packstore/internal/object"
	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/packstore"
)

// ErrEmptyDirPersistence is reported when an empty tree is saved while
// the configuration forbids it.
var ErrEmptyDirPersistence = errors.New("empty directory persistence is forbidden")

// InodeChildOrder selects how oversized trees bucket their children.
type InodeChildOrder int

const (
	HashBits InodeChildOrder = iota
	SeededHash
	// Custom dispatches to Config.CustomChildOrder.
	Custom
)

// Config enumerates every knob of a repository.
type Config struct {
	Root string
	// Fresh creates the store instead of opening it.
	Fresh bool
	// Overwrite allows Fresh to truncate an existing store.
	Overwrite bool

	IndexingStrategy fm.IndexingStrategy
	MergeThrottle    index.MergeThrottle
	IndexLogSize     int

	DictAutoFlushThreshold   int
	SuffixAutoFlushThreshold int
	UseFsync                 bool
	NoMigrate                bool

	LRUSize        int64
	CheckIntegrity bool

	// Entries is the inode branching factor.
	Entries              int
	ContentsLengthHeader pack.ContentsLengthHeader
	InodeChildOrder      InodeChildOrder
	// CustomChildOrder is the bucketing function used when
	// InodeChildOrder is Custom.
	CustomChildOrder object.ChildOrder

	ForbidEmptyDirPersistence bool
}

const (
	defaultIndexLogSize    = 1 << 16
	defaultDictThreshold   = 1 << 20
	defaultSuffixThreshold = 4 << 20
	defaultLRUSize         = 16 << 20
	defaultEntries         = 32
)

func (cfg *Config) applyDefaults() {
	if cfg.IndexLogSize == 0 {
		cfg.IndexLogSize = defaultIndexLogSize
	}
	if cfg.DictAutoFlushThreshold == 0 {
		cfg.DictAutoFlushThreshold = defaultDictThreshold
	}
	if cfg.SuffixAutoFlushThreshold == 0 {
		cfg.SuffixAutoFlushThreshold = defaultSuffixThreshold
	}
	if cfg.LRUSize == 0 {
		cfg.LRUSize = defaultLRUSize
	}
	if cfg.Entries == 0 {
		cfg.Entries = defaultEntries
	}
}

func (cfg Config) fmConfig() fm.Config {
	return fm.Config{
		Root:                     cfg.Root,
		IndexingStrategy:         cfg.IndexingStrategy,
		MergeThrottle:            cfg.MergeThrottle,
		IndexLogSize:             cfg.IndexLogSize,
		DictAutoFlushThreshold:   cfg.DictAutoFlushThreshold,
		SuffixAutoFlushThreshold: cfg.SuffixAutoFlushThreshold,
		UseFsync:                 cfg.UseFsync,
		NoMigrate:                cfg.NoMigrate,
		ContentsLengthHeader:     cfg.ContentsLengthHeader,
	}
}

// Repository is one open store.
type Repository struct {
	cfg   Config
	store *packstore.Store

	gcRun *gc.GC
}

// OpenRW creates or opens the repository for writing.
func OpenRW(cfg Config) (*Repository, error) {
	cfg.applyDefaults()
	var mgr *fm.FileManager
	var err error
	if cfg.Fresh {
		mgr, err = fm.CreateRW(cfg.Overwrite, cfg.fmConfig())
	} else {
		mgr, err = fm.OpenRW(cfg.fmConfig())
	}
	if err != nil {
		return nil, err
	}
	return newRepository(cfg, mgr), nil
}

// OpenRO opens the repository read-only.
func OpenRO(cfg Config) (*Repository, error) {
	cfg.applyDefaults()
	mgr, err := fm.OpenRO(cfg.fmConfig())
	if err != nil {
		return nil, err
	}
	return newRepository(cfg, mgr), nil
}

func newRepository(cfg Config, mgr *fm.FileManager) *Repository {
	return &Repository{
		cfg: cfg,
		store: packstore.New(mgr, packstore.Options{
			LRUSize:        cfg.LRUSize,
			CheckIntegrity: cfg.CheckIntegrity,
			EnsureUnique:   true,
		}),
	}
}

// Store exposes the underlying pack store.
func (r *Repository) Store() *packstore.Store { return r.store }

// FileManager exposes the underlying file manager.
func (r *Repository) FileManager() *fm.FileManager { return r.store.FileManager() }

// SaveContents persists raw contents and returns its key.
func (r *Repository) SaveContents(data []byte) (*pack.Key, error) {
	return r.store.Add(pack.Contents, data)
}

// LoadContents reads the contents a key refers to.
func (r *Repository) LoadContents(k *pack.Key) ([]byte, bool, error) {
	return r.store.Find(k)
}

// SaveTree persists children as an inode tree and returns the root
// key. Oversized trees spill into non-root inodes per the configured
// branching factor and child order.
func (r *Repository) SaveTree(children []object.InodeChild) (*pack.Key, error) {
	if len(children) == 0 && r.cfg.ForbidEmptyDirPersistence {
		return nil, errors.WithStack(ErrEmptyDirPersistence)
	}
	var order object.ChildOrder
	switch r.cfg.InodeChildOrder {
	case HashBits:
		order = object.HashBitsOrder
	case SeededHash:
		order = object.SeededHashOrder
	case Custom:
		if r.cfg.CustomChildOrder == nil {
			return nil, errors.New("custom inode child order configured without a function")
		}
		order = r.cfg.CustomChildOrder
	}
	return object.BuildInodeTree(children, r.cfg.Entries, order, r.FileManager().Dict(), r.store.Add)
}

// LoadTree decodes the inode at key.
func (r *Repository) LoadTree(k *pack.Key) (*object.Inode, bool, error) {
	payload, ok, err := r.store.Find(k)
	if err != nil || !ok {
		return nil, ok, err
	}
	n, err := object.DecodeInode(payload, r.FileManager().Dict())
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

// SaveCommit persists a commit over the given root tree and parents.
// Indexed parents resolve through the index; a parent that resolves
// nowhere cannot be committed against.
func (r *Repository) SaveCommit(root *pack.Key, parents []*pack.Key, message string) (*pack.Key, error) {
	rootOff, _, ok := root.Direct()
	if !ok {
		e, found := r.store.IndexDirect(root.Hash())
		if !found {
			return nil, errors.Wrapf(packstore.ErrDanglingKey, "commit root %s", root.Hash().Str())
		}
		root.Promote(e.Offset, e.Length)
		rootOff = e.Offset
	}
	parentOffs, err := object.ResolveParents(parents, func(h pack.Hash) (int64, int64, bool) {
		e, ok := r.store.IndexDirect(h)
		return e.Offset, e.Length, ok
	})
	if err != nil {
		return nil, err
	}
	payload := object.EncodeCommit(&object.Commit{
		RootOffset:    rootOff,
		ParentOffsets: parentOffs,
		Message:       message,
	})
	return r.store.Add(pack.CommitV2, payload)
}

// LoadCommit decodes the commit at key.
func (r *Repository) LoadCommit(k *pack.Key) (*object.Commit, bool, error) {
	payload, ok, err := r.store.Find(k)
	if err != nil || !ok {
		return nil, ok, err
	}
	c, err := object.DecodeCommit(payload)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// CheckStats summarises an integrity walk.
type CheckStats struct {
	Objects int
	Bytes   int64
}

// IntegrityCheckFromCommit walks every entry reachable from the commit
// and verifies that each one hashes to the digest stored in its
// prefix. Dangling parent stubs terminate the walk like the collector
// does; any mismatch surfaces as a corrupted-store error.
func (r *Repository) IntegrityCheckFromCommit(commitKey *pack.Key) (*CheckStats, error) {
	if !commitKey.IsDirect() {
		e, ok := r.store.IndexDirect(commitKey.Hash())
		if !ok {
			return nil, errors.Wrapf(packstore.ErrDanglingKey, "commit %s", commitKey.Hash().Str())
		}
		commitKey.Promote(e.Offset, e.Length)
	}
	commitOff, _, _ := commitKey.Direct()

	stats := &CheckStats{}
	visited := make(map[int64]struct{})
	stack := []int64{commitOff}
	for len(stack) > 0 {
		off := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[off]; ok {
			continue
		}
		visited[off] = struct{}{}

		key, err := r.store.KeyOfOffset(off)
		if err != nil {
			return stats, err
		}
		kind, payload, length, err := r.store.EntryAt(off)
		if err != nil {
			return stats, err
		}
		if kind != pack.DanglingParentCommit {
			if err := r.store.IntegrityCheck(off, length, key.Hash()); err != nil {
				return stats, err
			}
		}
		stats.Objects++
		stats.Bytes += length

		children, err := object.ChildOffsets(kind, payload)
		if err != nil {
			return stats, err
		}
		stack = append(stack, children...)

		// unlike the collector, the check follows surviving parent
		// commits; collected ones read as stubs and stop the walk
		if kind.IsCommit() {
			commit, err := object.DecodeCommit(payload)
			if err != nil {
				return stats, err
			}
			stack = append(stack, commit.ParentOffsets...)
		}
	}
	return stats, nil
}

// Batch groups writes into one flush.
func (r *Repository) Batch(f func() error) error { return r.store.Batch(f) }

// Flush forces the three-stage flush.
func (r *Repository) Flush() error { return r.store.Flush() }

// Split starts a new suffix chunk.
func (r *Repository) Split() error { return r.store.Split() }

// Reload refreshes a read-only repository from disk.
func (r *Repository) Reload() error { return r.FileManager().Reload() }

// StartGC launches a collection keeping what the commit can reach.
func (r *Repository) StartGC(ctx context.Context, commitKey *pack.Key) (*gc.GC, error) {
	run, err := gc.Start(ctx, r.store, commitKey, true)
	if err != nil {
		return nil, err
	}
	r.gcRun = run
	return run, nil
}

// GCWait blocks until the current collection finishes and is swapped
// in.
func (r *Repository) GCWait(ctx context.Context) (*gc.Stats, error) {
	if r.gcRun == nil {
		return nil, errors.New("no gc is running")
	}
	return r.gcRun.Wait(ctx)
}

// Close flushes and closes the repository.
func (r *Repository) Close() error {
	if !r.FileManager().Readonly() {
		if err := r.store.Flush(); err != nil {
			log.Errorf("flush on close: %v", err)
		}
	}
	return r.store.Close()
}
