// Package fm implements the file manager, the single authority over
// every file of a store: control file, dict, chunked suffix, optional
// prefix and mapping, and the index. It enforces the three-stage flush
// ordering, the reload and swap protocols, and the crash-consistency
// contracts between the files.
package fm

import (
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/aof"
	"github.com/skyline93/packstore/internal/control"
	"github.com/skyline93/packstore/internal/dict"
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/index"
	"github.com/skyline93/packstore/internal/layout"
	"github.com/skyline93/packstore/internal/mapping"
	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/suffix"
)

var (
	ErrInvalidLayout                      = errors.New("invalid store layout")
	ErrMigrationNeeded                    = errors.New("store needs migration from the legacy pack layout")
	ErrOnlyMinimalIndexingStrategyAllowed = errors.New("a gced store only supports the minimal indexing strategy")
)

// legacyHeaderSize is the fixed header carried by v1/v2 pack and dict
// files; logical offsets skip it after migration.
const legacyHeaderSize = 16

// IndexingStrategy selects which entries get registered in the index.
type IndexingStrategy int

const (
	// MinimalIndexing registers commits only; required for GC.
	MinimalIndexing IndexingStrategy = iota
	// AlwaysIndexing registers every entry; GC becomes permanently
	// unavailable once a flush records it.
	AlwaysIndexing
)

// Func returns the strategy as the index's decision function.
func (s IndexingStrategy) Func() index.Strategy {
	if s == MinimalIndexing {
		return index.Minimal
	}
	return index.Always
}

// Config bundles everything needed to create or open a store's files.
type Config struct {
	Root                     string
	IndexingStrategy         IndexingStrategy
	MergeThrottle            index.MergeThrottle
	IndexLogSize             int
	DictAutoFlushThreshold   int
	SuffixAutoFlushThreshold int
	UseFsync                 bool
	NoMigrate                bool
	ContentsLengthHeader     pack.ContentsLengthHeader
}

// FileManager owns every file of one store.
type FileManager struct {
	cfg      Config
	readonly bool

	control *control.ControlFile
	dict    *dict.Dict
	suffix  *suffix.Suffix
	prefix  *mapping.Prefix
	mapping *mapping.Mapping
	index   *index.Index

	// constructed turns true once every child exists; auto-flush
	// callbacks fired during construction no-op until then.
	constructed bool

	suffixConsumers []func() error
	dictConsumers   []func() error
	reloadHook      func(step int)
}

func indexDir(root string) string { return filepath.Join(root, "index") }

// CreateRW creates a fresh store under cfg.Root. With overwrite unset,
// an existing store is an error.
func CreateRW(overwrite bool, cfg Config) (*FileManager, error) {
	switch fs.ClassifyPath(cfg.Root) {
	case fs.KindNoEnt:
		if err := fs.Mkdir(cfg.Root); err != nil {
			return nil, err
		}
	case fs.KindDirectory:
		if !overwrite && fs.ClassifyPath(layout.Control(cfg.Root)) != fs.KindNoEnt {
			return nil, errors.Wrap(fs.ErrFileExists, cfg.Root)
		}
	default:
		return nil, errors.Wrapf(ErrInvalidLayout, "%s is not a directory", cfg.Root)
	}

	fm := &FileManager{cfg: cfg}

	pl := control.Payload{
		Status:        control.NoGCYet{},
		ChunkStartIdx: 0,
		ChunkNum:      1,
	}
	ctl, err := control.CreateRW(layout.Control(cfg.Root), overwrite, pl, cfg.UseFsync)
	if err != nil {
		return nil, err
	}
	fm.control = ctl
	if err := fs.TryLockExclusive(ctl.File()); err != nil {
		_ = ctl.Close()
		return nil, err
	}

	dictAO, err := aof.CreateRW(layout.Dict(cfg.Root), overwrite, cfg.DictAutoFlushThreshold,
		aof.FlushProcedure{Callback: fm.dictAutoFlush})
	if err != nil {
		fm.closeBestEffort()
		return nil, err
	}
	fm.dict, err = dict.New(dictAO)
	if err != nil {
		_ = dictAO.Close()
		fm.closeBestEffort()
		return nil, err
	}

	fm.suffix, err = suffix.CreateRW(cfg.Root, overwrite, cfg.SuffixAutoFlushThreshold,
		aof.FlushProcedure{Callback: fm.suffixAutoFlush})
	if err != nil {
		fm.closeBestEffort()
		return nil, err
	}

	fm.index, err = index.Create(indexDir(cfg.Root), overwrite, cfg.IndexLogSize, cfg.MergeThrottle)
	if err != nil {
		fm.closeBestEffort()
		return nil, err
	}

	fm.constructed = true
	log.Infof("created store at %s", cfg.Root)
	return fm, nil
}

// OpenRW opens an existing store for writing, migrating a legacy
// monolithic pack first when one is found and migration is allowed.
func OpenRW(cfg Config) (*FileManager, error) {
	if fs.ClassifyPath(cfg.Root) != fs.KindDirectory {
		return nil, errors.Wrap(fs.ErrNotADirectory, cfg.Root)
	}
	haveControl := fs.ClassifyPath(layout.Control(cfg.Root)) == fs.KindFile
	haveLegacy := fs.ClassifyPath(layout.LegacyPack(cfg.Root)) == fs.KindFile
	switch {
	case haveControl:
	case haveLegacy && cfg.NoMigrate:
		return nil, errors.Wrap(ErrMigrationNeeded, cfg.Root)
	case haveLegacy:
		if err := migrateLegacy(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrap(fs.ErrNoSuchFileOrDirectory, layout.Control(cfg.Root))
	}
	return open(cfg, false)
}

// OpenRO opens a store read-only. No file is ever mutated.
func OpenRO(cfg Config) (*FileManager, error) {
	if fs.ClassifyPath(cfg.Root) != fs.KindDirectory {
		return nil, errors.Wrap(fs.ErrNotADirectory, cfg.Root)
	}
	if fs.ClassifyPath(layout.Control(cfg.Root)) != fs.KindFile {
		if fs.ClassifyPath(layout.LegacyPack(cfg.Root)) == fs.KindFile {
			return nil, errors.Wrap(ErrMigrationNeeded, cfg.Root)
		}
		return nil, errors.Wrap(fs.ErrNoSuchFileOrDirectory, layout.Control(cfg.Root))
	}
	return open(cfg, true)
}

// migrateLegacy moves the monolithic pack into place as suffix chunk 0
// and writes a control file recording the upgrade.
func migrateLegacy(cfg Config) error {
	legacy := layout.LegacyPack(cfg.Root)
	f, err := fs.OpenRO(legacy)
	if err != nil {
		return err
	}
	size, err := f.Size()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if size < legacyHeaderSize {
		return errors.Wrapf(ErrInvalidLayout, "legacy pack too small: %d bytes", size)
	}

	dictEnd := int64(0)
	if fs.ClassifyPath(layout.Dict(cfg.Root)) == fs.KindNoEnt {
		// a legacy store may predate the dict; give it one carrying
		// the same dead header so offset arithmetic stays uniform
		df, err := fs.CreateRW(layout.Dict(cfg.Root), false)
		if err != nil {
			return err
		}
		if err := df.WriteAt(make([]byte, legacyHeaderSize), 0); err != nil {
			_ = df.Close()
			return err
		}
		if err := df.Close(); err != nil {
			return err
		}
	}
	if fs.ClassifyPath(layout.Dict(cfg.Root)) == fs.KindFile {
		df, err := fs.OpenRO(layout.Dict(cfg.Root))
		if err != nil {
			return err
		}
		dictSize, err := df.Size()
		if cerr := df.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		dictEnd = dictSize - legacyHeaderSize
	}

	log.Infof("migrating legacy pack (%d bytes) to %s", size, layout.Suffix(cfg.Root, 0))
	if err := fs.Rename(legacy, layout.Suffix(cfg.Root, 0)); err != nil {
		return err
	}

	pl := control.Payload{
		DictEndPoff:   dictEnd,
		SuffixEndPoff: size - legacyHeaderSize,
		Status:        control.FromV1V2PostUpgrade{EntryOffsetAtUpgrade: size},
		ChunkStartIdx: 0,
		ChunkNum:      1,
	}
	ctl, err := control.CreateRW(layout.Control(cfg.Root), false, pl, cfg.UseFsync)
	if err != nil {
		return err
	}
	return ctl.Close()
}

func open(cfg Config, readonly bool) (*FileManager, error) {
	fm := &FileManager{cfg: cfg, readonly: readonly}

	ctl, err := control.Open(layout.Control(cfg.Root), readonly, cfg.UseFsync)
	if err != nil {
		return nil, err
	}
	fm.control = ctl
	pl := ctl.Payload()

	if _, reserved := pl.Status.(control.Reserved); reserved && !readonly {
		_ = ctl.Close()
		return nil, errors.WithStack(control.ErrUnknownStatus)
	}
	if _, gced := pl.Status.(control.Gced); gced && !readonly && cfg.IndexingStrategy != MinimalIndexing {
		_ = ctl.Close()
		return nil, errors.WithStack(ErrOnlyMinimalIndexingStrategyAllowed)
	}
	if !readonly {
		if err := fs.TryLockExclusive(ctl.File()); err != nil {
			_ = ctl.Close()
			return nil, err
		}
	}

	deadHeader := int64(0)
	if _, legacy := pl.Status.(control.FromV1V2PostUpgrade); legacy {
		deadHeader = legacyHeaderSize
	}

	var dictAO *aof.File
	if readonly {
		dictAO, err = aof.OpenROHeader(layout.Dict(cfg.Root), pl.DictEndPoff, deadHeader)
	} else {
		dictAO, err = aof.OpenRWHeader(layout.Dict(cfg.Root), pl.DictEndPoff, deadHeader,
			cfg.DictAutoFlushThreshold, aof.FlushProcedure{Callback: fm.dictAutoFlush})
	}
	if err != nil {
		fm.closeBestEffort()
		return nil, err
	}
	fm.dict, err = dict.New(dictAO)
	if err != nil {
		_ = dictAO.Close()
		fm.closeBestEffort()
		return nil, err
	}

	params := suffix.Params{
		StartIdx:       pl.ChunkStartIdx,
		ChunkNum:       pl.ChunkNum,
		EndPoff:        pl.SuffixEndPoff,
		StartOffset:    pl.SuffixStartOffset(),
		DeadBytes:      pl.SuffixDeadBytes(),
		DeadHeaderSize: deadHeader,
	}
	if readonly {
		fm.suffix, err = suffix.OpenRO(cfg.Root, params)
	} else {
		fm.suffix, err = suffix.OpenRW(cfg.Root, params, cfg.SuffixAutoFlushThreshold,
			aof.FlushProcedure{Callback: fm.suffixAutoFlush})
	}
	if err != nil {
		fm.closeBestEffort()
		return nil, err
	}

	if gen := pl.Generation(); gen > 0 {
		fm.prefix, err = mapping.OpenPrefix(layout.Prefix(cfg.Root, gen))
		if err != nil {
			fm.closeBestEffort()
			return nil, err
		}
		fm.mapping, err = mapping.Open(layout.Mapping(cfg.Root, gen))
		if err != nil {
			fm.closeBestEffort()
			return nil, err
		}
	}

	fm.index, err = index.Open(indexDir(cfg.Root), readonly, cfg.IndexLogSize, cfg.MergeThrottle)
	if err != nil {
		fm.closeBestEffort()
		return nil, err
	}

	fm.constructed = true
	return fm, nil
}

func (fm *FileManager) closeBestEffort() {
	if fm.index != nil {
		_ = fm.index.Close()
	}
	if fm.mapping != nil {
		fm.mapping = nil
	}
	if fm.prefix != nil {
		_ = fm.prefix.Close()
	}
	if fm.suffix != nil {
		_ = fm.suffix.Close()
	}
	if fm.dict != nil {
		_ = fm.dict.Close()
	}
	if fm.control != nil {
		_ = fm.control.Close()
	}
}

// Accessors.

func (fm *FileManager) Root() string { return fm.cfg.Root }

func (fm *FileManager) Readonly() bool { return fm.readonly }

func (fm *FileManager) UseFsync() bool { return fm.cfg.UseFsync }

func (fm *FileManager) Dict() *dict.Dict { return fm.dict }

func (fm *FileManager) Suffix() *suffix.Suffix { return fm.suffix }

func (fm *FileManager) Index() *index.Index { return fm.index }

func (fm *FileManager) Prefix() *mapping.Prefix { return fm.prefix }

func (fm *FileManager) Mapping() *mapping.Mapping { return fm.mapping }

func (fm *FileManager) Payload() control.Payload { return fm.control.Payload() }

func (fm *FileManager) Generation() int { return fm.control.Payload().Generation() }

func (fm *FileManager) Strategy() IndexingStrategy { return fm.cfg.IndexingStrategy }

func (fm *FileManager) ContentsHeader() pack.ContentsLengthHeader {
	return fm.cfg.ContentsLengthHeader
}

// RegisterSuffixConsumer adds a callback run after each suffix flush.
func (fm *FileManager) RegisterSuffixConsumer(cb func() error) {
	fm.suffixConsumers = append(fm.suffixConsumers, cb)
}

// RegisterDictConsumer adds a callback run after each reload that
// changed the store state, so derived views can refresh.
func (fm *FileManager) RegisterDictConsumer(cb func() error) {
	fm.dictConsumers = append(fm.dictConsumers, cb)
}

// SetReloadHook installs a test hook fired between reload steps.
func (fm *FileManager) SetReloadHook(hook func(step int)) {
	fm.reloadHook = hook
}

func (fm *FileManager) dictAutoFlush() error {
	if !fm.constructed {
		return nil
	}
	return fm.FlushDict()
}

func (fm *FileManager) suffixAutoFlush() error {
	if !fm.constructed {
		return nil
	}
	return fm.FlushSuffixAndDeps()
}

// FlushDict is flush stage 1: dict bytes reach the disk before the
// control file records the new dict end offset.
func (fm *FileManager) FlushDict() error {
	if fm.dict.EmptyBuffer() {
		return nil
	}
	if err := fm.dict.Flush(); err != nil {
		return err
	}
	if fm.cfg.UseFsync {
		if err := fm.dict.Fsync(); err != nil {
			return err
		}
	}
	pl := fm.control.Payload()
	pl.DictEndPoff = fm.dict.EndPoff()
	return fm.control.SetPayload(pl)
}

// FlushSuffixAndDeps is flush stage 2: stage 1 first, then the suffix,
// then the control file, so every persisted suffix offset is backed by
// bytes already on disk.
func (fm *FileManager) FlushSuffixAndDeps() error {
	if err := fm.FlushDict(); err != nil {
		return err
	}
	if fm.suffix.EmptyBuffer() {
		return nil
	}
	if err := fm.suffix.Flush(); err != nil {
		return err
	}
	if fm.cfg.UseFsync {
		if err := fm.suffix.Fsync(); err != nil {
			return err
		}
	}
	pl := fm.control.Payload()
	pl.SuffixEndPoff = fm.suffix.EndPoff()
	if _, noGC := pl.Status.(control.NoGCYet); noGC && fm.cfg.IndexingStrategy != MinimalIndexing {
		pl.Status = control.UsedNonMinimalIndexingStrategy{}
	}
	if err := fm.control.SetPayload(pl); err != nil {
		return err
	}
	for _, cb := range fm.suffixConsumers {
		if err := cb(); err != nil {
			return err
		}
	}
	return nil
}

// Flush is flush stage 3: stages 1 and 2, then the index, so every
// index record references a persisted suffix offset.
func (fm *FileManager) Flush() error {
	if err := fm.FlushSuffixAndDeps(); err != nil {
		return err
	}
	return fm.index.Flush(fm.cfg.UseFsync)
}

// Reload refreshes the manager from disk. Nothing reopens when the
// control payload did not change.
func (fm *FileManager) Reload() error {
	if err := fm.index.Reload(); err != nil {
		return err
	}
	fm.hook(1)

	prev := fm.control.Payload()
	if err := fm.control.Reload(); err != nil {
		return err
	}
	pl := fm.control.Payload()
	if pl.Equal(prev) {
		return nil
	}
	fm.hook(2)

	if pl.ChunkStartIdx != prev.ChunkStartIdx || pl.ChunkNum != prev.ChunkNum ||
		pl.Generation() != prev.Generation() {
		if pl.Generation() != prev.Generation() {
			if err := fm.reopenPrefixAndMapping(pl.Generation()); err != nil {
				return err
			}
		}
		if err := fm.reopenSuffix(pl); err != nil {
			return err
		}
	}
	fm.hook(3)

	fm.suffix.RefreshEndPoff(pl.SuffixEndPoff)
	if err := fm.dict.Refresh(pl.DictEndPoff); err != nil {
		return err
	}
	fm.hook(4)

	for _, cb := range fm.dictConsumers {
		if err := cb(); err != nil {
			return err
		}
	}
	return nil
}

func (fm *FileManager) hook(step int) {
	if fm.reloadHook != nil {
		fm.reloadHook(step)
	}
}

func (fm *FileManager) reopenPrefixAndMapping(gen int) error {
	if fm.prefix != nil {
		if err := fm.prefix.Close(); err != nil {
			return err
		}
		fm.prefix = nil
		fm.mapping = nil
	}
	if gen == 0 {
		return nil
	}
	p, err := mapping.OpenPrefix(layout.Prefix(fm.cfg.Root, gen))
	if err != nil {
		return err
	}
	m, err := mapping.Open(layout.Mapping(fm.cfg.Root, gen))
	if err != nil {
		_ = p.Close()
		return err
	}
	fm.prefix = p
	fm.mapping = m
	return nil
}

func (fm *FileManager) reopenSuffix(pl control.Payload) error {
	deadHeader := int64(0)
	if _, legacy := pl.Status.(control.FromV1V2PostUpgrade); legacy {
		deadHeader = legacyHeaderSize
	}
	params := suffix.Params{
		StartIdx:       pl.ChunkStartIdx,
		ChunkNum:       pl.ChunkNum,
		EndPoff:        pl.SuffixEndPoff,
		StartOffset:    pl.SuffixStartOffset(),
		DeadBytes:      pl.SuffixDeadBytes(),
		DeadHeaderSize: deadHeader,
	}
	var next *suffix.Suffix
	var err error
	if fm.readonly {
		next, err = suffix.OpenRO(fm.cfg.Root, params)
	} else {
		next, err = suffix.OpenRW(fm.cfg.Root, params, fm.cfg.SuffixAutoFlushThreshold,
			aof.FlushProcedure{Callback: fm.suffixAutoFlush})
	}
	if err != nil {
		return err
	}
	if err := fm.suffix.Close(); err != nil {
		_ = next.Close()
		return err
	}
	fm.suffix = next
	return nil
}

// SwapParams carries the layout published by a completed GC.
type SwapParams struct {
	Generation           int
	SuffixStartOffset    int64
	ChunkStartIdx        int
	ChunkNum             int
	SuffixDeadBytes      int64
	LatestGCTargetOffset int64
}

// Swap publishes a completed GC: the new prefix and mapping are opened
// first, then the suffix window, and the control payload is updated
// last, mirroring the order readers reopen in on reload.
func (fm *FileManager) Swap(p SwapParams) error {
	if fm.readonly {
		return errors.Wrap(fs.ErrRoNotAllowed, "swap")
	}
	if !fm.suffix.EmptyBuffer() {
		return errors.Wrap(aof.ErrPendingFlush, "swap")
	}
	log.Infof("swap: generation %d, suffix start %d, chunks [%d,%d)",
		p.Generation, p.SuffixStartOffset, p.ChunkStartIdx, p.ChunkStartIdx+p.ChunkNum)

	if err := fm.reopenPrefixAndMapping(p.Generation); err != nil {
		return err
	}

	pl := fm.control.Payload()
	pl.Status = control.Gced{
		SuffixStartOffset:    p.SuffixStartOffset,
		Generation:           p.Generation,
		LatestGCTargetOffset: p.LatestGCTargetOffset,
		SuffixDeadBytes:      p.SuffixDeadBytes,
	}
	pl.ChunkStartIdx = p.ChunkStartIdx
	pl.ChunkNum = p.ChunkNum
	if err := fm.reopenSuffix(pl); err != nil {
		return err
	}

	return fm.control.SetPayload(pl)
}

// Split starts a fresh empty chunk; the garbage collector uses the
// boundary to partition live bytes from newly appended ones.
func (fm *FileManager) Split() error {
	if fm.readonly {
		return errors.Wrap(fs.ErrRoNotAllowed, "split")
	}
	if err := fm.FlushSuffixAndDeps(); err != nil {
		return err
	}
	if err := fm.suffix.AddChunk(); err != nil {
		return err
	}
	pl := fm.control.Payload()
	pl.ChunkNum++
	pl.SuffixEndPoff = 0
	return fm.control.SetPayload(pl)
}

// Cleanup removes residual files: prefixes and mappings of other
// generations, suffix chunks outside the live window, and worker
// scratch. Unknown files are preserved.
func (fm *FileManager) Cleanup() error {
	names, err := fs.Readdirnames(fm.cfg.Root)
	if err != nil {
		return err
	}
	pl := fm.control.Payload()
	gen := pl.Generation()
	for _, name := range names {
		c := layout.Classify(name)
		remove := false
		switch c.Kind {
		case layout.PrefixFile, layout.MappingFile:
			remove = c.Gen != gen
		case layout.SuffixFile:
			remove = c.Gen < pl.ChunkStartIdx || c.Gen >= pl.ChunkStartIdx+pl.ChunkNum
		case layout.GCResultFile, layout.ReachableFile, layout.SortedFile:
			remove = true
		}
		if remove {
			log.Infof("cleanup: removing residual file %s", name)
			if err := fs.UnlinkIfExists(filepath.Join(fm.cfg.Root, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every file. Unflushed buffers are an error so a batch
// cannot silently lose its tail.
func (fm *FileManager) Close() error {
	if !fm.readonly && (!fm.dict.EmptyBuffer() || !fm.suffix.EmptyBuffer()) {
		return errors.Wrap(aof.ErrPendingFlush, "close")
	}
	var firstErr error
	for _, c := range []func() error{
		fm.dict.Close,
		fm.control.Close,
		fm.suffix.Close,
		func() error {
			if fm.prefix != nil {
				return fm.prefix.Close()
			}
			return nil
		},
		fm.index.Close,
	} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
