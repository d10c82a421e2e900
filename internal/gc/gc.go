// Package gc implements garbage collection: a background worker copies
// the set reachable from a target commit into a fresh prefix and
// mapping, and the orchestrator publishes the result with an atomic
// control-file swap, then unlinks what the new layout no longer needs.
package gc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/layout"
	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/packstore"
	"github.com/skyline93/packstore/internal/task"
)

var (
	ErrGcDisallowed                   = errors.New("gc requires the minimal indexing strategy")
	ErrCommitKeyIsDangling            = errors.New("gc target commit key is dangling")
	ErrGcProcessError                 = errors.New("gc process error")
	ErrGcProcessDiedWithoutResultFile = errors.New("gc process died without writing a result file")
)

// Outcome is what Finalise reports.
type Outcome int

const (
	// OutcomeRunning means the worker has not finished yet.
	OutcomeRunning Outcome = iota
	// OutcomeFinalised means the swap completed and the store is on
	// the new generation.
	OutcomeFinalised
)

// GC is a handle on one garbage-collection run.
type GC struct {
	store      *packstore.Store
	cfg        fm.Config
	generation int
	commitOff  int64

	task *task.Task

	finalised bool
	stats     *Stats
	unlink    bool
}

// Start launches a collection targeting commitKey. The commit must be
// resolvable to a direct key; the store must use the minimal indexing
// strategy and not be inside a batch.
func Start(ctx context.Context, store *packstore.Store, commitKey *pack.Key, unlink bool) (*GC, error) {
	mgr := store.FileManager()
	if mgr.Readonly() {
		return nil, errors.Wrap(fs.ErrRoNotAllowed, "gc")
	}
	if mgr.Strategy() != fm.MinimalIndexing {
		return nil, errors.WithStack(ErrGcDisallowed)
	}
	if mgr.ContentsHeader() != pack.ContentsLengthVarint {
		return nil, errors.Wrap(ErrGcDisallowed, "contents entries carry no length header")
	}
	if store.InBatch() {
		return nil, errors.WithStack(packstore.ErrGcForbiddenDuringBatch)
	}

	if !commitKey.IsDirect() {
		e, ok := store.IndexDirect(commitKey.Hash())
		if !ok || !e.Kind.IsCommit() {
			return nil, errors.Wrapf(ErrCommitKeyIsDangling, "%s", commitKey.Hash().Str())
		}
		commitKey.Promote(e.Offset, e.Length)
	}
	commitOff, commitLen, _ := commitKey.Direct()

	// the worker reads a frozen view; everything below the split point
	// must be on disk before it opens
	if err := store.Flush(); err != nil {
		return nil, err
	}

	generation := mgr.Generation() + 1
	if err := fs.UnlinkIfExists(layout.GCResult(mgr.Root(), generation)); err != nil {
		return nil, err
	}

	g := &GC{
		store:      store,
		cfg:        workerConfig(mgr),
		generation: generation,
		commitOff:  commitOff,
		unlink:     unlink,
	}
	args := workerArgs{
		cfg:          g.cfg,
		generation:   generation,
		commitOffset: commitOff,
		commitLength: commitLen,
	}
	log.Infof("gc: starting generation %d targeting commit at %d", generation, commitOff)
	g.task = task.Spawn(ctx, func(ctx context.Context) error {
		_, err := runWorker(ctx, args)
		return err
	})
	return g, nil
}

// workerConfig derives the read-only view configuration the worker
// opens the store with.
func workerConfig(mgr *fm.FileManager) fm.Config {
	return fm.Config{
		Root:                 mgr.Root(),
		IndexingStrategy:     fm.MinimalIndexing,
		UseFsync:             mgr.UseFsync(),
		ContentsLengthHeader: mgr.ContentsHeader(),
	}
}

// Generation returns the generation this run is producing.
func (g *GC) Generation() int { return g.generation }

// Finalise completes the run. With wait unset and the worker still
// going it reports OutcomeRunning; otherwise it blocks, then either
// swaps in the new generation or cleans up after a failure. It is
// idempotent after the first success.
func (g *GC) Finalise(ctx context.Context, wait bool) (Outcome, *Stats, error) {
	if g.finalised {
		return OutcomeFinalised, g.stats, nil
	}

	if g.task.Status() == task.Running {
		if !wait {
			return OutcomeRunning, nil, nil
		}
		if err := g.task.Await(ctx); err != nil && ctx.Err() != nil {
			return OutcomeRunning, nil, errors.WithStack(err)
		}
	}

	mgr := g.store.FileManager()
	switch g.task.Status() {
	case task.Success:
		result, err := g.readResultWithRetry()
		if err != nil {
			_ = mgr.Cleanup()
			return OutcomeRunning, nil, err
		}
		if err := g.swap(result); err != nil {
			return OutcomeRunning, nil, err
		}
		g.finalised = true
		g.stats = &result.Stats
		return OutcomeFinalised, g.stats, nil
	case task.Cancelled:
		_ = mgr.Cleanup()
		return OutcomeRunning, nil, errors.Wrapf(ErrGcProcessError, "cancelled: %v", g.task.Err())
	default:
		_ = mgr.Cleanup()
		werr := g.task.Err()
		if errors.Is(werr, fs.ErrNoSuchFileOrDirectory) {
			return OutcomeRunning, nil, errors.WithStack(ErrGcProcessDiedWithoutResultFile)
		}
		return OutcomeRunning, nil, errors.Wrapf(ErrGcProcessError, "%v", werr)
	}
}

// readResultWithRetry loads the worker's record, retrying briefly: the
// bytes may still be in flight right after the task reports success.
func (g *GC) readResultWithRetry() (*Result, error) {
	var result *Result
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 3)
	err := backoff.Retry(func() error {
		var err error
		result, err = readResult(g.cfg.Root, g.generation)
		if errors.Is(err, ErrCorruptedGcResultFile) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil {
		if errors.Is(err, fs.ErrNoSuchFileOrDirectory) {
			return nil, errors.WithStack(ErrGcProcessDiedWithoutResultFile)
		}
		return nil, err
	}
	return result, nil
}

// swap publishes the worker's layout and unlinks the retired files.
func (g *GC) swap(result *Result) error {
	mgr := g.store.FileManager()

	// the writer may have split while the worker ran; reconcile the
	// window against the chunks the worker found removable
	newChunkNum := mgr.Suffix().ChunkNum() - len(result.RemovableChunkIdxs)
	if newChunkNum < 1 {
		return errors.Errorf("gc: chunk reconciliation left %d chunks", newChunkNum)
	}
	prevGeneration := mgr.Generation()

	if err := mgr.Flush(); err != nil {
		return err
	}
	if err := mgr.Swap(fm.SwapParams{
		Generation:           g.generation,
		SuffixStartOffset:    result.SuffixParams.StartOffset,
		ChunkStartIdx:        result.SuffixParams.ChunkStartIdx,
		ChunkNum:             newChunkNum,
		SuffixDeadBytes:      result.SuffixParams.DeadBytes,
		LatestGCTargetOffset: result.CommitOffset,
	}); err != nil {
		return err
	}
	g.store.PurgeLRU()

	if g.unlink {
		root := mgr.Root()
		if prevGeneration > 0 {
			_ = fs.UnlinkIfExists(layout.Prefix(root, prevGeneration))
			_ = fs.UnlinkIfExists(layout.Mapping(root, prevGeneration))
		}
		for _, idx := range result.RemovableChunkIdxs {
			_ = fs.UnlinkIfExists(layout.Suffix(root, idx))
		}
		_ = fs.UnlinkIfExists(layout.GCResult(root, g.generation))
		_ = fs.UnlinkIfExists(layout.Reachable(root, g.generation))
		_ = fs.UnlinkIfExists(layout.Sorted(root, g.generation))
	}
	return nil
}

// Wait blocks until the run completes and is finalised.
func (g *GC) Wait(ctx context.Context) (*Stats, error) {
	_, stats, err := g.Finalise(ctx, true)
	return stats, err
}

// Cancel asks the worker to stop and cleans up its partial output. It
// reports whether the worker was still running when asked.
func (g *GC) Cancel() bool {
	running := g.task.Cancel()
	if running {
		<-g.task.Done()
		root := g.store.FileManager().Root()
		_ = fs.UnlinkIfExists(layout.Prefix(root, g.generation))
		_ = fs.UnlinkIfExists(layout.Mapping(root, g.generation))
		_ = g.store.FileManager().Cleanup()
	}
	return running
}
