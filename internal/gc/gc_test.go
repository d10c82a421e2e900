package gc

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/packstore/internal/control"
	"github.com/skyline93/packstore/internal/dispatch"
	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/layout"
	"github.com/skyline93/packstore/internal/object"
	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/packstore"
)

func testConfig(root string) fm.Config {
	return fm.Config{
		Root:                     root,
		IndexingStrategy:         fm.MinimalIndexing,
		IndexLogSize:             1000,
		DictAutoFlushThreshold:   1 << 20,
		SuffixAutoFlushThreshold: 1 << 20,
		ContentsLengthHeader:     pack.ContentsLengthVarint,
	}
}

func newTestStore(t *testing.T) *packstore.Store {
	t.Helper()
	mgr, err := fm.CreateRW(false, testConfig(filepath.Join(t.TempDir(), "store")))
	require.NoError(t, err)
	s := packstore.New(mgr, packstore.Options{LRUSize: 1 << 20, EnsureUnique: true})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// writeCommit persists a small tree of fresh contents plus a commit on
// top of parent (nil for a root commit).
func writeCommit(t *testing.T, s *packstore.Store, parent *pack.Key, tag string) *pack.Key {
	t.Helper()
	d := s.FileManager().Dict()

	var children []object.InodeChild
	for i := 0; i < 3; i++ {
		key, err := s.Add(pack.Contents, []byte(fmt.Sprintf("contents-%s-%d", tag, i)))
		require.NoError(t, err)
		off, _, ok := key.Direct()
		require.True(t, ok)
		children = append(children, object.InodeChild{Step: fmt.Sprintf("file-%d", i), Offset: off})
	}
	payload, err := object.EncodeInode(&object.Inode{Children: children}, d)
	require.NoError(t, err)
	rootKey, err := s.Add(pack.InodeV2Root, payload)
	require.NoError(t, err)
	rootOff, _, _ := rootKey.Direct()

	commit := &object.Commit{RootOffset: rootOff, Message: "commit " + tag}
	if parent != nil {
		poff, _, ok := parent.Direct()
		require.True(t, ok)
		commit.ParentOffsets = []int64{poff}
	}
	key, err := s.Add(pack.CommitV2, object.EncodeCommit(commit))
	require.NoError(t, err)
	require.True(t, key.IsDirect())
	return key
}

func TestGCEndToEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var commits []*pack.Key
	var parent *pack.Key
	for i := 0; i < 5; i++ {
		parent = writeCommit(t, s, parent, fmt.Sprintf("c%d", i))
		commits = append(commits, parent)
	}
	require.NoError(t, s.Flush())
	target := commits[4]

	g, err := Start(ctx, s, target, true)
	require.NoError(t, err)
	stats, err := g.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	// commit + inode + 3 contents are live
	assert.Equal(t, 5, stats.LiveObjects)
	assert.Equal(t, 1, stats.DanglingStubs)

	mgr := s.FileManager()
	assert.Equal(t, 1, mgr.Generation())
	st, ok := mgr.Payload().Status.(control.Gced)
	require.True(t, ok)
	targetOff, targetLen, _ := target.Direct()
	assert.Equal(t, targetOff+targetLen, st.SuffixStartOffset)
	assert.Equal(t, targetOff, st.LatestGCTargetOffset)

	// the live set survives, served through prefix and mapping
	root := mgr.Root()
	assert.Equal(t, fs.KindFile, fs.ClassifyPath(layout.Prefix(root, 1)))
	assert.Equal(t, fs.KindFile, fs.ClassifyPath(layout.Mapping(root, 1)))
	assert.Equal(t, fs.KindNoEnt, fs.ClassifyPath(layout.GCResult(root, 1)))

	got, found, err := s.Find(target)
	require.NoError(t, err)
	require.True(t, found)
	commit, err := object.DecodeCommit(got)
	require.NoError(t, err)

	// the whole tree reads back
	kind, inodePayload, _, err := s.EntryAt(commit.RootOffset)
	require.NoError(t, err)
	assert.Equal(t, pack.InodeV2Root, kind)
	node, err := object.DecodeInode(inodePayload, mgr.Dict())
	require.NoError(t, err)
	for _, c := range node.Children {
		k, err := s.KeyOfOffset(c.Offset)
		require.NoError(t, err)
		_, found, err := s.Find(k)
		require.NoError(t, err)
		assert.True(t, found)
	}

	// the collected parent reads as a dangling stub
	require.Len(t, commit.ParentOffsets, 1)
	pk, err := s.KeyOfOffset(commit.ParentOffsets[0])
	require.NoError(t, err)
	assert.Equal(t, commits[3].Hash(), pk.Hash())
	present, err := s.Mem(pk)
	require.NoError(t, err)
	assert.False(t, present)

	// everything below the target that is not mapped is gone
	oldOff, _, _ := commits[0].Direct()
	present, err = s.Mem(commits[0])
	require.NoError(t, err)
	assert.False(t, present)
	_, _, err = s.Find(pack.NewDirectKey(commits[0].Hash(), oldOff, 10))
	assert.ErrorIs(t, err, dispatch.ErrInvalidReadOfGcedObject)

	// the store keeps working after the swap
	next := writeCommit(t, s, target, "after-gc")
	require.NoError(t, s.Flush())
	_, found, err = s.Find(next)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestGCCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var parent *pack.Key
	for i := 0; i < 10; i++ {
		parent = writeCommit(t, s, parent, fmt.Sprintf("c%d", i))
	}
	require.NoError(t, s.Flush())

	entered := make(chan struct{})
	opened := false
	testHookAfterMark = func(ctx context.Context) {
		if !opened {
			opened = true
			close(entered)
		}
		// hold the worker mid-mark until the cancellation arrives
		<-ctx.Done()
	}
	defer func() { testHookAfterMark = nil }()

	g, err := Start(ctx, s, parent, true)
	require.NoError(t, err)
	<-entered

	assert.True(t, g.Cancel())

	_, _, err = g.Finalise(ctx, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGcProcessError)

	// partial output is cleaned up and the store stays on generation 0
	root := s.FileManager().Root()
	assert.Equal(t, fs.KindNoEnt, fs.ClassifyPath(layout.Prefix(root, 1)))
	assert.Equal(t, fs.KindNoEnt, fs.ClassifyPath(layout.Mapping(root, 1)))
	assert.Equal(t, fs.KindNoEnt, fs.ClassifyPath(layout.GCResult(root, 1)))
	assert.Equal(t, 0, s.FileManager().Generation())

	// a fresh run at the same commit succeeds
	g2, err := Start(ctx, s, parent, true)
	require.NoError(t, err)
	_, err = g2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.FileManager().Generation())
}

func TestSplitDuringGC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var parent *pack.Key
	for i := 0; i < 3; i++ {
		parent = writeCommit(t, s, parent, fmt.Sprintf("pre%d", i))
	}
	target := parent
	require.NoError(t, s.Split())
	for i := 0; i < 2; i++ {
		parent = writeCommit(t, s, parent, fmt.Sprintf("post%d", i))
	}
	require.NoError(t, s.Flush())
	oldChunkNum := s.FileManager().Payload().ChunkNum
	require.Equal(t, 2, oldChunkNum)

	entered := make(chan struct{})
	release := make(chan struct{})
	opened := false
	testHookAfterMark = func(context.Context) {
		if !opened {
			opened = true
			close(entered)
		}
		<-release
	}
	defer func() { testHookAfterMark = nil }()

	g, err := Start(ctx, s, target, true)
	require.NoError(t, err)
	<-entered

	// the writer splits while the worker runs
	require.NoError(t, s.Split())
	close(release)

	stats, err := g.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)

	pl := s.FileManager().Payload()
	// chunk 0 ended at the target commit, so it was removable; the
	// split added one chunk on top of the old window
	assert.Equal(t, 1, pl.ChunkStartIdx)
	assert.Equal(t, oldChunkNum+1-1, pl.ChunkNum)
	assert.GreaterOrEqual(t, pl.ChunkNum, 1)
	assert.Equal(t, fs.KindNoEnt, fs.ClassifyPath(layout.Suffix(s.FileManager().Root(), 0)))

	// entries appended after the split point stay readable
	_, found, err := s.Find(parent)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestGCDisallowedCases(t *testing.T) {
	ctx := context.Background()

	t.Run("non-minimal strategy", func(t *testing.T) {
		cfg := testConfig(filepath.Join(t.TempDir(), "store"))
		cfg.IndexingStrategy = fm.AlwaysIndexing
		mgr, err := fm.CreateRW(false, cfg)
		require.NoError(t, err)
		s := packstore.New(mgr, packstore.Options{EnsureUnique: true})
		defer s.Close()

		_, err = Start(ctx, s, pack.NewIndexedKey(pack.Hash{}), true)
		assert.ErrorIs(t, err, ErrGcDisallowed)
	})

	t.Run("headerless contents", func(t *testing.T) {
		cfg := testConfig(filepath.Join(t.TempDir(), "store"))
		cfg.ContentsLengthHeader = pack.ContentsLengthNone
		mgr, err := fm.CreateRW(false, cfg)
		require.NoError(t, err)
		s := packstore.New(mgr, packstore.Options{EnsureUnique: true})
		defer s.Close()

		_, err = Start(ctx, s, pack.NewIndexedKey(pack.Hash{}), true)
		assert.ErrorIs(t, err, ErrGcDisallowed)
	})

	t.Run("dangling commit key", func(t *testing.T) {
		s := newTestStore(t)
		_, err := Start(ctx, s, pack.NewIndexedKey(pack.HashOf([]byte("nope"))), true)
		assert.ErrorIs(t, err, ErrCommitKeyIsDangling)
	})

	t.Run("during batch", func(t *testing.T) {
		s := newTestStore(t)
		target := writeCommit(t, s, nil, "batched")
		err := s.Batch(func() error {
			_, err := Start(ctx, s, target, true)
			return err
		})
		assert.ErrorIs(t, err, packstore.ErrGcForbiddenDuringBatch)
	})
}

func TestFinaliseIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := writeCommit(t, s, nil, "only")
	require.NoError(t, s.Flush())

	g, err := Start(ctx, s, target, true)
	require.NoError(t, err)
	first, err := g.Wait(ctx)
	require.NoError(t, err)

	outcome, again, err := g.Finalise(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalised, outcome)
	assert.Equal(t, first, again)
}

func TestSecondGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1 := writeCommit(t, s, nil, "one")
	require.NoError(t, s.Flush())
	g, err := Start(ctx, s, c1, true)
	require.NoError(t, err)
	_, err = g.Wait(ctx)
	require.NoError(t, err)

	c2 := writeCommit(t, s, c1, "two")
	require.NoError(t, s.Flush())
	g, err = Start(ctx, s, c2, true)
	require.NoError(t, err)
	_, err = g.Wait(ctx)
	require.NoError(t, err)

	mgr := s.FileManager()
	assert.Equal(t, 2, mgr.Generation())
	root := mgr.Root()
	// generation 1 files were retired by the second swap
	assert.Equal(t, fs.KindNoEnt, fs.ClassifyPath(layout.Prefix(root, 1)))
	assert.Equal(t, fs.KindNoEnt, fs.ClassifyPath(layout.Mapping(root, 1)))
	assert.Equal(t, fs.KindFile, fs.ClassifyPath(layout.Prefix(root, 2)))

	_, found, err := s.Find(c2)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReaderReloadAcrossGC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := s.FileManager().Root()

	c1 := writeCommit(t, s, nil, "one")
	c2 := writeCommit(t, s, c1, "two")
	require.NoError(t, s.Flush())

	roMgr, err := fm.OpenRO(testConfig(root))
	require.NoError(t, err)
	reader := packstore.New(roMgr, packstore.Options{LRUSize: 1 << 20})
	defer reader.Close()

	// the reader resolves the commit before the collection
	k := pack.NewIndexedKey(c2.Hash())
	_, found, err := reader.Find(k)
	require.NoError(t, err)
	require.True(t, found)

	g, err := Start(ctx, s, c2, true)
	require.NoError(t, err)
	_, err = g.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, roMgr.Reload())
	assert.Equal(t, 1, roMgr.Generation())

	// live pre-GC offsets keep resolving through the new mapping
	got, found, err := reader.Find(pack.NewIndexedKey(c2.Hash()))
	require.NoError(t, err)
	require.True(t, found)
	commit, err := object.DecodeCommit(got)
	require.NoError(t, err)

	// the collected parent is only a stub now
	require.Len(t, commit.ParentOffsets, 1)
	pk, err := reader.KeyOfOffset(commit.ParentOffsets[0])
	require.NoError(t, err)
	assert.Equal(t, c1.Hash(), pk.Hash())
	present, err := reader.Mem(pk)
	require.NoError(t, err)
	assert.False(t, present)
}
