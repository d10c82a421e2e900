package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyline93/packstore/internal/object"
	"github.com/skyline93/packstore/internal/pack"
)

func testConfig(t *testing.T) Config {
	return Config{
		Root:  filepath.Join(t.TempDir(), "repo"),
		Fresh: true,
	}
}

func newTestRepo(t *testing.T, cfg Config) *Repository {
	t.Helper()
	repo, err := OpenRW(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// commitFiles saves the given name->data pairs as one commit.
func commitFiles(t *testing.T, repo *Repository, parent *pack.Key, files map[string]string, msg string) *pack.Key {
	t.Helper()
	var key *pack.Key
	err := repo.Batch(func() error {
		var children []object.InodeChild
		for name, data := range files {
			ck, err := repo.SaveContents([]byte(data))
			if err != nil {
				return err
			}
			off, _, _ := ck.Direct()
			children = append(children, object.InodeChild{Step: name, Offset: off})
		}
		root, err := repo.SaveTree(children)
		if err != nil {
			return err
		}
		var parents []*pack.Key
		if parent != nil {
			parents = append(parents, parent)
		}
		key, err = repo.SaveCommit(root, parents, msg)
		return err
	})
	require.NoError(t, err)
	return key
}

func TestSaveLoadCommit(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, testConfig(t))

	key := commitFiles(t, repo, nil, map[string]string{
		"readme": "hello",
		"data":   "world",
	}, "first")

	commit, ok, err := repo.LoadCommit(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", commit.Message)
	assert.Empty(t, commit.ParentOffsets)

	rootKey, err := repo.Store().KeyOfOffset(commit.RootOffset)
	require.NoError(t, err)
	tree, ok, err := repo.LoadTree(rootKey)
	require.NoError(t, err)
	require.True(t, ok)

	off, found, err := tree.FindStep("readme", func(off int64) (*object.Inode, error) {
		k, err := repo.Store().KeyOfOffset(off)
		if err != nil {
			return nil, err
		}
		n, _, err := repo.LoadTree(k)
		return n, err
	})
	require.NoError(t, err)
	require.True(t, found)

	ck, err := repo.Store().KeyOfOffset(off)
	require.NoError(t, err)
	data, ok, err := repo.LoadContents(ck)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestCommitResolvesIndexedParent(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, testConfig(t))

	c1 := commitFiles(t, repo, nil, map[string]string{"a": "1"}, "one")
	// hand over only the hash; SaveCommit resolves it via the index
	parent := pack.NewIndexedKey(c1.Hash())
	c2 := commitFiles(t, repo, parent, map[string]string{"a": "2"}, "two")

	commit, ok, err := repo.LoadCommit(c2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, commit.ParentOffsets, 1)
	off, _, _ := c1.Direct()
	assert.Equal(t, off, commit.ParentOffsets[0])
}

func TestForbidEmptyDirPersistence(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.ForbidEmptyDirPersistence = true
	repo := newTestRepo(t, cfg)

	_, err := repo.SaveTree(nil)
	assert.ErrorIs(t, err, ErrEmptyDirPersistence)
}

func TestLargeTreeSpillsAcrossInodes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Entries = 4
	cfg.InodeChildOrder = SeededHash
	repo := newTestRepo(t, cfg)

	files := make(map[string]string)
	for i := 0; i < 50; i++ {
		files[fmt.Sprintf("f-%02d", i)] = fmt.Sprintf("payload %d", i)
	}
	key := commitFiles(t, repo, nil, files, "big")

	commit, ok, err := repo.LoadCommit(key)
	require.NoError(t, err)
	require.True(t, ok)

	load := func(off int64) (*object.Inode, error) {
		k, err := repo.Store().KeyOfOffset(off)
		if err != nil {
			return nil, err
		}
		n, _, err := repo.LoadTree(k)
		return n, err
	}
	root, err := load(commit.RootOffset)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(root.Children), 4)

	// every file resolves through the spilled buckets
	for name, data := range files {
		off, found, err := root.FindStep(name, load)
		require.NoError(t, err)
		require.True(t, found, name)
		ck, err := repo.Store().KeyOfOffset(off)
		require.NoError(t, err)
		got, ok, err := repo.LoadContents(ck)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, data, string(got))
	}
}

func TestCustomChildOrder(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Entries = 4
	cfg.InodeChildOrder = Custom
	cfg.CustomChildOrder = func(step string, depth, branching int) int {
		return len(step) % branching
	}
	repo := newTestRepo(t, cfg)

	files := make(map[string]string)
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("%0*d", i%7+1, i)] = fmt.Sprintf("v%d", i)
	}
	key := commitFiles(t, repo, nil, files, "custom order")

	commit, ok, err := repo.LoadCommit(key)
	require.NoError(t, err)
	require.True(t, ok)

	load := func(off int64) (*object.Inode, error) {
		k, err := repo.Store().KeyOfOffset(off)
		if err != nil {
			return nil, err
		}
		n, _, err := repo.LoadTree(k)
		return n, err
	}
	root, err := load(commit.RootOffset)
	require.NoError(t, err)
	for name, data := range files {
		off, found, err := root.FindStep(name, load)
		require.NoError(t, err)
		require.True(t, found, name)
		ck, err := repo.Store().KeyOfOffset(off)
		require.NoError(t, err)
		got, ok, err := repo.LoadContents(ck)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, data, string(got))
	}
}

func TestCustomChildOrderRequiresFunction(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.InodeChildOrder = Custom
	repo := newTestRepo(t, cfg)

	_, err := repo.SaveTree([]object.InodeChild{{Step: "s", Offset: 1}})
	assert.Error(t, err)
}

func TestIntegrityCheckFromCommit(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, testConfig(t))

	c1 := commitFiles(t, repo, nil, map[string]string{"a": "1", "b": "2"}, "one")
	c2 := commitFiles(t, repo, c1, map[string]string{"a": "3"}, "two")

	// the walk follows the parent chain: 2 commits, 2 trees, 3 contents
	stats, err := repo.IntegrityCheckFromCommit(pack.NewIndexedKey(c2.Hash()))
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Objects)
	assert.Greater(t, stats.Bytes, int64(0))

	_, err = repo.IntegrityCheckFromCommit(pack.NewIndexedKey(pack.HashOf([]byte("missing"))))
	assert.Error(t, err)
}

func TestIntegrityCheckAfterGC(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, testConfig(t))
	ctx := context.Background()

	c1 := commitFiles(t, repo, nil, map[string]string{"f": "old"}, "one")
	c2 := commitFiles(t, repo, c1, map[string]string{"f": "new"}, "two")

	_, err := repo.StartGC(ctx, c2)
	require.NoError(t, err)
	_, err = repo.GCWait(ctx)
	require.NoError(t, err)

	// the collected parent is a stub now; the walk stops there instead
	// of failing: commit + tree + contents + stub
	stats, err := repo.IntegrityCheckFromCommit(c2)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Objects)
}

func TestEndToEndGCKeepsLatest(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, testConfig(t))
	ctx := context.Background()

	var latest *pack.Key
	for i := 0; i < 20; i++ {
		latest = commitFiles(t, repo, latest,
			map[string]string{"file": fmt.Sprintf("revision %d", i)}, fmt.Sprintf("c%d", i))
	}

	_, err := repo.StartGC(ctx, latest)
	require.NoError(t, err)
	stats, err := repo.GCWait(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)

	commit, ok, err := repo.LoadCommit(latest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c19", commit.Message)
	assert.Equal(t, 1, repo.FileManager().Generation())

	// history keeps growing on top of the collected store
	next := commitFiles(t, repo, latest, map[string]string{"file": "after"}, "post-gc")
	_, ok, err = repo.LoadCommit(next)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReopenAfterClose(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	repo, err := OpenRW(cfg)
	require.NoError(t, err)
	key := commitFiles(t, repo, nil, map[string]string{"x": "y"}, "persisted")
	require.NoError(t, repo.Close())

	cfg.Fresh = false
	repo, err = OpenRW(cfg)
	require.NoError(t, err)
	defer repo.Close()

	commit, ok, err := repo.LoadCommit(pack.NewIndexedKey(key.Hash()))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", commit.Message)
}
