package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyline93/packstore/internal/object"
	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/repository"
)

var cmdGet = &cobra.Command{
	Use:   "get <commit-hash> <path>",
	Short: "Read contents out of a commit",
	Long: `
The "get" command resolves a path inside the tree of the given commit
and writes the contents to stdout.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	Args:              cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(getOptions, args[0], args[1])
	},
}

// GetOptions bundles all options for the get command.
type GetOptions struct {
	Root string
}

var getOptions GetOptions

func init() {
	cmdRoot.AddCommand(cmdGet)

	f := cmdGet.Flags()
	f.StringVar(&getOptions.Root, "root", "", "store root directory")
}

func runGet(opts GetOptions, commitHash, path string) error {
	repo, err := repository.OpenRO(repository.Config{Root: opts.Root})
	if err != nil {
		return err
	}
	defer repo.Close()

	h, err := pack.ParseHash(commitHash)
	if err != nil {
		return err
	}
	commit, ok, err := repo.LoadCommit(pack.NewIndexedKey(h))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commit %s not found", commitHash)
	}

	store := repo.Store()
	loadTree := func(off int64) (*object.Inode, error) {
		key, err := store.KeyOfOffset(off)
		if err != nil {
			return nil, err
		}
		node, ok, err := repo.LoadTree(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("tree at offset %d not found", off)
		}
		return node, nil
	}

	root, err := loadTree(commit.RootOffset)
	if err != nil {
		return err
	}
	off, found, err := root.FindStep(path, loadTree)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("path %q not found in commit %s", path, commitHash)
	}

	ckey, err := store.KeyOfOffset(off)
	if err != nil {
		return err
	}
	data, ok, err := repo.LoadContents(ckey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("contents at offset %d not found", off)
	}
	_, err = os.Stdout.Write(data)
	return err
}
