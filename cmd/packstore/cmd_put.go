package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyline93/packstore/internal/object"
	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/repository"
)

var cmdPut = &cobra.Command{
	Use:   "put [file...]",
	Short: "Store files as a new commit",
	Long: `
The "put" command stores the given files (or stdin when none are given)
as contents under a fresh tree and records a commit pointing at it.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPut(putOptions, args)
	},
}

// PutOptions bundles all options for the put command.
type PutOptions struct {
	Root    string
	Message string
	Parent  string
}

var putOptions PutOptions

func init() {
	cmdRoot.AddCommand(cmdPut)

	f := cmdPut.Flags()
	f.StringVar(&putOptions.Root, "root", "", "store root directory")
	f.StringVar(&putOptions.Message, "message", "", "commit message")
	f.StringVar(&putOptions.Parent, "parent", "", "parent commit hash")
}

func runPut(opts PutOptions, args []string) error {
	repo, err := repository.OpenRW(repository.Config{Root: opts.Root})
	if err != nil {
		return err
	}
	defer repo.Close()

	var commitKey *pack.Key
	err = repo.Batch(func() error {
		var children []object.InodeChild
		if len(args) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			key, err := repo.SaveContents(data)
			if err != nil {
				return err
			}
			off, _, _ := key.Direct()
			children = append(children, object.InodeChild{Step: "stdin", Offset: off})
		}
		for _, name := range args {
			data, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			key, err := repo.SaveContents(data)
			if err != nil {
				return err
			}
			off, _, _ := key.Direct()
			children = append(children, object.InodeChild{Step: name, Offset: off})
		}
		root, err := repo.SaveTree(children)
		if err != nil {
			return err
		}

		var parents []*pack.Key
		if opts.Parent != "" {
			h, err := pack.ParseHash(opts.Parent)
			if err != nil {
				return err
			}
			parents = append(parents, pack.NewIndexedKey(h))
		}
		commitKey, err = repo.SaveCommit(root, parents, opts.Message)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("committed %s\n", commitKey.Hash())
	return nil
}
