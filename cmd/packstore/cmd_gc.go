package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/repository"
)

var cmdGC = &cobra.Command{
	Use:   "gc <commit-hash>",
	Short: "Collect everything the commit cannot reach",
	Long: `
The "gc" command copies the live set reachable from the given commit
into a fresh prefix and discards the rest of the history.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	Args:              cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGC(cmd.Context(), gcOptions, args[0])
	},
}

// GCOptions bundles all options for the gc command.
type GCOptions struct {
	Root string
}

var gcOptions GCOptions

func init() {
	cmdRoot.AddCommand(cmdGC)

	f := cmdGC.Flags()
	f.StringVar(&gcOptions.Root, "root", "", "store root directory")
}

func runGC(ctx context.Context, opts GCOptions, commitHash string) error {
	repo, err := repository.OpenRW(repository.Config{Root: opts.Root})
	if err != nil {
		return err
	}
	defer repo.Close()

	h, err := pack.ParseHash(commitHash)
	if err != nil {
		return err
	}
	if _, err := repo.StartGC(ctx, pack.NewIndexedKey(h)); err != nil {
		return err
	}
	stats, err := repo.GCWait(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("gc done: %d live objects, %d bytes kept, %d dangling parents\n",
		stats.LiveObjects, stats.LiveBytes, stats.DanglingStubs)
	return nil
}
