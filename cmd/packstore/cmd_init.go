package main

import (
	"github.com/spf13/cobra"

	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/repository"
)

var cmdInit = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new store",
	Long: `
The "init" command initializes a new store under the given root.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(initOptions)
	},
}

// InitOptions bundles all options for the init command.
type InitOptions struct {
	Root           string
	Overwrite      bool
	AlwaysIndexing bool
	UseFsync       bool
}

var initOptions InitOptions

func init() {
	cmdRoot.AddCommand(cmdInit)

	f := cmdInit.Flags()
	f.StringVar(&initOptions.Root, "root", "", "store root directory")
	f.BoolVar(&initOptions.Overwrite, "overwrite", false, "overwrite an existing store")
	f.BoolVar(&initOptions.AlwaysIndexing, "always-indexing", false, "index every entry (disables gc)")
	f.BoolVar(&initOptions.UseFsync, "fsync", false, "fsync files on flush")
}

func runInit(opts InitOptions) error {
	cfg := repository.Config{
		Root:      opts.Root,
		Fresh:     true,
		Overwrite: opts.Overwrite,
		UseFsync:  opts.UseFsync,
	}
	if opts.AlwaysIndexing {
		cfg.IndexingStrategy = fm.AlwaysIndexing
	}
	repo, err := repository.OpenRW(cfg)
	if err != nil {
		return err
	}
	return repo.Close()
}
