package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "packstore",
	Short: "Content-addressed append-only pack store",
	Long: `
packstore maintains a content-addressed object store persisted as an
append-only pack with concurrent mark-and-copy garbage collection.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
