package dotmatrix

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "nightly"
	builddate = "unknown"
	commit    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Shows the current version of the dotmatrix CLI",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Version:", version)
		fmt.Fprintln(out, "Build Date:", builddate)
		fmt.Fprintln(out, "Commit:", commit)
	},
}
