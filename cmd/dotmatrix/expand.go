package dotmatrix

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/opnlabs/dotmatrix/pkg/matrix"
	"github.com/opnlabs/dotmatrix/pkg/models"
	"github.com/spf13/cobra"
)

var showEnv bool

var expandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Prints the job matrix of the pipeline without running it",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadPipeline()
		if err == nil {
			err = printMatrix(cmd, cfg)
		}
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
			os.Exit(models.ExitConfigError)
		}
	},
}

func init() {
	expandCmd.Flags().BoolVar(&showEnv, "env", false, "Also print the merged environment of every job")
}

func printMatrix(cmd *cobra.Command, cfg *models.PipelineConfig) error {
	specs, err := matrix.Expand(cfg)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tJOB\tINTERPRETER\tOVERLAY\tOPTIONAL\tSERVICES")
	for _, s := range specs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Index, s.ID, s.Interpreter, s.OverlayString(), strconv.FormatBool(s.Optional), strings.Join(s.Services, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if showEnv {
		for _, s := range specs {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s:\n", s.ID)
			for _, kv := range s.Environ() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", kv)
			}
		}
	}
	return nil
}
