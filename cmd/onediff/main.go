// Command onediff inspects and manages compiled graph artifacts: persisted
// graph files, calibration info and compile options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "onediff",
		Short:         "Inspect and manage compiled graph artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newCalibrateCmd())
	rootCmd.AddCommand(newOptionsCmd())
	rootCmd.AddCommand(newGraphPathCmd())
	return rootCmd
}
