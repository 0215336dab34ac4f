package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"

	"github.com/Cherwayway/onediff/backends/eager"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <graph-file>",
		Short: "Print the header of a persisted graph file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			module, device, numInputs, variants, err := eager.InspectFile(path)
			if err != nil {
				return err
			}
			size := must.M1(os.Stat(path)).Size()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Module:   %s\n", module)
			fmt.Fprintf(out, "Device:   %s\n", device)
			if numInputs >= 0 {
				fmt.Fprintf(out, "Inputs:   %d tensor(s)\n", numInputs)
			} else {
				fmt.Fprintf(out, "Inputs:   not yet recorded\n")
			}
			fmt.Fprintf(out, "Variants: %d cached shape(s)\n", len(variants))
			for _, v := range variants {
				fmt.Fprintf(out, "  - %s\n", v)
			}
			fmt.Fprintf(out, "Size:     %s\n", humanize.Bytes(uint64(size)))
			return nil
		},
	}
}
