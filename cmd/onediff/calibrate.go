package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Cherwayway/onediff/quant"
)

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate <file>",
		Short: "Parse and print a calibration info file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := quant.LoadCalibrateInfo(args[0])
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("no calibrate info at %q", args[0])
			}

			names := make([]string, 0, len(info))
			for name := range info {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				entry := info[name]
				fmt.Fprintf(out, "%s: scale=%g zero-point=%d weights=%d\n",
					name, entry.Scale, entry.ZeroPoint, len(entry.Weights))
			}
			fmt.Fprintf(out, "%d entries\n", len(info))
			return nil
		},
	}
}
