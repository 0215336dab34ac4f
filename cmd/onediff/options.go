package main

import (
	"fmt"

	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Cherwayway/onediff/deploy"
	"github.com/Cherwayway/onediff/webui"
)

func newOptionsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Print effective compile options, optionally loaded from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			options := deploy.DefaultCompileOptions()
			if file != "" {
				var err error
				if options, err = deploy.CompileOptionsFromYAML(file); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), string(must.M1(yaml.Marshal(options))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file to load options from")
	return cmd
}

func newGraphPathCmd() *cobra.Command {
	var (
		baseDir     string
		checkpoint  string
		moduleName  string
		backendName string
		quantized   bool
	)
	cmd := &cobra.Command{
		Use:   "graph-path",
		Short: "Print the canonical graph file path for a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity := deploy.ModuleIdentity{Checkpoint: checkpoint, Quantized: quantized}
			path, err := webui.GraphPath(baseDir, identity, moduleName, backendName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseDir, "base-dir", ".", "Base output directory")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint name")
	cmd.Flags().StringVar(&moduleName, "module", "unet", "Module name")
	cmd.Flags().StringVar(&backendName, "backend", "eager", "Backend name")
	cmd.Flags().BoolVar(&quantized, "quantized", false, "Quantized identity")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}
