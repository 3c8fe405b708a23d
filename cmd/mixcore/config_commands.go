package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmixer/mixcore/internal/config"
)

func newConfigCommand(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write an annotated sample configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFlag
			if path == "" {
				var err error
				if path, err = config.DefaultConfigPath(); err != nil {
					return err
				}
			}
			if err := config.WriteSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if exists {
				fmt.Fprintf(out, "# %s\n", path)
			} else {
				fmt.Fprintf(out, "# defaults (no file at %s)\n", path)
			}
			fmt.Fprintf(out, "decks = %d\n", cfg.Engine.Decks)
			fmt.Fprintf(out, "sample_rate = %g\n", cfg.Engine.SampleRate)
			fmt.Fprintf(out, "chunk_frames = %d\n", cfg.Engine.ChunkFrames)
			fmt.Fprintf(out, "video = %v (%dx%d @ %d fps)\n",
				cfg.Video.Enabled, cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS)
			fmt.Fprintf(out, "database = %s\n", cfg.Store.DatabasePath)
			fmt.Fprintf(out, "mappings = %s\n", cfg.Store.MappingsPath)
			fmt.Fprintf(out, "api_bind = %s\n", cfg.API.Bind)
			return nil
		},
	})

	return cmd
}
