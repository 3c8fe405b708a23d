package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmixer/mixcore/internal/config"
	"github.com/openmixer/mixcore/internal/store"
)

func newMappingsCommand(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Manage controller mappings",
	}
	cmd.AddCommand(newMappingsListCommand(configFlag))
	cmd.AddCommand(newMappingsExportCommand(configFlag))
	cmd.AddCommand(newMappingsImportCommand(configFlag))
	return cmd
}

func newMappingsListCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored controller mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLibrary(configFlag)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			maps, err := db.Mappings(cmd.Context())
			if err != nil {
				return err
			}
			if len(maps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no mappings stored")
				return nil
			}
			rows := make([][]string, 0, len(maps))
			for _, m := range maps {
				rows = append(rows, []string{
					m.DeviceID, m.Control, string(m.Action), m.Target, m.Parameter,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(),
				renderTable([]string{"Device", "Control", "Action", "Target", "Parameter"}, rows))
			return nil
		},
	}
}

func newMappingsExportCommand(configFlag *string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored mappings to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Store.MappingsPath
			}
			db, err := store.Open(cfg.Store.DatabasePath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			maps, err := db.Mappings(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.ExportMappings(out, maps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d mappings to %s\n", len(maps), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Destination file (defaults to the configured mappings path)")
	return cmd
}

func newMappingsImportCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import mappings from a JSON file, replacing the stored set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			maps, err := store.ImportMappings(args[0])
			if err != nil {
				return err
			}
			db, err := openLibrary(configFlag)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.SaveMappings(cmd.Context(), maps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d mappings\n", len(maps))
			return nil
		},
	}
}
