package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openmixer/mixcore/internal/config"
	"github.com/openmixer/mixcore/internal/store"
)

func newLibraryCommand(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Inspect and edit the track library",
	}
	cmd.AddCommand(newLibraryListCommand(configFlag))
	cmd.AddCommand(newLibraryAddCommand(configFlag))
	cmd.AddCommand(newLibraryRemoveCommand(configFlag))
	return cmd
}

func openLibrary(configFlag *string) (*store.Store, error) {
	cfg, _, _, err := config.Load(*configFlag)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.DatabasePath)
}

func newLibraryListCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List library tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLibrary(configFlag)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			tracks, err := db.Tracks(cmd.Context())
			if err != nil {
				return err
			}
			if len(tracks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "library is empty")
				return nil
			}

			rows := make([][]string, 0, len(tracks))
			for _, t := range tracks {
				bpm := "-"
				if t.BPM > 0 {
					bpm = strconv.FormatFloat(t.BPM, 'f', 1, 64)
				}
				key := t.Key
				if key == "" {
					key = "-"
				}
				secs := float64(t.Frames) / t.SampleRate
				rows = append(rows, []string{
					t.ID.String()[:8],
					t.Title,
					bpm,
					key,
					fmt.Sprintf("%d:%02d", int(secs)/60, int(secs)%60),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(),
				renderTable([]string{"ID", "Title", "BPM", "Key", "Length"}, rows, 3, 5))
			return nil
		},
	}
}

func newLibraryAddCommand(configFlag *string) *cobra.Command {
	var title string
	var sampleRate float64
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register an audio file in the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLibrary(configFlag)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			rec := store.TrackRecord{
				ID:         uuid.New(),
				Title:      title,
				Path:       args[0],
				SampleRate: sampleRate,
				AddedAt:    time.Now().UTC(),
			}
			if rec.Title == "" {
				rec.Title = args[0]
			}
			if err := db.SaveTrack(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", rec.Title, rec.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Track title (defaults to the path)")
	cmd.Flags().Float64Var(&sampleRate, "sample-rate", 48000, "Source sample rate")
	return cmd
}

func newLibraryRemoveCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <track-id>",
		Short: "Remove a track from the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse track id: %w", err)
			}
			db, err := openLibrary(configFlag)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.DeleteTrack(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			return nil
		},
	}
}
