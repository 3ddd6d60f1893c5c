package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudemeter/claudemeter/internal/config"
)

func newDBCommand(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the local usage database",
	}
	cmd.AddCommand(newDBStatsCommand(cfg))
	cmd.AddCommand(newDBCompactCommand(cfg))
	cmd.AddCommand(newDBRebuildCommand(cfg))
	return cmd
}

func newDBStatsCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print row counts for the database tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			info, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("entries:        %d\n", info.Entries)
			fmt.Printf("daily rows:     %d\n", info.DailyRows)
			fmt.Printf("model rows:     %d\n", info.ModelRows)
			fmt.Printf("project rows:   %d\n", info.ProjectRows)
			fmt.Printf("tracked files:  %d\n", info.TrackedFiles)
			return nil
		},
	}
}

func newDBCompactCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Remove duplicate entries that share a request id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			removed, err := st.CompactEntries(cmd.Context())
			if err != nil {
				return err
			}
			if removed > 0 {
				if err := st.RecomputeAllAggregates(cmd.Context()); err != nil {
					return err
				}
			}
			fmt.Printf("removed %d duplicate entries\n", removed)
			return nil
		},
	}
}

func newDBRebuildCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Drop all data and re-sync from every log file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, st, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := eng.TriggerFullSync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt from %d files: %d entries, %d duplicates removed in %s\n",
				res.Files, res.InsertedEntries, res.Duplicates, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}
