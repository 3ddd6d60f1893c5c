package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudemeter/claudemeter/internal/config"
	"github.com/claudemeter/claudemeter/internal/engine"
	"github.com/claudemeter/claudemeter/internal/syncer"
)

func newSyncCommand(cfg config.Config) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Scan the Claude Code log directory and update the local database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, st, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			eng.Subscribe(&progressPrinter{})

			var res syncer.Result
			if full {
				res, err = eng.TriggerFullSync(cmd.Context())
			} else {
				res, err = eng.TriggerIncrementalSync(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			fmt.Printf("%s sync: %d files (%d changed), %d entries parsed, %d inserted, %d duplicates, %d parse errors, $%.2f in %s\n",
				res.Kind, res.Files, res.ChangedFiles, res.ParsedEntries,
				res.InsertedEntries, res.Duplicates, res.ParseErrors, res.CostUSD,
				res.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "rebuild the database from every log file")

	return cmd
}

// progressPrinter writes one status line per phase transition. It implements
// engine.Listener; the completion summary is printed by the command itself.
type progressPrinter struct {
	lastPhase syncer.Phase
}

func (pp *progressPrinter) OnSyncProgress(p syncer.Progress) {
	if p.Phase == pp.lastPhase {
		return
	}
	pp.lastPhase = p.Phase
	if p.Detail != "" {
		fmt.Printf("  %-12s %s\n", p.Phase, p.Detail)
		return
	}
	fmt.Printf("  %-12s\n", p.Phase)
}

func (pp *progressPrinter) OnSyncCompleted(syncer.Result) {}

func (pp *progressPrinter) OnDataChanged() {}

var _ engine.Listener = (*progressPrinter)(nil)
