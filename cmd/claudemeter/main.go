package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/claudemeter/claudemeter/internal/config"
	"github.com/claudemeter/claudemeter/internal/logging"
	"github.com/claudemeter/claudemeter/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	var verbose bool
	root := cobra.Command{
		Use:     "claudemeter",
		Short:   "claudemeter tracks Claude Code token usage and spend from local JSONL logs.",
		Version: version.String(),
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.Setup(verbose, true)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newStatsCommand(cfg))
	root.AddCommand(newSyncCommand(cfg))
	root.AddCommand(newDaemonCommand(cfg))
	root.AddCommand(newDBCommand(cfg))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
