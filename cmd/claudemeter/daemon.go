package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/claudemeter/claudemeter/internal/config"
	"github.com/claudemeter/claudemeter/internal/syncer"
)

func newDaemonCommand(cfg config.Config) *cobra.Command {
	var interval string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run in the foreground, syncing periodically and on log file changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, st, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			iv := cfg.SyncInterval
			if interval != "" {
				iv = syncer.ParseInterval(interval)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Catch up before settling into the timer loop.
			if _, err := eng.TriggerIncrementalSync(ctx); err != nil && !errors.Is(err, syncer.ErrSyncInFlight) {
				log.Warn().Err(err).Msg("initial sync failed")
			}

			coord := eng.Coordinator()
			g, ctx := errgroup.WithContext(ctx)
			if cfg.AutoSync {
				g.Go(func() error {
					return syncer.NewRunner(coord, iv).Run(ctx)
				})
			}
			g.Go(func() error {
				return syncer.NewWatcher(coord, eng.LogsRoot()).Run(ctx)
			})

			log.Info().
				Str("root", eng.LogsRoot()).
				Str("interval", string(iv)).
				Bool("autosync", cfg.AutoSync).
				Msg("daemon running")

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("daemon: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&interval, "interval", "", "sync interval (15m, 30m, 1h, 3h, 6h)")

	return cmd
}
