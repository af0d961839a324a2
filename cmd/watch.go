package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchInterval time.Duration

// watchCmd is the periodic cycle driver: one cycle immediately, then one per
// interval tick. Cycles never overlap; a tick arriving while a cycle is
// still running is absorbed by the orchestrator's serialization.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run scan cycles on a fixed interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		orch, client, err := buildOrchestrator(st)
		if err != nil {
			return err
		}
		defer client.Close()

		interval := watchInterval
		if interval <= 0 {
			interval = cfg.Scan.Interval
		}

		zap.L().Info("watch: starting", zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := orch.RunCycle(ctx); err != nil {
				// Store gone: surface it and let the supervisor restart us
				// rather than hammering a dead backend in a loop.
				return err
			}

			select {
			case <-ctx.Done():
				zap.L().Info("watch: shutting down")
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "cycle interval (default from config)")
	rootCmd.AddCommand(watchCmd)
}
