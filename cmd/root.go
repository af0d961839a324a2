package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tracelight/marketscan/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "marketscan",
	Short: "Marketplace listing scanner and dedup pipeline",
	Long:  "Periodically scans marketplace sites for a rotating multilingual keyword set, normalizes and deduplicates the results, and persists scored detections for downstream alerting.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
