package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tracelight/marketscan/internal/health"
)

var statusLookback int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show detection counts and pipeline health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := health.NewCollector(st, nil).Collect(ctx, statusLookback)
		if err != nil {
			return eris.Wrap(err, "collect health")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 24, "lookback window in hours")
	rootCmd.AddCommand(statusCmd)
}
