package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan cycle across all platforms",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

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

		report, err := orch.RunCycle(ctx)
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
		}
		if err != nil {
			return eris.Wrap(err, "scan cycle")
		}

		zap.L().Info("scan complete",
			zap.Int("stored", report.Stored),
			zap.Int("duplicates", report.Duplicates),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
