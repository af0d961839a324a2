package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tracelight/marketscan/internal/model"
	"github.com/tracelight/marketscan/internal/normalize"
	"github.com/tracelight/marketscan/internal/store"
)

var (
	listPlatform string
	listLevel    string
	listSince    time.Duration
	listLimit    int
)

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "Inspect stored detections",
}

var detectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent detections",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		f := store.Filter{
			Platform: model.Platform(listPlatform),
			Level:    model.ThreatLevel(listLevel),
			Limit:    listLimit,
		}
		if listSince > 0 {
			f.Since = time.Now().Add(-listSince)
		}

		detections, err := st.ListRecent(ctx, f)
		if err != nil {
			return eris.Wrap(err, "list detections")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detections)
	},
}

var detectionsLookupCmd = &cobra.Command{
	Use:   "lookup <url>",
	Short: "Look up one detection by listing URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		canon, err := normalize.CanonicalURL(args[0])
		if err != nil {
			return eris.Wrap(err, "canonicalize url")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		d, err := st.FindByURL(ctx, canon)
		if err != nil {
			return eris.Wrap(err, "find detection")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	},
}

var reviewStatus string

var detectionsReviewCmd = &cobra.Command{
	Use:   "review <url>",
	Short: "Update the review status of a detection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		status := model.DetectionStatus(reviewStatus)
		switch status {
		case model.DetectionNew, model.DetectionReviewed, model.DetectionDismissed:
		default:
			return eris.Errorf("invalid status %q", reviewStatus)
		}

		canon, err := normalize.CanonicalURL(args[0])
		if err != nil {
			return eris.Wrap(err, "canonicalize url")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		return eris.Wrap(st.UpdateStatus(ctx, canon, status), "update status")
	},
}

var detectionsDeleteCmd = &cobra.Command{
	Use:   "delete <url>",
	Short: "Delete a detection by listing URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		canon, err := normalize.CanonicalURL(args[0])
		if err != nil {
			return eris.Wrap(err, "canonicalize url")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		return eris.Wrap(st.DeleteByURL(ctx, canon), "delete detection")
	},
}

func init() {
	detectionsListCmd.Flags().StringVar(&listPlatform, "platform", "", "filter by platform")
	detectionsListCmd.Flags().StringVar(&listLevel, "level", "", "filter by threat level")
	detectionsListCmd.Flags().DurationVar(&listSince, "since", 0, "only detections newer than this age")
	detectionsListCmd.Flags().IntVar(&listLimit, "limit", 50, "max results")
	detectionsReviewCmd.Flags().StringVar(&reviewStatus, "status", "reviewed", "new | reviewed | dismissed")

	detectionsCmd.AddCommand(detectionsListCmd, detectionsLookupCmd, detectionsReviewCmd, detectionsDeleteCmd)
	rootCmd.AddCommand(detectionsCmd)
}
