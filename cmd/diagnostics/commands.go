package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string

	runChannels  string
	runReportDir string

	rerunRange    string
	rerunShotSpec string
	rerunReset    bool

	backfillRange string

	syncServe bool

	rootCmd = &cobra.Command{
		Use:           "diagnostics",
		Short:         "Shot data diagnostics: run anomaly detectors over experiment shots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run <start> <end> [reset]",
		Short: "Process a shot range, creating or extending shards as needed",
		Long: `Process every channel of every configured database for shots start..end.
Completed channels are skipped unless the literal "reset" is given, in which
case the shards touched by the range are cleared first.`,
		Args: usageArgs(cobra.RangeArgs(2, 3)),
		RunE: runShots,
	}

	rerunCmd = &cobra.Command{
		Use:   "rerun --range <shard> --shots <spec>",
		Short: "Reprocess a subset of shots of one shard in place",
		Args:  usageArgs(cobra.NoArgs),
		RunE:  rerunShots,
	}

	backfillCmd = &cobra.Command{
		Use:   "single-algorithm <channelType> <detector>",
		Short: "Apply one detector to every matching channel of existing shards",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE:  backfillDetector,
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Follow the experiment store and process new shots once they are stable",
		Args:  usageArgs(cobra.NoArgs),
		RunE:  runSync,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		Args:  usageArgs(cobra.NoArgs),
		RunE:  serveAPI,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "diagnostics.yaml", "Path to the configuration file")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runChannels, "channels", "", "Comma-separated channel allow-list (default: all channels)")
	runCmd.Flags().StringVar(&runReportDir, "report-dir", "", "Write a JSON summary to <dir>/<run_id>/summary.json")

	rootCmd.AddCommand(rerunCmd)
	rerunCmd.Flags().StringVar(&rerunRange, "range", "", "Shard to rerun, as start_end or the full shard name")
	rerunCmd.Flags().StringVar(&rerunShotSpec, "shots", "", "Shots to rerun, e.g. 5-10,15,20")
	rerunCmd.Flags().BoolVar(&rerunReset, "reset", false, "Delete the shots' records before reprocessing")
	_ = rerunCmd.MarkFlagRequired("range")
	_ = rerunCmd.MarkFlagRequired("shots")

	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().StringVar(&backfillRange, "range", "", "Limit the backfill to shards overlapping start_end")

	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncServe, "serve", false, "Also serve the status API on api.addr")

	rootCmd.AddCommand(serveCmd)
}
