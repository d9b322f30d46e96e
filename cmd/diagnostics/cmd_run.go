package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
	"go-shot-diagnostics/pkg/utils"
)

// parseRunArgs reads "<start> <end> [reset]".
func parseRunArgs(args []string) (model.ShotRange, bool, error) {
	start, err := strconv.Atoi(args[0])
	if err != nil {
		return model.ShotRange{}, false, usageError{fmt.Errorf("start shot %q: %w", args[0], err)}
	}
	end, err := strconv.Atoi(args[1])
	if err != nil {
		return model.ShotRange{}, false, usageError{fmt.Errorf("end shot %q: %w", args[1], err)}
	}
	if start < 0 || end < start {
		return model.ShotRange{}, false, usageError{fmt.Errorf("invalid shot range %d..%d", start, end)}
	}
	reset := false
	if len(args) == 3 {
		if !strings.EqualFold(args[2], "reset") {
			return model.ShotRange{}, false, usageError{fmt.Errorf("unexpected argument %q, want \"reset\"", args[2])}
		}
		reset = true
	}
	return model.ShotRange{Start: start, End: end}, reset, nil
}

func runShots(cmd *cobra.Command, args []string) error {
	r, reset, err := parseRunArgs(args)
	if err != nil {
		return err
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	channels := a.cfg.Run.Channels
	if runChannels != "" {
		channels = utils.SplitList(runChannels)
	}

	stats, err := a.engine.Run(cmd.Context(), model.RunRequest{
		Range:    r,
		Channels: channels,
		Reset:    reset,
	})
	if err != nil {
		return err
	}

	reportDir := runReportDir
	if reportDir == "" {
		reportDir = a.cfg.Run.ReportDir
	}
	if reportDir != "" {
		path, err := utils.NewOutputManager(reportDir).WriteJSON(stats.RunID, utils.ReportFile, stats)
		if err != nil {
			return fmt.Errorf("write run report: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "📊 Report written to %s\n", path)
	}
	return nil
}

func rerunShots(cmd *cobra.Command, args []string) error {
	shots, err := utils.ParseShots(rerunShotSpec)
	if err != nil {
		return usageError{fmt.Errorf("--shots: %w", err)}
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.engine.Rerun(cmd.Context(), rerunRange, shots, rerunReset)
	return err
}

func backfillDetector(cmd *cobra.Command, args []string) error {
	var r *model.ShotRange
	if backfillRange != "" {
		parsed, err := store.ParseShardName(backfillRange)
		if err != nil {
			return usageError{fmt.Errorf("--range: %w", err)}
		}
		r = &parsed
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.engine.Backfill(cmd.Context(), args[0], args[1], r)
	return err
}
