package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go-shot-diagnostics/internal/config"
	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/pipeline"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// usageError marks bad command-line input.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue usageError
	switch {
	case errors.As(err, &ue),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, detector.ErrUnknownDetector),
		errors.Is(err, detector.ErrUnknownBucket),
		errors.Is(err, detector.ErrDuplicate):
		return exitConfig
	}
	return exitFailed
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	}
	os.Exit(exitCode(err))
}
