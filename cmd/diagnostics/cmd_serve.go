package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-shot-diagnostics/internal/api"
	"go-shot-diagnostics/internal/api/handler"
	"go-shot-diagnostics/internal/syncloop"
	"go-shot-diagnostics/pkg/utils"
)

func (a *app) serve(ctx context.Context, sync func() syncloop.Status) error {
	var reports *utils.OutputManager
	if a.cfg.Run.ReportDir != "" {
		reports = utils.NewOutputManager(a.cfg.Run.ReportDir)
	}
	h := handler.New(a.store, reports, sync)
	h.SetDetectors(a.registry.Snapshot)
	r := api.NewRouter(h)
	a.logger.Info("status API listening", "addr", a.cfg.API.Addr)
	return r.Start(ctx, a.cfg.API.Addr)
}

func serveAPI(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serve(cmd.Context(), nil)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	a.watchDetectors(ctx)
	loop := a.syncLoop(cmd.OutOrStdout())

	if !syncServe {
		return loop.Run(ctx)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return a.serve(ctx, loop.Status) })
	return g.Wait()
}
