package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go-shot-diagnostics/internal/api"
	"go-shot-diagnostics/internal/api/handler"
	"go-shot-diagnostics/internal/config"
	"go-shot-diagnostics/internal/store"
	"go-shot-diagnostics/pkg/utils"
)

func main() {
	cfgPath := os.Getenv("DIAGNOSTICS_CONFIG")
	if cfgPath == "" {
		cfgPath = "diagnostics.yaml"
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Printf("❌ %v", err)
		os.Exit(2)
	}

	// Init DB
	st, err := store.Open(cfg.Store.Path, cfg.Store.ShardPrefix)
	if err != nil {
		log.Fatalf("❌ open store: %v", err)
	}
	defer st.Close()

	var reports *utils.OutputManager
	if cfg.Run.ReportDir != "" {
		reports = utils.NewOutputManager(cfg.Run.ReportDir)
	}

	// Create router
	r := api.NewRouter(handler.New(st, reports, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server
	if err := r.Start(ctx, cfg.API.Addr); err != nil {
		log.Printf("❌ server stopped: %v", err)
	}
}
