package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go-shot-diagnostics/internal/config"
	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/pipeline"
	"go-shot-diagnostics/internal/shard"
	"go-shot-diagnostics/internal/source"
	"go-shot-diagnostics/internal/store"
	"go-shot-diagnostics/internal/syncloop"
)

// app holds everything one command invocation needs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	source   source.Source
	registry *detector.Registry
	engine   *pipeline.Engine

	closers []func() error
}

// newApp loads configuration and wires the engine.
func newApp(cfgPath string) (_ *app, err error) {
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("%w: logging: %v", config.ErrInvalid, err)
	}
	a.logger = logger
	a.closers = append(a.closers, logCloser.Close)

	a.registry, err = buildRegistry(cfg.Detectors)
	if err != nil {
		return nil, err
	}

	a.store, err = store.Open(cfg.Store.Path, cfg.Store.ShardPrefix)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.source = buildSource(cfg.Source, logger)
	if in, ok := a.source.(*source.Influx); ok {
		a.closers = append(a.closers, func() error { in.Close(); return nil })
	}

	journal, err := pipeline.OpenJournal(cfg.Store.JournalDir)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, journal.Close)

	shards := shard.NewManager(a.store, cfg.Shard.Capacity, logger)
	a.engine = pipeline.New(a.store, a.source, a.registry, shards, journal, pipeline.Options{
		Databases:     cfg.Run.Databases,
		Channels:      cfg.Run.Channels,
		Workers:       cfg.Dispatch.WorkerCount(),
		BatchSize:     cfg.Dispatch.BatchSize,
		PoolSize:      cfg.Dispatch.PoolSize,
		FailFast:      cfg.Dispatch.FailFast,
		FlushInterval: cfg.Writer.FlushInterval,
		Retry:         cfg.Retry,
	}, logger)

	return a, nil
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// syncLoop builds the sync controller from the sync section.
func (a *app) syncLoop(out io.Writer) *syncloop.Loop {
	s := a.cfg.Sync
	return syncloop.New(a.engine, syncloop.Config{
		PollInterval:   s.PollInterval,
		SampleInterval: s.SampleInterval,
		SampleWindow:   s.SampleWindow,
		ConfirmWait:    s.ConfirmWait,
		FirstShot:      s.FirstShot,
	}, a.logger, syncloop.WithOutput(out))
}

// watchDetectors reloads the detector map in the background when enabled.
func (a *app) watchDetectors(ctx context.Context) {
	if !a.cfg.Detectors.Watch {
		return
	}
	go func() {
		if err := detector.Watch(ctx, a.cfg.Detectors.MapFile, a.registry, a.logger); err != nil {
			a.logger.Warn("detector map watch stopped", "error", err)
		}
	}()
}

func buildSource(cfg config.SourceConfig, logger *slog.Logger) source.Source {
	if cfg.Kind == "memory" {
		logger.Warn("memory source holds no shots, runs will find nothing to process", "kind", cfg.Kind)
		return source.NewMemory()
	}
	buckets := make(map[string]string, len(cfg.Databases))
	for name, db := range cfg.Databases {
		bucket := db.Bucket
		if bucket == "" {
			bucket = name
		}
		buckets[name] = bucket
	}
	return source.NewInflux(source.InfluxConfig{
		URL:           cfg.URL,
		Token:         cfg.Token,
		Org:           cfg.Org,
		Buckets:       buckets,
		RatePerSecond: cfg.RatePerSecond,
	}, logger)
}

// buildRegistry registers the built-in and expression detectors and
// installs the channel map. Any failure here is fatal at startup.
func buildRegistry(cfg config.DetectorsConfig) (*detector.Registry, error) {
	reg := detector.NewRegistry(detector.Builtins()...)

	m, err := detector.LoadMap(cfg.MapFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	for _, ec := range cfg.Expressions {
		spec := detector.ExpressionSpec{
			Name:   ec.Name,
			Expr:   ec.Expr,
			Mode:   detector.Mode(ec.Mode),
			Window: ec.Window,
		}
		if len(ec.Period) == 2 {
			spec.Period = &[2]float64{ec.Period[0], ec.Period[1]}
		}
		d, err := detector.NewExpression(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
		if err := reg.AddChannels(ec.Bucket, ec.Name, ec.Channels); err != nil {
			return nil, err
		}
	}

	if err := reg.SetMap(m); err != nil {
		return nil, err
	}
	return reg, nil
}
