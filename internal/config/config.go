// Package config loads and validates the engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
)

// ErrInvalid marks every configuration problem; the CLI maps it to exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// DefaultPath is used when no --config flag is given.
const DefaultPath = "diagnostics.yaml"

// Config is the root of diagnostics.yaml.
type Config struct {
	Store     StoreConfig                  `yaml:"store"`
	Source    SourceConfig                 `yaml:"source"`
	Run       RunConfig                    `yaml:"run"`
	Dispatch  DispatchConfig               `yaml:"dispatch"`
	Writer    WriterConfig                 `yaml:"writer"`
	Shard     ShardConfig                  `yaml:"shard"`
	Sync      SyncConfig                   `yaml:"sync"`
	Detectors DetectorsConfig              `yaml:"detectors"`
	Retry     map[string]model.RetryConfig `yaml:"retry"`
	API       APIConfig                    `yaml:"api"`
	Logging   logging.Config               `yaml:"logging"`
}

type StoreConfig struct {
	Path        string `yaml:"path" validate:"required"`
	ShardPrefix string `yaml:"shard_prefix" validate:"required"`
	JournalDir  string `yaml:"journal_dir"`
}

// SourceConfig selects the experiment store. Kind "memory" starts empty and
// is meant for dry runs of the CLI wiring.
type SourceConfig struct {
	Kind          string              `yaml:"kind" validate:"oneof=influx memory"`
	URL           string              `yaml:"url" validate:"required_if=Kind influx"`
	Token         string              `yaml:"token"`
	Org           string              `yaml:"org"`
	RatePerSecond float64             `yaml:"rate_per_second" validate:"gte=0"`
	Databases     map[string]Database `yaml:"databases" validate:"required,min=1,dive"`
}

// Database describes one source database of the experiment store.
type Database struct {
	Bucket   string   `yaml:"bucket"`
	Addr     string   `yaml:"addr"`
	Path     string   `yaml:"path"`
	Subtrees []string `yaml:"subtrees"`
}

type RunConfig struct {
	Databases []string `yaml:"databases" validate:"required,min=1"`
	Channels  []string `yaml:"channels"`
	ReportDir string   `yaml:"report_dir"`
}

type DispatchConfig struct {
	BatchSize int  `yaml:"batch_size" validate:"gte=1"`
	Workers   int  `yaml:"workers" validate:"gte=0,lte=1024"`
	PoolSize  int  `yaml:"pool_size" validate:"gte=1"`
	FailFast  bool `yaml:"fail_fast"`
}

type WriterConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
}

type ShardConfig struct {
	Capacity int `yaml:"capacity" validate:"gte=1"`
}

type SyncConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	SampleInterval time.Duration `yaml:"sample_interval" validate:"gt=0"`
	SampleWindow   time.Duration `yaml:"sample_window" validate:"gtefield=SampleInterval"`
	ConfirmWait    time.Duration `yaml:"confirm_wait" validate:"gte=0"`
	FirstShot      int           `yaml:"first_shot" validate:"gte=0"`
}

type DetectorsConfig struct {
	MapFile     string             `yaml:"map_file" validate:"required"`
	Watch       bool               `yaml:"watch"`
	Expressions []ExpressionConfig `yaml:"expressions" validate:"dive"`
}

// ExpressionConfig declares a detector defined by a condition expression.
type ExpressionConfig struct {
	Name     string    `yaml:"name" validate:"required"`
	Bucket   string    `yaml:"bucket" validate:"required"`
	Expr     string    `yaml:"expr" validate:"required"`
	Mode     string    `yaml:"mode" validate:"omitempty,oneof=global segments"`
	Period   []float64 `yaml:"period" validate:"omitempty,len=2"`
	Window   int       `yaml:"window" validate:"gte=0"`
	Channels []string  `yaml:"channels" validate:"required,min=1"`
}

type APIConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// Default returns the configuration used when keys are missing from the file.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "diagnostics.db", ShardPrefix: "DataDiagnosticPlatform"},
		Source: SourceConfig{
			Kind:          "influx",
			URL:           "http://localhost:8086",
			RatePerSecond: 20,
			Databases: map[string]Database{
				"exl50":   {Bucket: "exl50", Addr: "192.168.20.11", Path: "192.168.20.11::/media/ennfusion/trees/exl50", Subtrees: []string{"FBC", "PAI", "PMNT"}},
				"exl50u":  {Bucket: "exl50u", Addr: "192.168.20.11", Path: "192.168.20.11::/media/ennfusion/trees/exl50u", Subtrees: []string{"FBC", "PAI", "PMNT"}},
				"eng50u":  {Bucket: "eng50u", Addr: "192.168.20.41", Path: "192.168.20.41::/media/ennfusion/ENNMNT/trees/eng50u", Subtrees: []string{"PMNT"}},
				"ecrhlab": {Bucket: "ecrhlab", Addr: "192.168.20.32", Path: "192.168.20.32::/media/ecrhdb/trees/ecrhlab", Subtrees: []string{"PAI"}},
				"ts":      {Bucket: "ts", Addr: "192.168.20.28", Path: "192.168.20.28::/media/ennts/trees/ts", Subtrees: []string{"AI"}},
			},
		},
		Run:      RunConfig{Databases: []string{"exl50u", "eng50u"}},
		Dispatch: DispatchConfig{BatchSize: 100, PoolSize: 5},
		Writer:   WriterConfig{FlushInterval: time.Second},
		Shard:    ShardConfig{Capacity: 100},
		Sync: SyncConfig{
			PollInterval:   60 * time.Second,
			SampleInterval: 10 * time.Second,
			SampleWindow:   60 * time.Second,
			ConfirmWait:    30 * time.Second,
		},
		Detectors: DetectorsConfig{MapFile: "algorithm_channel_map.yaml"},
		API:       APIConfig{Addr: ":8080"},
		Logging:   logging.Config{Level: "info", Format: "text", Service: "diagnostics"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

var validate = validator.New()

// Validate checks struct constraints and cross-field references.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, db := range c.Run.Databases {
		if _, ok := c.Source.Databases[db]; !ok {
			return fmt.Errorf("%w: run database %q is not configured under source.databases", ErrInvalid, db)
		}
	}
	return nil
}

// WorkerCount resolves the worker count, defaulting to min(64, cores-1).
func (d DispatchConfig) WorkerCount() int {
	if d.Workers > 0 {
		return d.Workers
	}
	return DefaultWorkers(runtime.NumCPU())
}

// DefaultWorkers returns min(64, cores-1), at least 1.
func DefaultWorkers(cores int) int {
	n := cores - 1
	if n > 64 {
		n = 64
	}
	if n < 1 {
		n = 1
	}
	return n
}
