package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-shot-diagnostics/internal/config"
	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/pipeline"
	"go-shot-diagnostics/internal/source"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseRunArgs(t *testing.T) {
	r, reset, err := parseRunArgs([]string{"10", "20"})
	require.NoError(t, err)
	assert.Equal(t, model.ShotRange{Start: 10, End: 20}, r)
	assert.False(t, reset)

	_, reset, err = parseRunArgs([]string{"10", "20", "RESET"})
	require.NoError(t, err)
	assert.True(t, reset)

	for _, args := range [][]string{
		{"a", "20"},
		{"10", "b"},
		{"20", "10"},
		{"-1", "10"},
		{"10", "20", "force"},
	} {
		_, _, err := parseRunArgs(args)
		var ue usageError
		assert.True(t, errors.As(err, &ue), "args %v", args)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailed, exitCode(errors.New("boom")))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("load: %w", config.ErrInvalid)))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("%w: x", pipeline.ErrInvalidRequest)))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("%w: x", detector.ErrUnknownDetector)))
	assert.Equal(t, exitConfig, exitCode(usageError{errors.New("bad flag")}))
}

func TestBuildRegistry(t *testing.T) {
	dir := t.TempDir()
	mapFile := writeFile(t, dir, "map.yaml", "HA:\n  error_ha_saturation: [HA01]\n")

	reg, err := buildRegistry(config.DetectorsConfig{
		MapFile: mapFile,
		Expressions: []config.ExpressionConfig{{
			Name:     "error_flat_zero",
			Bucket:   "HCN",
			Expr:     "abs(Y) < 0.001",
			Mode:     "global",
			Channels: []string{"HCN01"},
		}},
	})
	require.NoError(t, err)

	_, allow, err := reg.Resolve("HA", "error_ha_saturation")
	require.NoError(t, err)
	assert.Equal(t, []string{"HA01"}, allow)

	_, allow, err = reg.Resolve("HCN", "error_flat_zero")
	require.NoError(t, err)
	assert.Equal(t, []string{"HCN01"}, allow)
}

func TestBuildRegistryRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()

	_, err := buildRegistry(config.DetectorsConfig{MapFile: filepath.Join(dir, "missing.yaml")})
	assert.ErrorIs(t, err, config.ErrInvalid)

	unknown := writeFile(t, dir, "unknown.yaml", "HA:\n  error_nope: [HA01]\n")
	_, err = buildRegistry(config.DetectorsConfig{MapFile: unknown})
	assert.ErrorIs(t, err, detector.ErrUnknownDetector)

	ok := writeFile(t, dir, "ok.yaml", "{}\n")
	_, err = buildRegistry(config.DetectorsConfig{
		MapFile:     ok,
		Expressions: []config.ExpressionConfig{{Name: "bad", Bucket: "HA", Expr: "Y >", Channels: []string{"HA01"}}},
	})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestBuildSourceWarnsOnMemory(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	src := buildSource(config.SourceConfig{Kind: "memory"}, logger)
	assert.IsType(t, &source.Memory{}, src)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "memory source holds no shots")

	buf.Reset()
	src = buildSource(config.SourceConfig{Kind: "influx", URL: "http://localhost:8086"}, logger)
	assert.IsType(t, &source.Influx{}, src)
	assert.NotContains(t, buf.String(), "memory source")
	src.(*source.Influx).Close()
}

// memoryConfig writes a configuration backed by the in-memory source and a
// temp-dir store.
func memoryConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mapFile := writeFile(t, dir, "map.yaml", "{}\n")
	return writeFile(t, dir, "diagnostics.yaml", fmt.Sprintf(`store:
  path: %s
source:
  kind: memory
run:
  databases: [exl50u]
detectors:
  map_file: %s
logging:
  level: error
`, filepath.Join(dir, "diag.db"), mapFile))
}

func TestRunCommandWritesReport(t *testing.T) {
	cfgFile := memoryConfig(t)
	reportDir := filepath.Join(t.TempDir(), "reports")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", cfgFile, "run", "1", "2", "--report-dir", reportDir})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		runReportDir = ""
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Report written to")

	matches, err := filepath.Glob(filepath.Join(reportDir, "*", "summary.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRerunCommand(t *testing.T) {
	cfgFile := memoryConfig(t)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rerunRange, rerunShotSpec, rerunReset = "", "", false
	})

	rootCmd.SetArgs([]string{"--config", cfgFile, "rerun", "--range", "1_10", "--shots", "2-4,7", "--reset"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "2-4,7", rerunShotSpec)
	assert.True(t, rerunReset)

	rootCmd.SetArgs([]string{"--config", cfgFile, "rerun", "--range", "1_10", "--shots", "x-y"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))

	rootCmd.SetArgs([]string{"--config", cfgFile, "rerun", "--range", "1_10", "--shots", "12"})
	err = rootCmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrInvalidRequest)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestRunCommandRejectsBadArgs(t *testing.T) {
	rootCmd.SetArgs([]string{"run", "1"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}
