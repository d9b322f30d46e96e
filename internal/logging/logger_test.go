package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewLogger_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(Config{Level: "info", Format: "json", Service: "sync"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("shot finished", "shot", 42)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"service":"sync"`)
	assert.Contains(t, out, `"shot":42`)
}

func TestNewLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger, closer, err := newLogger(Config{Service: "cli", LogDir: dir}, &buf)
	require.NoError(t, err)

	logger.Warn("pool exhausted", "db", "exl50u")
	require.NoError(t, closer.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "cli_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"db":"exl50u"`)
	assert.Contains(t, buf.String(), "pool exhausted")
}
