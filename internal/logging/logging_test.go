package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewJSONFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "reqon.log")

	logger, err := New(Options{Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("mission started", zap.String("mission", "crm-sync"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err, "the log directory should have been created")
	assert.Contains(t, string(data), `"msg":"mission started"`)
	assert.Contains(t, string(data), `"mission":"crm-sync"`)
}

func TestNewConsoleDefaultsToInfo(t *testing.T) {
	logger, err := New(Options{})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestNewDebugLowersLevel(t *testing.T) {
	logger, err := New(Options{Debug: true, Format: "json", File: filepath.Join(t.TempDir(), "d.log")})
	require.NoError(t, err)

	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNewFileSinkSkipsColor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")

	logger, err := New(Options{Format: "console", File: path})
	require.NoError(t, err)

	logger.Warn("throttled")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "WARN")
	assert.NotContains(t, string(data), "\x1b[", "file output must not carry color escapes")
}
