package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/firm/internal/config"
)

func TestFileName(t *testing.T) {
	start := time.Unix(1700000000, 0)

	assert.Equal(t, "log/app.1700000000.log", FileName("log/app.log", true, start))
	assert.Equal(t, "log/app.log", FileName("log/app.log", false, start))
	assert.Equal(t, "app.1700000000", FileName("app", true, start))
}

func TestNew_Levels(t *testing.T) {
	tests := map[string]logrus.Level{
		"DEBUG":    logrus.DebugLevel,
		"info":     logrus.InfoLevel,
		"WARNING":  logrus.WarnLevel,
		"ERROR":    logrus.ErrorLevel,
		"CRITICAL": logrus.FatalLevel,
	}

	for name, want := range tests {
		logger, err := New(config.LoggingConfig{Level: name}, time.Now())
		require.NoError(t, err, name)
		assert.Equal(t, want, logger.GetLevel(), name)
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "chatty"}, time.Now())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNew_WritesFile(t *testing.T) {
	dir := t.TempDir()
	start := time.Unix(1234, 0)
	cfg := config.LoggingConfig{
		Enabled:   true,
		Level:     "INFO",
		File:      filepath.Join(dir, "nested", "app.log"),
		Timestamp: true,
	}

	logger, err := New(cfg, start)
	require.NoError(t, err)
	logger.Info("hello from the test")

	data, err := os.ReadFile(filepath.Join(dir, "nested", "app.1234.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test")
}
