package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dgw.log")

	log, level, err := Init(&Config{
		Level: zapcore.InfoLevel,
		File:  &FileConfig{Path: path, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	log.Debugw("hidden")
	log.Infow("visible", "service", "br0")
	_ = log.Sync()

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(buf), "visible")
	require.NotContains(t, string(buf), "hidden")

	level.SetLevel(zapcore.DebugLevel)
	log.Debugw("now visible")
	_ = log.Sync()

	buf, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(buf), "now visible")
}

func TestInitRejectsEmptyFilePath(t *testing.T) {
	_, _, err := Init(&Config{File: &FileConfig{}})
	require.Error(t, err)
}
