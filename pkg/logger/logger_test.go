package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	log.Info("hello")
	// Sync can legitimately fail on stdout; flushing is best-effort here.
	_ = log.Sync()
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := New(Config{Level: "not-a-level"})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(-1), "debug must be disabled after fallback to info")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stm.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Info("committed")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "committed")
	require.Contains(t, string(data), "gojostm")
}

func TestNewDevelopment(t *testing.T) {
	log, err := NewDevelopment()
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(-1), "development logger must enable debug")
}
