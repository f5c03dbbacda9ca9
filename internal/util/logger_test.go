package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"gatekeeper_2026-01-01.log",
		"gatekeeper_2026-01-02.log",
		"gatekeeper_2026-01-03.log",
		"other.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0644))
	}

	assert.Equal(t, 1, CleanOldLogs(dir, 2))

	_, err := os.Stat(filepath.Join(dir, "gatekeeper_2026-01-01.log"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(dir, "gatekeeper_2026-01-03.log"))
	assert.FileExists(t, filepath.Join(dir, "other.log"))
}

func TestInitLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Directory: dir}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUCores)

	usage := GetHostUsage(t.TempDir())
	assert.Positive(t, usage.Goroutines)
}
