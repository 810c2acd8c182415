package util

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesToDailyFile(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	dir := t.TempDir()
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 3}))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	logger := ComponentLogger("test")
	logger.Info().Msg("hello")

	files, err := filepath.Glob(filepath.Join(dir, "netsession_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)

	// Unknown levels fall back to info.
	require.NoError(t, InitLogger(LogConfig{Level: "loud", Directory: dir, MaxBackups: 3}))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for day := 1; day <= 5; day++ {
		name := fmt.Sprintf("netsession_2024-02-0%d.log", day)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	assert.Equal(t, 3, CleanOldLogs(dir, 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"netsession_2024-02-04.log", "netsession_2024-02-05.log", "notes.txt"}, names)

	assert.Zero(t, CleanOldLogs(filepath.Join(dir, "missing"), 1))
}
