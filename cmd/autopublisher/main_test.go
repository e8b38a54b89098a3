package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_EnvFileAndOverrides(t *testing.T) {
	origLevel, origLogger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
		opts = globalOptions{}
	})

	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("PORT=9191\nRETRY_CEILING=5\n"), 0o600))
	// godotenv never overrides variables that are already set.
	t.Setenv("PORT", "")
	require.NoError(t, os.Unsetenv("PORT"))
	t.Setenv("RETRY_CEILING", "")
	require.NoError(t, os.Unsetenv("RETRY_CEILING"))

	opts = globalOptions{
		EnvFile:  envFile,
		Feeds:    "custom/feeds.yaml",
		DB:       filepath.Join(dir, "x.db"),
		LogLevel: "debug",
	}
	e, err := setup()
	require.NoError(t, err)
	defer e.close()

	assert.Equal(t, "9191", e.cfg.Port)
	assert.Equal(t, 5, e.cfg.Pipeline.RetryCeiling)
	assert.Equal(t, "custom/feeds.yaml", e.cfg.Pipeline.FeedsFile)
	assert.Equal(t, filepath.Join(dir, "x.db"), e.cfg.DBPath)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetup_MissingEnvFileIsFine(t *testing.T) {
	origLevel, origLogger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
		opts = globalOptions{}
	})

	opts = globalOptions{EnvFile: filepath.Join(t.TempDir(), "absent.env")}
	e, err := setup()
	require.NoError(t, err)
	e.close()
}

func TestSetup_InvalidConfig(t *testing.T) {
	t.Cleanup(func() { opts = globalOptions{} })
	t.Setenv("LOG_LEVEL", "loud")
	opts = globalOptions{EnvFile: filepath.Join(t.TempDir(), "absent.env")}
	_, err := setup()
	require.Error(t, err)
}
