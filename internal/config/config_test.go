package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 500, cfg.Source.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Source.PageTimeout())
	assert.Equal(t, 3, cfg.Source.MaxRetries)
	assert.Equal(t, 500, cfg.Ingest.BatchSize)
	assert.Equal(t, "0 0 * * *", cfg.Schedule.Cron)
	assert.True(t, cfg.Schedule.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MANDISYNC_SOURCE_PAGE_SIZE", "100")
	t.Setenv("MANDISYNC_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Source.PageSize)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}

func TestInitLogger_Console(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)
}
