package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tierpoint/allocation-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: None of the configuration variables are set
	// WHEN: Configuration is loaded
	// THEN: Every field falls back to its documented default

	cfg := config.Load("allocation-engine")

	assert.Equal(t, "allocation-engine", cfg.ServiceName)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "allocation-engine.db", cfg.Store.Path)
	assert.Equal(t, "", cfg.Store.SeedFile)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("DB_PATH", "/var/lib/engine.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := config.Load("allocation-engine")

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/var/lib/engine.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MalformedDuration_FallsBack(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")

	cfg := config.Load("allocation-engine")

	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}
