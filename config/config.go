// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string
	Env             string
	ShutdownTimeout time.Duration
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	// Path is the SQLite database file, or ":memory:" for ephemeral runs.
	Path string
	// SeedFile optionally points at a YAML fixture applied on startup.
	SeedFile string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string
}

// Config is the full service configuration.
type Config struct {
	ServiceName string
	Server      ServerConfig
	Store       StoreConfig
	Log         LogConfig
}

// Load reads configuration from environment variables. A .env file is
// loaded first when present; it is optional.
func Load(serviceName string) *Config {
	// Ignore the error: the .env file is a local convenience only.
	_ = godotenv.Load()

	return &Config{
		ServiceName: serviceName,
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Env:             getEnv("APP_ENV", "development"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Path:     getEnv("DB_PATH", serviceName+".db"),
			SeedFile: getEnv("SEED_FILE", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

// Fields returns the configuration as zap fields for the startup log line.
func (c *Config) Fields() []zap.Field {
	return []zap.Field{
		zap.String("service", c.ServiceName),
		zap.String("environment", c.Server.Env),
		zap.String("server_port", c.Server.Port),
		zap.String("db_path", c.Store.Path),
		zap.String("log_level", c.Log.Level),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
