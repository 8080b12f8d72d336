package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all service configuration. It is loaded once at startup and
// passed to components explicitly; core packages never read the environment.
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// DatabaseURL is a Postgres DSN. Empty selects the in-memory SQLite
	// store, which is only suitable for local development.
	DatabaseURL string

	// DatasetCache is the base directory under which dataset clones live.
	DatasetCache string

	// Workers is the number of concurrent processing workers.
	Workers int

	// OpTimeout bounds a single materialize+collect run.
	OpTimeout time.Duration

	// RecheckInterval controls the periodic re-check sweep. Zero disables it.
	RecheckInterval time.Duration

	RPSLimit float64
	RPSBurst int
}

// Load reads configuration from the environment, consulting a .env file if
// one is present.
func Load(logger *zap.Logger) *Config {
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded configuration from .env file")
	}

	cfg := &Config{
		Port:            getEnv("REGISTRY_PORT", "8080"),
		Environment:     getEnv("REGISTRY_ENV", "development"),
		LogLevel:        getEnv("REGISTRY_LOG_LEVEL", "info"),
		DatabaseURL:     os.Getenv("REGISTRY_DB_URL"),
		DatasetCache:    getEnv("REGISTRY_DATASET_CACHE", "/var/cache/dsregistry"),
		Workers:         getEnvInt(logger, "REGISTRY_WORKERS", 4),
		OpTimeout:       getEnvDuration(logger, "REGISTRY_OP_TIMEOUT", 10*time.Minute),
		RecheckInterval: getEnvDuration(logger, "REGISTRY_RECHECK_INTERVAL", 0),
		RPSLimit:        float64(getEnvInt(logger, "REGISTRY_RPS_LIMIT", 50)),
		RPSBurst:        getEnvInt(logger, "REGISTRY_RPS_BURST", 100),
	}

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("dataset_cache", cfg.DatasetCache),
		zap.Int("workers", cfg.Workers),
	)
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(logger *zap.Logger, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid integer in environment, using default",
			zap.String("key", key), zap.String("value", v))
		return fallback
	}
	return n
}

func getEnvDuration(logger *zap.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn("invalid duration in environment, using default",
			zap.String("key", key), zap.String("value", v))
		return fallback
	}
	return d
}
