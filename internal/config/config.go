package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Agencies    AgenciesConfig
	Matching    MatchingConfig
	Jobs        JobsConfig
	Logging     LoggingConfig
	Tracing     TracingConfig
	Environment string
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdle        int
}

// AgenciesConfig locates the per-agency connector config directory.
type AgenciesConfig struct {
	Dir string
}

// MatchingConfig holds process-wide defaults for cross-source matching.
// Individual agencies may override the window in their own config file.
type MatchingConfig struct {
	Window          time.Duration
	TrustPrecedence []string
}

type JobsConfig struct {
	// RetryReconciliation caps retries of a reconcile that lost an
	// optimistic-concurrency race.
	RetryReconciliation int
	FinalizeInterval    time.Duration
	CleanupInterval     time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 25),
			MaxIdle:        getEnvInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
		},
		Agencies: AgenciesConfig{
			Dir: getEnv("AGENCY_CONFIG_DIR", "configs/agencies"),
		},
		Matching: MatchingConfig{
			Window:          time.Duration(getEnvInt("MATCHING_WINDOW_SECONDS", 300)) * time.Second,
			TrustPrecedence: []string{"agency_feed", "plate_pay", "manual"},
		},
		Jobs: JobsConfig{
			RetryReconciliation: getEnvInt("JOB_RETRY_RECONCILIATION", 5),
			FinalizeInterval:    time.Duration(getEnvInt("JOB_FINALIZE_INTERVAL_SECONDS", 300)) * time.Second,
			CleanupInterval:     time.Duration(getEnvInt("JOB_CLEANUP_INTERVAL_SECONDS", 3600)) * time.Second,
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnv("TRACING_EXPORTER", "none"),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "tollsync"),
			OTLPEndpoint: getEnv("TRACING_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
