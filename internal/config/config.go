package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds process-level settings. The per-build source listing lives in
// the YAML registry, not here.
type Config struct {
	DBPath string

	FetchTimeoutMs int
	FetchWorkers   int
	FetchRateRPS   int
	FetchRetries   int
	UserAgent      string

	Strict     bool
	SampleRows int
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath: getEnv("ICD_DB_PATH", filepath.Join(cwd, "data", "icdcompass.db")),

		FetchTimeoutMs: getEnvInt("ICD_FETCH_TIMEOUT_MS", 30000),
		FetchWorkers:   getEnvInt("ICD_FETCH_WORKERS", 4),
		FetchRateRPS:   getEnvInt("ICD_FETCH_RATE_RPS", 5),
		FetchRetries:   getEnvInt("ICD_FETCH_RETRIES", 3),
		UserAgent:      getEnv("ICD_USER_AGENT", "icdcompass/1.0"),

		Strict:     getEnvBool("ICD_STRICT", false),
		SampleRows: getEnvInt("ICD_SAMPLE_ROWS", 5),
	}

	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 1
	}
	if cfg.SampleRows < 0 {
		cfg.SampleRows = 0
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
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
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
