package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database connection settings, loaded from DB_* environment
// variables.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	PoolSize        int
	PoolTimeout     time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	RetryBudget     int
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	poolSize, _ := strconv.Atoi(getEnvOrDefault("DB_POOL_SIZE", "10"))
	poolTimeout, _ := strconv.Atoi(getEnvOrDefault("DB_POOL_TIMEOUT_SECONDS", "10"))
	retries, _ := strconv.Atoi(getEnvOrDefault("DB_RETRY_BUDGET", "3"))

	return Config{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "conductor"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "conductor"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		PoolSize:        poolSize,
		PoolTimeout:     time.Duration(poolTimeout) * time.Second,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		RetryBudget:     retries,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
