// Package cache provides the shared Redis client used by the lock
// service, the rate limiter, and the adapter GET cache. Each of those
// components owns its own key namespace; nothing else writes to it.
package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds cache connection settings, loaded from REDIS_* environment
// variables.
type Config struct {
	Host     string
	Port     int
	Password string
	MaxConns int

	// Breaker thresholds for calls against the cache itself.
	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
}

// LoadConfigFromEnv loads cache configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("REDIS_PORT", "6379"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	maxConns, _ := strconv.Atoi(getEnvOrDefault("REDIS_MAX_CONNECTIONS", "20"))
	failures, _ := strconv.Atoi(getEnvOrDefault("REDIS_CIRCUIT_FAILURE_THRESHOLD", "5"))
	recovery, _ := strconv.Atoi(getEnvOrDefault("REDIS_CIRCUIT_RECOVERY_SECONDS", "30"))

	return Config{
		Host:                    getEnvOrDefault("REDIS_HOST", "localhost"),
		Port:                    port,
		Password:                os.Getenv("REDIS_PASSWORD"),
		MaxConns:                maxConns,
		CircuitFailureThreshold: failures,
		CircuitRecoveryTimeout:  time.Duration(recovery) * time.Second,
	}, nil
}

// NewClient opens a Redis client and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		PoolSize: cfg.MaxConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
