// Package config holds orchestrator-level process settings. Connection
// settings for the database, cache, and agent API live with their
// packages; this covers the supervision loop itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config is loaded from ORCH_* environment variables plus HTTP_PORT and
// POD_ID.
type Config struct {
	// PodID identifies this orchestrator instance in lock holders and
	// claimed sessions. Defaults to a random id per process.
	PodID string

	HTTPPort int

	// MaxConcurrentSupervisors caps in-flight supervision attempts.
	MaxConcurrentSupervisors int

	// DefaultMaxDuration applies when a create request omits
	// max_duration.
	DefaultMaxDuration time.Duration

	// CheckpointInterval is the minimum spacing between durable
	// checkpoint writes during supervision.
	CheckpointInterval time.Duration

	// MaxRetries bounds automatic re-enqueues of recoverable sessions.
	MaxRetries int

	// RetryDelay and RetryBackoff shape the re-enqueue delay:
	// RetryDelay × RetryBackoff^retry_count.
	RetryDelay   time.Duration
	RetryBackoff float64

	// PollInterval is how often idle pool workers look for queued work.
	PollInterval time.Duration

	// OrphanSweepInterval and StalledAfter drive orphan detection:
	// running sessions whose status has not moved for StalledAfter are
	// marked orphaned.
	OrphanSweepInterval time.Duration
	StalledAfter        time.Duration

	// SessionRetention is how long terminal sessions are kept before the
	// cleanup loop purges them; CleanupInterval is how often it runs.
	SessionRetention time.Duration
	CleanupInterval  time.Duration
}

// LoadFromEnv loads orchestrator configuration from environment
// variables.
func LoadFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("HTTP_PORT", "8080"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid HTTP_PORT: %w", err)
	}
	supervisors, _ := strconv.Atoi(getEnvOrDefault("ORCH_MAX_CONCURRENT_SUPERVISORS", "10"))
	defaultDuration, _ := strconv.Atoi(getEnvOrDefault("ORCH_DEFAULT_MAX_DURATION_SECONDS", "3600"))
	checkpoint, _ := strconv.Atoi(getEnvOrDefault("ORCH_CHECKPOINT_INTERVAL_SECONDS", "300"))
	retries, _ := strconv.Atoi(getEnvOrDefault("ORCH_MAX_RETRIES", "3"))
	retryDelay, _ := strconv.Atoi(getEnvOrDefault("ORCH_RETRY_DELAY_SECONDS", "30"))
	backoff, _ := strconv.ParseFloat(getEnvOrDefault("ORCH_RETRY_BACKOFF", "2.0"), 64)
	poll, _ := strconv.Atoi(getEnvOrDefault("ORCH_POLL_INTERVAL_SECONDS", "2"))
	sweep, _ := strconv.Atoi(getEnvOrDefault("ORCH_ORPHAN_SWEEP_INTERVAL_SECONDS", "60"))
	stalled, _ := strconv.Atoi(getEnvOrDefault("ORCH_STALLED_AFTER_SECONDS", "1800"))
	retentionDays, _ := strconv.Atoi(getEnvOrDefault("ORCH_SESSION_RETENTION_DAYS", "90"))
	cleanup, _ := strconv.Atoi(getEnvOrDefault("ORCH_CLEANUP_INTERVAL_SECONDS", "3600"))

	podID := os.Getenv("POD_ID")
	if podID == "" {
		podID = "orchestrator-" + uuid.NewString()[:8]
	}

	return Config{
		PodID:                    podID,
		HTTPPort:                 port,
		MaxConcurrentSupervisors: supervisors,
		DefaultMaxDuration:       time.Duration(defaultDuration) * time.Second,
		CheckpointInterval:       time.Duration(checkpoint) * time.Second,
		MaxRetries:               retries,
		RetryDelay:               time.Duration(retryDelay) * time.Second,
		RetryBackoff:             backoff,
		PollInterval:             time.Duration(poll) * time.Second,
		OrphanSweepInterval:      time.Duration(sweep) * time.Second,
		StalledAfter:             time.Duration(stalled) * time.Second,
		SessionRetention:         time.Duration(retentionDays) * 24 * time.Hour,
		CleanupInterval:          time.Duration(cleanup) * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
