// Conductor orchestrator server. Serves the HTTP/WebSocket API, runs
// the supervisor pool, and drives autonomous coding sessions through
// their agents.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/conductor-ai/conductor/pkg/api"
	"github.com/conductor-ai/conductor/pkg/cache"
	"github.com/conductor-ai/conductor/pkg/cleanup"
	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/database"
	"github.com/conductor-ai/conductor/pkg/dispatch"
	"github.com/conductor-ai/conductor/pkg/events"
	"github.com/conductor-ai/conductor/pkg/lock"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/services"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/supervisor"
	"github.com/conductor-ai/conductor/pkg/tenancy"
	"github.com/conductor-ai/conductor/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load orchestrator config", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting conductor",
		"version", version.Full(),
		"pod_id", cfg.PodID,
		"http_port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Database: pool + migrations.
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// Cache: locks, rate limits, adapter GET cache.
	cacheCfg, err := cache.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load cache config", "error", err)
		os.Exit(1)
	}
	redisClient, err := cache.NewClient(ctx, cacheCfg)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()
	slog.Info("Connected to redis cache")

	sessions := store.NewPostgres(dbClient.Pool())
	bus := events.NewBus()
	defer bus.Close()
	locks := lock.NewService(redisClient, logger)
	agents := registry.NewRegistry(bus, logger)
	tenants := loadTenantsFromEnv()
	gate := tenancy.NewGate(tenants, sessions)

	// Dispatch adapters behind one router.
	agentAPICfg, err := dispatch.LoadAgentAPIConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load agent API config", "error", err)
		os.Exit(1)
	}
	internalAdapter := dispatch.NewInternalAdapter(agentAPICfg, redisClient, logger)
	externalAdapter := dispatch.NewExternalAdapter(agentAPICfg.Timeout, logger)
	router := dispatch.NewRouter(internalAdapter, externalAdapter)

	sup := supervisor.New(cfg, sessions, sessions, locks, agents, router, bus, tenants, logger)
	pool := supervisor.NewPool(cfg, sessions, sup, logger)
	sweeper := supervisor.NewOrphanSweeper(cfg, sessions, sup, locks, logger)
	retention := cleanup.NewService(cfg, sessions, logger)

	sessionService := services.NewSessionService(cfg, sessions, gate, bus, sup, logger)
	server := api.NewServer(sessionService, agents, externalAdapter, bus, map[string]api.HealthChecker{
		"database": dbClient,
		"cache":    redisPinger{redisClient},
	}, logger)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		retention.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		agents.RunMonitor(ctx, 10*time.Second)
	}()

	slog.Info("Conductor started",
		"pod_id", cfg.PodID,
		"workers", cfg.MaxConcurrentSupervisors)

	if err := server.Run(ctx, cfg.HTTPPort); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	stop()
	wg.Wait()
	slog.Info("Conductor stopped")
}

// redisPinger adapts the redis client to the health check interface.
type redisPinger struct {
	client *redis.Client
}

func (r redisPinger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// loadTenantsFromEnv parses ORCH_TENANTS, a comma-separated list of
// id:name:quota entries, into the tenant directory.
func loadTenantsFromEnv() *tenancy.StaticDirectory {
	raw := os.Getenv("ORCH_TENANTS")
	if raw == "" {
		return tenancy.NewStaticDirectory(tenancy.Tenant{ID: "default", Name: "Default", Quota: 25})
	}
	var tenants []tenancy.Tenant
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 {
			slog.Warn("Skipping malformed tenant entry", "entry", entry)
			continue
		}
		quota, err := strconv.Atoi(parts[2])
		if err != nil || quota <= 0 {
			slog.Warn("Skipping tenant entry with bad quota", "entry", entry)
			continue
		}
		tenants = append(tenants, tenancy.Tenant{ID: parts[0], Name: parts[1], Quota: quota})
	}
	return tenancy.NewStaticDirectory(tenants...)
}
