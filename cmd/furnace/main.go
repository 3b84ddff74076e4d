package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/furnacehq/furnace/internal/cache"
	"github.com/furnacehq/furnace/internal/config"
	"github.com/furnacehq/furnace/internal/database"
	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/memory"
	"github.com/furnacehq/furnace/internal/ollama"
	"github.com/furnacehq/furnace/internal/prompt"
	"github.com/furnacehq/furnace/internal/ratelimit"
	"github.com/furnacehq/furnace/internal/router"
	"github.com/furnacehq/furnace/internal/scheduler"
	"github.com/furnacehq/furnace/internal/service"
	"github.com/furnacehq/furnace/internal/tasks"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address (empty to disable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Configure(cfg.LogLevel)

	logger := logging.WithComponent("main")
	logger.Info("Starting furnace", "version", version)

	ctx := context.Background()

	cacheClient, err := cache.New(cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	logger.Info("Redis connected", "addr", cfg.Redis.Addr)

	store, err := database.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	logger.Info("PostgreSQL connected")

	backend, err := ollama.NewClient(cfg.Ollama)
	if err != nil {
		logger.Error("Failed to create Ollama client", "error", err)
		os.Exit(1)
	}

	mem := memory.NewManager(store, cacheClient, cfg.Cache)
	limiter := ratelimit.NewLimiter(cacheClient, cfg.RateLimit)
	builder := prompt.NewBuilder(mem)
	intents := router.NewRouter(backend, cfg.Ollama.RoutingModel)

	queue := tasks.NewQueue(cacheClient, cfg.Tasks.ResultTTL)
	dlq := tasks.NewDeadLetterQueue(cacheClient)
	sinks := tasks.NewSinkRegistry()

	hostname, _ := os.Hostname()
	heartbeat := tasks.NewHeartbeat(cacheClient, hostname)
	pool := tasks.NewPool(queue, dlq, backend, builder, mem, sinks, cfg.Tasks).
		WithHeartbeat(heartbeat)
	if err := pool.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.NewScheduler(mem)
	if err != nil {
		logger.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()

	svc := service.New(limiter, mem, queue, dlq, sinks, backend, builder, intents).
		WithHeartbeat(heartbeat)
	if svc.Health(ctx) {
		logger.Info("Ollama backend healthy", "url", cfg.Ollama.URL)
	} else {
		logger.Warn("Ollama backend unreachable at startup", "url", cfg.Ollama.URL)
	}

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", "error", err)
			}
		}()
		logger.Info("Metrics listening", "addr", *metricsAddr)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	pool.Stop()
	mem.Wait()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Warn("Database close error", "error", err)
	}
	if err := cacheClient.Close(); err != nil {
		logger.Warn("Redis close error", "error", err)
	}

	logger.Info("Shutdown complete")
}
