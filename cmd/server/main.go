package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/livequery/api"
	"github.com/yourusername/livequery/metrics"
	"github.com/yourusername/livequery/pkg/livequery"
	"github.com/yourusername/livequery/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", getEnv("LIVEQUERY_CONFIG", ""), "path to YAML config file")
	seedPath := flag.String("seed", getEnv("LIVEQUERY_SEED", ""), "path to YAML seed data served as the backend")
	addr := flag.String("addr", ":"+getEnv("PORT", "8080"), "listen address")
	flag.Parse()

	bootstrap := newBootstrapLogger()

	// Configuration
	config := livequery.NewConfig()
	if *configPath != "" {
		loaded, err := livequery.LoadConfigFromFile(*configPath)
		if err != nil {
			bootstrap.Fatal("failed to load config", zap.Error(err))
		}
		config = loaded
	}
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		config.Store.Backend = livequery.BackendRedis
		config.Store.Redis.Addr = redisAddr
		config.Store.Redis.Password = getEnv("REDIS_PASSWORD", config.Store.Redis.Password)
	}

	logger, err := buildLogger(config.LogLevel)
	if err != nil {
		bootstrap.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	// Choose storage backend
	storage, err := config.Store.Open(logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer storage.Close()

	if redisStore, ok := storage.(*store.RedisStore); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisStore.Ping(ctx)
		cancel()
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", config.Store.Redis.Addr), zap.Error(err))
		}
		logger.Info("connected to redis", zap.String("addr", config.Store.Redis.Addr))
	} else {
		logger.Warn("using in-memory store, watchers in other processes will not see commits")
	}

	// Seed data stands in for the backing service
	var seed *seedFile
	if *seedPath != "" {
		seed, err = loadSeed(*seedPath)
		if err != nil {
			logger.Fatal("failed to load seed data", zap.Error(err))
		}
	}
	resolver := newSeedResolver(seed)

	if *seedPath != "" {
		seedWatch, err := newSeedWatcher(*seedPath, resolver, storage, logger)
		if err != nil {
			logger.Warn("seed file will not be watched", zap.Error(err))
		} else {
			defer seedWatch.Close()
		}
	}

	metricsTracker := metrics.NewMetrics()

	client, err := livequery.NewClient(
		livequery.WithConfig(config),
		livequery.WithStore(storage),
		livequery.WithResolver(resolver),
		livequery.WithLogger(logger),
		livequery.WithMetrics(metricsTracker),
	)
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}
	defer client.Close()

	// Create API handlers
	handler := api.NewHandler(storage, logger)
	metricsHandler := api.NewMetricsHandler(metricsTracker)
	streamHandler := api.NewStreamHandler(client, resolver, logger)

	// Routes
	mux := http.NewServeMux()
	mux.HandleFunc("/commit", handler.Commit)
	mux.HandleFunc("/record", handler.GetRecord)
	mux.HandleFunc("/health", handler.Health)
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/watch", streamHandler)

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("live query server listening",
		zap.String("addr", *addr),
		zap.String("backend", config.Store.Backend),
		zap.Strings("endpoints", []string{
			"POST /commit",
			"GET /record?key=",
			"GET /watch?query=|keys=",
			"GET /metrics",
			"GET /health",
		}),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", zap.Error(err))
	}
}

// buildLogger returns a development logger for debug and a production
// logger at the given level otherwise
func buildLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

// newBootstrapLogger returns the logger used until config is loaded. It
// never returns nil, so Fatal during startup always reports.
func newBootstrapLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
