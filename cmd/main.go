package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/methodcache/internal/cache"
	"github.com/l0p7/methodcache/internal/config"
	"github.com/l0p7/methodcache/internal/expr"
	"github.com/l0p7/methodcache/internal/hashtable"
	"github.com/l0p7/methodcache/internal/lock"
	"github.com/l0p7/methodcache/internal/logging"
	"github.com/l0p7/methodcache/internal/memoize"
	"github.com/l0p7/methodcache/internal/metrics"
	"github.com/l0p7/methodcache/internal/redisclient"
	"github.com/l0p7/methodcache/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", config.EnvPrefix, "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	a, err := buildApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("unable to assemble service", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.close()

	a.api.SetPolicies(buildPolicySet(a.layer, cfg.Server, cfg.Policies, cfg.SkippedPolicies, cfg.PolicySources, logger))

	if src := cfg.Server.Policies; src.PoliciesFile != "" || src.PoliciesFolder != "" {
		watcher, err := loader.WatchPolicies(ctx, cfg, func(bundle config.PolicyBundle) {
			a.api.SetPolicies(buildPolicySet(a.layer, cfg.Server, bundle.Policies, bundle.Skipped, bundle.Sources, logger))
		}, func(err error) {
			logger.Error("policies watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("policies watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := server.New(cfg.Server.Listen, logger, a.api.Handler())
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// app is the assembled service graph.
type app struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	engine  *expr.Engine
	store   cache.Store
	locker  lock.Locker
	layer   *memoize.Layer
	api     *server.API
	clients map[config.RedisConfig]valkey.Client
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{
		logger:  logger,
		metrics: metrics.NewRecorder(reg),
		clients: make(map[config.RedisConfig]valkey.Client),
	}

	hasher := hashtable.NewRandomHasher()
	if seed := cfg.Server.Expr.HashSeed; seed != nil {
		fixed, err := hashtable.NewHasher(float32(*seed))
		if err != nil {
			return nil, fmt.Errorf("hash seed: %w", err)
		}
		hasher = fixed
	}
	logger.Info("expression hasher ready", slog.Float64("seed", float64(hasher.Seed())))

	engine, err := expr.NewEngine(
		expr.WithHasher(hasher),
		expr.WithLogger(logger),
		expr.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("expression engine: %w", err)
	}
	a.engine = engine

	a.store = a.buildStore(ctx, cfg.Server.Cache, hasher)
	a.locker = a.buildLocker(ctx, cfg.Server.Lock, cfg.Server.Cache.Redis)

	a.layer, err = memoize.NewLayer(engine, a.store, a.locker,
		memoize.WithLogger(logger),
		memoize.WithMetrics(a.metrics),
	)
	if err == nil {
		a.api, err = server.NewAPI(a.layer, logger, a.metrics, server.WithLockPrefix(cfg.Server.Lock.Prefix))
	}
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}
	for _, client := range a.clients {
		client.Close()
	}
	clear(a.clients)
}

// redis returns a client for cfg, reusing one already opened with the same
// settings so the cache and the lock share a connection pool.
func (a *app) redis(ctx context.Context, cfg config.RedisConfig) (valkey.Client, error) {
	if client, ok := a.clients[cfg]; ok {
		return client, nil
	}
	client, err := redisclient.New(ctx, redisclient.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		TLS: redisclient.TLSConfig{
			Enabled: cfg.TLS.Enabled,
			CAFile:  cfg.TLS.CAFile,
		},
	})
	if err != nil {
		return nil, err
	}
	a.clients[cfg] = client
	return client, nil
}

// buildStore falls back to the memory store when Redis is unreachable so the
// service keeps answering, uncached results included.
func (a *app) buildStore(ctx context.Context, cfg config.ServerCacheConfig, hasher hashtable.Hasher) cache.Store {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	logger := a.logger.With(slog.String("agent", "cache_factory"))
	if cfg.CacheBackend() == "redis" {
		client, err := a.redis(ctx, cfg.Redis)
		if err == nil {
			var store cache.Store
			if store, err = cache.NewRedis(client, ttl); err == nil {
				logger.Info("using redis cache", slog.String("address", cfg.Redis.Address))
				return store
			}
		}
		logger.Error("redis cache initialization failed", slog.Any("error", err))
		logger.Info("falling back to memory cache")
	} else {
		logger.Info("using memory cache", slog.Duration("ttl", ttl))
	}
	return cache.NewMemory(ttl, cache.WithMemoryHasher(hasher))
}

// buildLocker mirrors buildStore. A Redis lock without its own address uses
// the cache connection.
func (a *app) buildLocker(ctx context.Context, cfg config.ServerLockConfig, cacheRedis config.RedisConfig) lock.Locker {
	logger := a.logger.With(slog.String("agent", "lock_factory"))
	if cfg.LockBackend() == "redis" {
		redisCfg := cfg.Redis
		if redisCfg.Address == "" {
			redisCfg = cacheRedis
		}
		client, err := a.redis(ctx, redisCfg)
		if err == nil {
			logger.Info("using redis lock", slog.String("address", redisCfg.Address))
			return lock.NewRedis(client, lock.WithMetrics(a.metrics))
		}
		logger.Error("redis lock initialization failed", slog.Any("error", err))
		logger.Info("falling back to memory lock")
	} else {
		logger.Info("using memory lock")
	}
	return lock.NewMemory(lock.WithMetrics(a.metrics))
}
