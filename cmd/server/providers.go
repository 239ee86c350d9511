package main

import (
	"fmt"
	"net/http"

	redis "github.com/go-redis/redis/v8"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/events"
	"github.com/jobs/durable/internal/infra/persistence/commonrepo"
	"github.com/jobs/durable/internal/loadbalance"
	"github.com/jobs/durable/internal/orm"
	"github.com/jobs/durable/internal/runlock"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/jobs/durable/internal/webhook"
	"github.com/jobs/durable/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// ProvideRedisClient builds a redis client from typed config.
// Returns nil when redis is disabled.
func ProvideRedisClient(cfg config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func ProvideStorageConfig(cfg config.Config) orm.Config {
	return orm.Config{
		Host:                  cfg.Database.Host,
		Port:                  cfg.Database.Port,
		Database:              cfg.Database.Database,
		User:                  cfg.Database.User,
		Password:              cfg.Database.Password,
		MaxConnections:        cfg.Database.MaxConnections,
		MaxIdleConnections:    cfg.Database.MaxIdleConnections,
		ConnectionMaxLifetime: cfg.Database.ConnectionMaxLifetime,
		LogLevel:              cfg.Database.LogLevel,
		AutoMigrate:           cfg.Database.AutoMigrate,
	}
}

func ProvideDB(storage *orm.Storage) commonrepo.DB {
	return storage.DB()
}

// ProvideLocker returns the MySQL named-lock locker, or an in-process one
// when engine.run_lock is memory.
func ProvideLocker(cfg config.Config, storage *orm.Storage, logger *zap.Logger) (runlock.Locker, error) {
	if cfg.Engine.RunLock == "memory" {
		return runlock.NewMemory(), nil
	}
	db, err := storage.SQLDB()
	if err != nil {
		return nil, err
	}
	return runlock.NewMySQL(db, logger), nil
}

func ProvideEventBus(rdb *redis.Client, logger *zap.Logger, cfg config.Config) *events.Bus {
	return events.NewBus(rdb, logger, cfg.Engine.InstanceID)
}

// ProvideMachine registers the built-in jobs and builds the execution engine.
func ProvideMachine(registry *taskrun.Registry, cfg config.Config, logger *zap.Logger) (*taskrun.Machine, error) {
	if err := registerJobs(registry); err != nil {
		return nil, err
	}
	return taskrun.NewMachine(registry, logger,
		taskrun.WithYieldConfig(cfg.Engine.Yield),
		taskrun.WithDefaultChunkLimit(cfg.Engine.RunChunkExecutionLimit),
		taskrun.WithHTTPClient(&http.Client{Timeout: cfg.Engine.HTTPTimeout}),
	), nil
}

// ProvideSourceRouter builds the HTTP source router from config.
func ProvideSourceRouter(cfg config.Config, logger *zap.Logger) *webhook.Router {
	router := webhook.NewRouter()
	registerSources(router, cfg.Sources, logger)
	return router
}

func ProvideAuthenticator(cfg config.Config) devconn.Authenticator {
	auth := make(devconn.StaticAuthenticator, len(cfg.Dev.APIKeys))
	for key, env := range cfg.Dev.APIKeys {
		auth[key] = taskrun.Environment{
			ID:   env.EnvironmentID,
			Slug: env.Slug,
			Type: taskrun.EnvironmentType(env.Type),
		}
	}
	return auth
}

func ProvideBalanceKind(cfg config.Config) loadbalance.Kind {
	return loadbalance.Kind(cfg.Dev.BalanceStrategy)
}

func ProvideDevServer(auth devconn.Authenticator, table *devconn.Table, balance *loadbalance.Manager, logger *zap.Logger, cfg config.Config) *devconn.Server {
	return devconn.NewServer(auth, table, balance, logger, devconn.Config{
		HeartbeatInterval: cfg.Dev.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Dev.HeartbeatTimeout,
		Balance:           balance.Fallback(),
		OriginPatterns:    cfg.Dev.OriginPatterns,
	})
}

func ProvideMetricsRegistry(table *devconn.Table) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		table.Gauge(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
