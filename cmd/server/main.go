package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/jobs/durable/internal/api"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/infra/persistence/cachedtaskrepo"
	"github.com/jobs/durable/internal/loadbalance"
	"github.com/jobs/durable/internal/orm"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/jobs/durable/pkg/config"
	"github.com/jobs/durable/pkg/logger"
	"github.com/yitter/idgenerator-go/idgen"
	"go.uber.org/zap"
)

func main() {
	// 解析命令行参数
	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var options = idgen.NewIdGeneratorOptions(cfg.Engine.WorkerID)
	options.BaseTime = 1755937966000
	options.WorkerIdBitLength = 6 // 最多支持64个节点
	idgen.SetIdGenerator(options)

	// 创建日志器
	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting durable controller",
		zap.String("instance_id", cfg.Engine.InstanceID))

	// 创建存储
	storage, err := orm.New(ProvideStorageConfig(*cfg))
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer storage.Close()

	rdb := ProvideRedisClient(*cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	locker, err := ProvideLocker(*cfg, storage, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create run locker", zap.Error(err))
	}
	machine, err := ProvideMachine(taskrun.NewRegistry(), *cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to register jobs", zap.Error(err))
	}
	bus := ProvideEventBus(rdb, zapLogger, *cfg)
	repo := cachedtaskrepo.NewMysqlRepositoryImpl(ProvideDB(storage))

	auth := ProvideAuthenticator(*cfg)
	table := devconn.NewTable()
	dev := ProvideDevServer(auth, table, loadbalance.NewManager(ProvideBalanceKind(*cfg)), zapLogger, *cfg)
	metrics, err := ProvideMetricsRegistry(table)
	if err != nil {
		zapLogger.Fatal("Failed to register metrics", zap.Error(err))
	}

	server := api.NewServer(
		api.NewRunAPI(machine, repo, locker, bus, zapLogger),
		api.NewDevAPI(dev, locker, bus, zapLogger),
		api.NewSourceAPI(ProvideSourceRouter(*cfg, zapLogger)),
		api.NewCommonAPI(storage),
		auth,
		dev,
		metrics,
		zapLogger,
	)
	app := NewApp(*cfg, zapLogger, server, dev, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		zapLogger.Error("Controller stopped with error", zap.Error(err))
		return
	}
	zapLogger.Info("Shutdown complete")
}
