package main

import (
	"flag"
	"log"

	"github.com/jobs/durable/internal/orm"
	"github.com/jobs/durable/pkg/config"
	"github.com/jobs/durable/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// 连接数据库，不在连接时自动迁移
	storage, err := orm.New(orm.Config{
		Host:                  cfg.Database.Host,
		Port:                  cfg.Database.Port,
		Database:              cfg.Database.Database,
		User:                  cfg.Database.User,
		Password:              cfg.Database.Password,
		MaxConnections:        1,
		MaxIdleConnections:    1,
		ConnectionMaxLifetime: cfg.Database.ConnectionMaxLifetime,
		LogLevel:              "info",
	})
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer storage.Close()

	if err := storage.Migrate(); err != nil {
		zapLogger.Fatal("Migration failed", zap.Error(err))
	}
	zapLogger.Info("Migration completed",
		zap.String("database", cfg.Database.Database))
}
