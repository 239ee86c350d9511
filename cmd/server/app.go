package main

import (
	"context"
	"net/http"

	"github.com/jobs/durable/internal/api"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/events"
	"github.com/jobs/durable/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg    config.Config
	logger *zap.Logger
	server *api.Server
	dev    *devconn.Server
	bus    *events.Bus
}

func NewApp(cfg config.Config, logger *zap.Logger, server *api.Server, dev *devconn.Server, bus *events.Bus) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		server: server,
		dev:    dev,
		bus:    bus,
	}
}

// Run serves until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.dev.Start(); err != nil {
		return err
	}
	defer a.dev.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.bus.Run(ctx)
	})
	g.Go(func() error {
		return a.server.Run(ctx, &http.Server{
			Addr:              a.cfg.Server.Addr(),
			ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
			WriteTimeout:      a.cfg.Server.WriteTimeout,
			MaxHeaderBytes:    a.cfg.Server.MaxHeaderBytes,
		})
	})
	return g.Wait()
}
