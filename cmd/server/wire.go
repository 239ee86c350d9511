//go:build wireinject
// +build wireinject

package main

//go:generate go run -mod=mod github.com/google/wire/cmd/wire

import (
	"github.com/google/wire"
	"github.com/jobs/durable/internal/api"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/infra/persistence/cachedtaskrepo"
	"github.com/jobs/durable/internal/loadbalance"
	"github.com/jobs/durable/internal/orm"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/jobs/durable/pkg/config"
	"go.uber.org/zap"
)

func InitializeApp(logger *zap.Logger, cfg config.Config, storage *orm.Storage) (*App, error) {
	wire.Build(
		NewApp,

		ProvideRedisClient,
		ProvideDB,
		ProvideLocker,
		ProvideEventBus,
		ProvideMachine,
		ProvideAuthenticator,
		ProvideBalanceKind,
		ProvideDevServer,
		ProvideMetricsRegistry,
		ProvideSourceRouter,

		wire.Bind(new(api.Pinger), new(*orm.Storage)),

		// other
		devconn.NewTable,
		loadbalance.Provider,
		taskrun.Provider,

		// http api providers
		api.Provider,

		// infra providers
		cachedtaskrepo.Provider,
	)
	return nil, nil
}
