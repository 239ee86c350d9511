package main

import (
	"github.com/jobs/durable/internal/webhook"
	"github.com/jobs/durable/pkg/config"
	"go.uber.org/zap"
)

// registerSources adds one event source per configured HTTP source.
func registerSources(router *webhook.Router, sources []config.SourceConfig, logger *zap.Logger) {
	for _, src := range sources {
		router.Handle(src.Key, webhook.EventSource(src.Event, src.Secret, nil))
		logger.Info("http source registered",
			zap.String("key", src.Key),
			zap.String("event", src.Event))
	}
}
