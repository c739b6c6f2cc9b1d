package main

import (
	"context"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
	"github.com/avauthz/groupd/internal/plugin"
)

// loggingPlugin is the built-in plugin: it writes user creations and
// categorized errors to the service log.
type loggingPlugin struct {
	plugin.Base
	logger observability.Logger
}

func newLoggingPlugin(logger observability.Logger) *loggingPlugin {
	return &loggingPlugin{logger: logger}
}

func (p *loggingPlugin) Name() string {
	return "logging"
}

func (p *loggingPlugin) UserCreated(_ context.Context, user graph.User) error {
	p.logger.Info("user created",
		observability.String("user", user.Name),
		observability.Time("createdAt", user.CreatedAt),
	)
	return nil
}

func (p *loggingPlugin) LogError(_ context.Context, event *plugin.ErrorEvent) error {
	p.logger.Warn("request error",
		observability.String("requestID", event.RequestID),
		observability.String("method", event.Method),
		observability.String("path", event.Path),
		observability.String("category", string(event.Category)),
		observability.String("message", event.Message),
	)
	return nil
}
