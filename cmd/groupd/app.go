package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avauthz/groupd/internal/closure"
	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/health"
	"github.com/avauthz/groupd/internal/observability"
	"github.com/avauthz/groupd/internal/plugin"
	"github.com/avauthz/groupd/internal/resolve"
	"github.com/avauthz/groupd/internal/server"
)

// application holds all application components.
type application struct {
	config   *config.Config
	tunables *config.Tunables

	store    *graph.Store
	closures *closure.Coordinator
	shared   *closure.SharedCache
	resolver *resolve.Resolver
	plugins  *plugin.Dispatcher
	server   *server.Server

	tracer        *observability.Tracer
	registry      *prometheus.Registry
	checker       *health.Checker
	metricsServer *http.Server
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracer := initTracer(cfg, logger)
	tunables := config.NewTunables(cfg.Engine)
	registry := prometheus.NewRegistry()

	graphMetrics := graph.NewMetrics("groupd")
	graphMetrics.MustRegister(registry)
	closureMetrics := closure.NewMetrics("groupd")
	closureMetrics.MustRegister(registry)
	resolveMetrics := resolve.NewMetrics("groupd")
	resolveMetrics.MustRegister(registry)
	pluginMetrics := plugin.NewMetrics("groupd")
	pluginMetrics.MustRegister(registry)
	serverMetrics := server.NewMetrics("groupd")
	serverMetrics.MustRegister(registry)

	// The matcher and condition evaluator are shared between the store's
	// grant validator and the resolver, so grant-time and query-time
	// semantics can never diverge.
	matcher := resolve.NewMatcher(resolve.WithMatcherLogger(logger))
	conditions, err := resolve.NewConditionEvaluator(resolve.WithConditionLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialize condition evaluator", observability.Error(err))
	}

	store := graph.NewStore(tunables,
		graph.WithLogger(logger),
		graph.WithMetrics(graphMetrics),
		graph.WithGrantValidator(resolve.GrantValidator(matcher, conditions)),
	)

	coordOpts := []closure.CoordinatorOption{
		closure.WithCoordinatorLogger(logger),
		closure.WithCoordinatorMetrics(closureMetrics),
		closure.WithMaxEntries(cfg.Closure.MaxEntries),
	}
	var shared *closure.SharedCache
	if cfg.Closure.Backend == "redis" {
		shared, err = closure.NewSharedCache(cfg.Closure,
			closure.WithSharedCacheLogger(logger))
		if err != nil {
			logger.Fatal("failed to connect shared closure cache", observability.Error(err))
		}
		coordOpts = append(coordOpts, closure.WithSharedCache(shared))
	}
	if cfg.Closure.RefreshInterval > 0 {
		coordOpts = append(coordOpts,
			closure.WithBackgroundRefresh(cfg.Closure.RefreshInterval.Duration()))
	}
	closures := closure.NewCoordinator(store, closure.NewEngine(tunables), coordOpts...)

	resolver, err := resolve.NewResolver(store, closures,
		resolve.WithResolverLogger(logger),
		resolve.WithResolverMetrics(resolveMetrics),
		resolve.WithResolverMatcher(matcher),
		resolve.WithResolverConditions(conditions),
	)
	if err != nil {
		logger.Fatal("failed to initialize resolver", observability.Error(err))
	}

	dispatcher, err := plugin.NewDispatcher(
		plugin.ServiceInfo{Name: cfg.ServiceName, Version: version},
		[]plugin.Plugin{newLoggingPlugin(logger)},
		plugin.WithDispatcherLogger(logger),
		plugin.WithDispatcherMetrics(pluginMetrics),
		plugin.WithQueueSize(cfg.Plugins.QueueSize),
	)
	if err != nil {
		logger.Fatal("failed to initialize plugin dispatcher", observability.Error(err))
	}

	checker := health.NewChecker(version)
	checker.RegisterCheck("graph", health.GraphCheck(store))
	checker.RegisterCheck("closure-cache", health.ClosureCacheCheck(closures))
	if shared != nil {
		checker.RegisterCheck("shared-cache", health.SharedCacheCheck(shared))
	}

	srv := server.NewServer(cfg, store, closures, resolver,
		server.WithServerLogger(logger),
		server.WithServerMetrics(serverMetrics),
		server.WithPlugins(dispatcher),
	)

	return &application{
		config:   cfg,
		tunables: tunables,
		store:    store,
		closures: closures,
		shared:   shared,
		resolver: resolver,
		plugins:  dispatcher,
		server:   srv,
		tracer:   tracer,
		registry: registry,
		checker:  checker,
	}
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		Insecure:       cfg.TracingInsecure,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

// startMetricsServer starts the metrics HTTP server.
func (app *application) startMetricsServer(logger observability.Logger) {
	if !app.config.MetricsEnabled {
		return
	}

	path := app.config.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", app.checker.HealthHandler())
	mux.HandleFunc("/ready", app.checker.ReadinessHandler())
	mux.HandleFunc("/live", app.checker.LivenessHandler())

	addr := fmt.Sprintf(":%d", app.config.MetricsPort)
	app.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("path", path),
	)

	go func() {
		if err := app.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", observability.Error(err))
		}
	}()
}
