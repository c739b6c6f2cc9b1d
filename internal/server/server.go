package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/avauthz/groupd/internal/closure"
	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
	"github.com/avauthz/groupd/internal/plugin"
	"github.com/avauthz/groupd/internal/resolve"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race
// conditions.
var ginModeOnce sync.Once

// Server is the HTTP admin and query surface over the authorization
// core.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg      *config.Config
	store    *graph.Store
	closures *closure.Coordinator
	resolver *resolve.Resolver
	plugins  *plugin.Dispatcher
	events   *eventHub

	logger  observability.Logger
	metrics *Metrics

	mu      sync.Mutex
	running bool
}

// ServerOption is a functional option for the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics.
func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithPlugins sets the plugin dispatcher that receives user-created
// and error events.
func WithPlugins(d *plugin.Dispatcher) ServerOption {
	return func(s *Server) {
		s.plugins = d
	}
}

// NewServer creates the HTTP server and wires its routes. It
// subscribes to the store so committed mutations stream to websocket
// clients.
func NewServer(
	cfg *config.Config,
	store *graph.Store,
	closures *closure.Coordinator,
	resolver *resolve.Resolver,
	opts ...ServerOption,
) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		cfg:      cfg,
		store:    store,
		closures: closures,
		resolver: resolver,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("groupd")
	}
	s.events = newEventHub(s.logger)
	store.Subscribe(s.onGraphEvent)

	s.engine.Use(gin.Recovery())
	s.engine.Use(RequestID())
	s.engine.Use(AccessLog(s.logger))
	s.engine.Use(MetricsMiddleware(s.metrics))
	if cfg.RateLimit.Enabled {
		s.engine.Use(RateLimit(cfg.RateLimit))
	}

	s.registerRoutes()
	return s
}

// Engine returns the underlying gin engine, for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// onGraphEvent forwards committed mutations to websocket subscribers
// and fires the user-created plugin hook.
func (s *Server) onGraphEvent(ev graph.Event) {
	s.events.publish(ev)

	if ev.Type == graph.EventUserAdded && s.plugins != nil {
		if u, ok := s.store.Snapshot().User(ev.Entity.Name); ok {
			s.plugins.UserCreated(u)
		}
	}
}

// registerRoutes wires the HTTP surface.
func (s *Server) registerRoutes() {
	users := s.engine.Group("/users")
	{
		users.GET("", s.handleListUsers)
		users.POST("", s.handleCreateUser)
		users.GET("/:name", s.handleGetUser)
		users.DELETE("/:name", s.handleDeleteUser)
		users.POST("/:name/disable", s.handleSetUserDisabled(true))
		users.POST("/:name/enable", s.handleSetUserDisabled(false))
		users.GET("/:name/permissions", s.handleListUserPermissions)
	}

	groups := s.engine.Group("/groups")
	{
		groups.GET("", s.handleListGroups)
		groups.POST("", s.handleCreateGroup)
		groups.GET("/:name", s.handleGetGroup)
		groups.DELETE("/:name", s.handleDeleteGroup)
		groups.POST("/:name/disable", s.handleSetGroupDisabled(true))
		groups.POST("/:name/enable", s.handleSetGroupDisabled(false))
		groups.GET("/:name/members", s.handleListEffectiveMembers)
		groups.POST("/:name/members", s.handleAddMembership)
		groups.DELETE("/:name/members/:kind/:member", s.handleRemoveMembership)
		groups.GET("/:name/grants", s.handleListGrants)
		groups.POST("/:name/grants", s.handleAddGrant)
		groups.DELETE("/:name/grants", s.handleRemoveGrant)
	}

	perms := s.engine.Group("/permissions")
	{
		perms.GET("", s.handleListPermissions)
		perms.GET("/:name", s.handleGetPermission)
		perms.POST("/check", s.handleCheckPermission)
	}

	debugGroup := s.engine.Group("/debug")
	{
		debugGroup.GET("/stats", s.handleStats)
		debugGroup.GET("/events", s.handleEvents)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "no route matched the request",
		})
	})
}

// Start runs the HTTP server until it is stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.WriteTimeout.Duration(),
		IdleTimeout:  s.cfg.IdleTimeout.Duration(),
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully and disconnects event stream
// subscribers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	s.events.close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}
