package server

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/harborline/stevedore/internal/api/http"
	"github.com/harborline/stevedore/internal/api/middleware"
	"github.com/harborline/stevedore/internal/domain/catalog"
	"github.com/harborline/stevedore/internal/domain/deploylog"
	"github.com/harborline/stevedore/internal/domain/instance"
	"github.com/harborline/stevedore/internal/domain/lifecycle"
	"github.com/harborline/stevedore/internal/domain/ports"
	"github.com/harborline/stevedore/internal/hypervisor"
	dockerdriver "github.com/harborline/stevedore/internal/hypervisor/docker"
	"github.com/harborline/stevedore/internal/hypervisor/pve"
	"github.com/harborline/stevedore/internal/infrastructure/config"
	"github.com/harborline/stevedore/internal/infrastructure/database"
	"github.com/harborline/stevedore/internal/infrastructure/logging"
	"github.com/harborline/stevedore/internal/infrastructure/monitoring"
	"github.com/harborline/stevedore/internal/infrastructure/resilience"
	"github.com/harborline/stevedore/internal/infrastructure/tracing"
	"github.com/harborline/stevedore/internal/queue"
)

// Server wires the orchestration engine together: database, port
// allocator, catalog, hypervisor client, worker pool and the HTTP API.
type Server struct {
	router  *gin.Engine
	db      *gorm.DB
	pool    *queue.Pool
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// New builds a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing orchestration engine",
		zap.String("port", cfg.Server.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("hypervisor_driver", cfg.Hypervisor.Driver),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("stevedore", logger.Logger)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		database.Close(db)
		return nil, err
	}
	logger.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	instances := instance.NewRepository(db)
	logs := deploylog.NewStore(db)
	tasks := queue.NewStore(db)

	publicRange := ports.Range{Min: cfg.Ports.PublicMin, Max: cfg.Ports.PublicMax}
	internalRange := ports.Range{Min: cfg.Ports.InternalMin, Max: cfg.Ports.InternalMax}
	allocator, err := ports.NewAllocator(db, publicRange, internalRange)
	if err != nil {
		database.Close(db)
		return nil, err
	}
	if stats, serr := allocator.Stats(context.Background()); serr == nil {
		metrics.SetPortRange("public", stats.Public.Used, stats.Public.Available)
		metrics.SetPortRange("internal", stats.Internal.Used, stats.Internal.Available)
	}

	registry := catalog.NewRegistry()
	seeder := catalog.NewSeeder(registry, cfg.Catalog.Dir, logger)
	if err := seeder.Seed(); err != nil {
		logger.Warn("Catalog seeding failed", zap.Error(err))
	}
	seeder.SeedDefaults()
	logger.Info("Catalog loaded", zap.Int("templates", registry.Count()))

	client, err := buildHypervisor(cfg.Hypervisor)
	if err != nil {
		database.Close(db)
		return nil, err
	}

	retry := resilience.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}
	orchestrator := lifecycle.New(instances, logs, allocator, client, retry, logger).
		WithMetrics(metrics)

	pool := queue.NewPool(tasks, orchestrator, queue.PoolConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		LeaseTimeout: cfg.Queue.LeaseTimeout,
	}, logger).WithMetrics(metrics)

	router := buildRouter(cfg, logger, metrics, tracer,
		http.NewHandlers(instances, logs, tasks, allocator, registry, cfg.Hypervisor.Hosts, logger))

	logger.Info("Server initialized")

	return &Server{
		router:  router,
		db:      db,
		pool:    pool,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}, nil
}

// buildHypervisor selects the container driver.
func buildHypervisor(cfg config.HypervisorConfig) (hypervisor.Client, error) {
	switch cfg.Driver {
	case "pve", "":
		return pve.New(pve.Config{
			Address:     cfg.Address,
			TokenID:     cfg.TokenID,
			TokenSecret: cfg.TokenSecret,
			Node:        cfg.DefaultNode,
			InsecureTLS: cfg.InsecureTLS,
			CallTimeout: cfg.CallTimeout,
		}), nil
	case "docker":
		return dockerdriver.NewAdapter(cfg.CallTimeout)
	default:
		return nil, fmt.Errorf("unknown hypervisor driver %q", cfg.Driver)
	}
}

func buildRouter(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics, tracer *tracing.Tracer, handlers *http.Handlers) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging(logger))
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "stevedore"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.Identity())
	handlers.Register(api)

	return router
}

// Run starts the worker pool, then serves HTTP until the listener fails
// or the process is told to stop.
func (s *Server) Run() error {
	s.pool.Start()

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close drains the worker pool and releases resources.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.pool.Stop()

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
		return err
	}

	s.logger.Sync()
	return nil
}
