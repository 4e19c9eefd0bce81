// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/fraudguard/riskengine/internal/cache"
	"github.com/fraudguard/riskengine/internal/config"
	"github.com/fraudguard/riskengine/internal/gemini"
	"github.com/fraudguard/riskengine/internal/health"
	"github.com/fraudguard/riskengine/internal/history"
	"github.com/fraudguard/riskengine/internal/logging"
	"github.com/fraudguard/riskengine/internal/metrics"
	"github.com/fraudguard/riskengine/internal/ratelimit"
	"github.com/fraudguard/riskengine/internal/realtime"
	"github.com/fraudguard/riskengine/internal/risk"
	"github.com/fraudguard/riskengine/internal/security"
	"github.com/fraudguard/riskengine/internal/validation"
	"github.com/fraudguard/riskengine/internal/vector"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *risk.Engine
	store        risk.Store
	scorer       risk.Scorer
	redis        *cache.RedisClient
	vectors      *vector.Dispatcher
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithScorer sets a custom model scorer (for testing)
func WithScorer(sc risk.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// WithStore sets a custom decision store (for testing)
func WithStore(st risk.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set scorer/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			// Test connection
			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.store = risk.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL decision store", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = risk.NewMemoryStore()
			s.logger.Info("using in-memory decision store (data will not persist)")
		}
	}

	// Redis score cache (optional)
	var scoreCache *cache.ScoreCache
	if cfg.RedisAddr != "" {
		s.redis = cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, s.logger)
		if s.redis != nil {
			scoreCache = cache.NewScoreCache(s.redis, cfg.ScoreCacheTTL)
			s.logger.Info("model score cache enabled", "ttl", cfg.ScoreCacheTTL)
		}
	}

	// External scoring model
	if s.scorer == nil && cfg.ModelEndpoint != "" {
		s.scorer = gemini.NewClient(
			cfg.ModelEndpoint, cfg.ModelAPIKey, cfg.ModelName, cfg.ModelTimeout,
			gemini.WithScoreCache(scoreCache),
			gemini.WithLogger(logging.Component(s.logger, "model")),
		)
		s.logger.Info("scoring model enabled", "model", cfg.ModelName, "timeout", cfg.ModelTimeout)
	}
	if s.scorer == nil {
		s.logger.Warn("no scoring model configured, decisions use rules and heuristics only")
	}

	// Realtime decision feed
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "feed"))

	// Vector similarity index (optional, fire-and-forget)
	if cfg.VectorIndexURL != "" {
		s.vectors = vector.NewDispatcher(
			cfg.VectorIndexURL, cfg.VectorQueueSize, cfg.VectorMaxAttempts,
			vector.WithLogger(logging.Component(s.logger, "vector")),
		)
		s.logger.Info("vector index enabled", "url", cfg.VectorIndexURL,
			"queue_size", cfg.VectorQueueSize)
	}

	// Analysis engine
	engine := risk.NewEngine(engineParams(cfg)).
		WithStore(s.store).
		WithLogger(logging.Component(s.logger, "engine"))
	if s.scorer != nil {
		engine = engine.WithScorer(s.scorer)
	}
	if cfg.HistoryProviderURL != "" {
		engine = engine.WithHistory(history.NewClient(cfg.HistoryProviderURL,
			history.WithLogger(logging.Component(s.logger, "history"))))
		s.logger.Info("history provider enabled", "url", cfg.HistoryProviderURL)
	}
	engine = engine.WithHook(func(d *risk.RiskDecision, tx *risk.Transaction) {
		s.realtimeHub.BroadcastDecision(d)
	})
	if s.vectors != nil {
		engine = engine.WithHook(func(d *risk.RiskDecision, tx *risk.Transaction) {
			s.vectors.Enqueue(vector.BuildRecord(d, tx))
		})
	}
	s.engine = engine

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// engineParams maps server configuration onto engine parameters.
func engineParams(cfg *config.Config) risk.Params {
	return risk.Params{
		HistoryLimit:          cfg.HistoryLimit,
		NewRecipientThreshold: cfg.NewRecipientThreshold,
		EscalationFloor:       cfg.EscalationFloor,
		DeviationMultiplier:   cfg.DeviationMultiplier,
		Velocity15mThreshold:  cfg.Velocity15mThreshold,
		Velocity60mThreshold:  cfg.Velocity60mThreshold,
		OffHoursStart:         cfg.OffHoursStart,
		OffHoursEnd:           cfg.OffHoursEnd,
		UTCOffsetMinutes:      cfg.UTCOffsetMinutes,
		HeuristicBase:         cfg.HeuristicBase,
	}
}

func (s *Server) setupHealthChecks() {
	s.healthChecks = health.NewRegistry(2 * time.Second)

	if s.db != nil {
		db := s.db
		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for review dashboards
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket decision feed for review dashboards
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.AccountIDParamMiddleware())

	v1.POST("/analyze", s.analyzeHandler)
	v1.GET("/accounts/:account_id/decisions", s.listDecisionsHandler)
	v1.GET("/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start vector dispatcher
	if s.vectors != nil {
		s.vectors.Start(runCtx)
	}

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, dispatcher, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain the vector queue so queued upserts are not lost
	if s.vectors != nil {
		s.vectors.Stop()
		s.logger.Info("vector dispatcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close Redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the analysis engine for testing
func (s *Server) Engine() *risk.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
