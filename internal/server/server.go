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
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/txsentry/internal/chain"
	"github.com/mbd888/txsentry/internal/circuitbreaker"
	"github.com/mbd888/txsentry/internal/config"
	"github.com/mbd888/txsentry/internal/engine"
	"github.com/mbd888/txsentry/internal/health"
	"github.com/mbd888/txsentry/internal/logging"
	"github.com/mbd888/txsentry/internal/metrics"
	"github.com/mbd888/txsentry/internal/predictor"
	"github.com/mbd888/txsentry/internal/ratelimit"
	"github.com/mbd888/txsentry/internal/realtime"
	"github.com/mbd888/txsentry/internal/risk"
	"github.com/mbd888/txsentry/internal/security"
	"github.com/mbd888/txsentry/internal/validation"
)

// Assessor is the scoring surface the HTTP layer needs. Satisfied by
// *engine.Engine; tests substitute a fake.
type Assessor interface {
	ScoreTransaction(ctx context.Context, txHash string) (*risk.Result, error)
	Record(ctx context.Context, txHash string) (*risk.TransactionRecord, error)
	History(ctx context.Context, address string, limit int) ([]*risk.Result, error)
	Thresholds() risk.Thresholds
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	assessor     Assessor
	source       *chain.Source // nil when an Assessor was injected
	store        risk.Store
	health       *health.Registry
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
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

// WithAssessor injects a scoring engine (for testing)
func WithAssessor(a Assessor) Option {
	return func(s *Server) {
		s.assessor = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		health: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set assessor/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pgStore := risk.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate assessment store", "error", err)
		}
		s.store = pgStore
		s.health.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (assessments will not persist)")
	}

	// Realtime hub for WebSocket streaming of assessments
	s.realtimeHub = realtime.NewHub(s.logger)

	// Build the scoring engine unless one was injected
	if s.assessor == nil {
		source, err := chain.New(chain.Config{
			RPCURL:             cfg.RPCURL,
			ChainID:            cfg.ChainID,
			SignalWindowBlocks: cfg.SignalWindowBlocks,
			RequestTimeout:     cfg.RequestTimeout,
			LookupAttempts:     cfg.LookupAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect chain source: %w", err)
		}
		s.source = source
		s.health.Register("rpc", health.RPCChecker(source))

		engineOpts := []engine.Option{
			engine.WithStore(s.store),
			engine.WithBroadcaster(s.realtimeHub),
			engine.WithThresholds(thresholdsFromConfig(cfg)),
			engine.WithLogger(s.logger),
		}

		if cfg.PredictorURL != "" {
			breaker := circuitbreaker.New("predictor", 5, 30*time.Second)
			p := predictor.New(cfg.PredictorURL, cfg.PredictorTimeout,
				predictor.WithBreaker(breaker))
			engineOpts = append(engineOpts, engine.WithPredictor(p))
			s.health.Register("predictor", health.PredictorChecker(breaker))
			s.logger.Info("external predictor enabled", "url", cfg.PredictorURL)
		} else {
			s.logger.Info("external predictor disabled (no PREDICTOR_URL set)")
		}

		s.assessor = engine.New(source, engineOpts...)
	}

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

// thresholdsFromConfig applies configured overrides to the default rules.
func thresholdsFromConfig(cfg *config.Config) risk.Thresholds {
	th := risk.DefaultThresholds()
	th.RoundNumberEnabled = cfg.RoundNumberEnabled

	if cfg.HighValueEth != "" {
		if r, ok := new(big.Rat).SetString(cfg.HighValueEth); ok {
			th.HighValueEth = r
		}
	}

	if len(cfg.VerifiedContracts) > 0 {
		lowered := make([]string, len(cfg.VerifiedContracts))
		for i, a := range cfg.VerifiedContracts {
			lowered[i] = strings.ToLower(a)
		}
		th = th.WithVerifiedContracts(lowered)
	}

	return th
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

	// CORS for monitoring dashboards
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerSecond = s.cfg.RateLimitRPS
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
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

	// WebSocket feed of completed assessments
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	tx := v1.Group("/transactions")
	tx.Use(validation.HashParamMiddleware())
	{
		tx.GET("/:hash/risk", s.riskHandler)
		tx.GET("/:hash/record", s.recordHandler)
	}

	addr := v1.Group("/addresses")
	addr.Use(validation.AddressParamMiddleware())
	{
		addr.GET("/:address/assessments", s.historyHandler)
	}

	v1.GET("/thresholds", s.thresholdsHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain_id", s.cfg.ChainID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Sample DB pool stats into Prometheus gauges
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Close chain client connection
	if s.source != nil {
		s.source.Close()
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

// Hub returns the realtime hub, started by Run.
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}

// Logger exposes the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
