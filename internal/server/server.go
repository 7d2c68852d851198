// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/haldor/payrail/internal/chainwatch"
	"github.com/haldor/payrail/internal/config"
	"github.com/haldor/payrail/internal/escrow"
	"github.com/haldor/payrail/internal/health"
	"github.com/haldor/payrail/internal/idgen"
	"github.com/haldor/payrail/internal/ledger"
	"github.com/haldor/payrail/internal/logging"
	"github.com/haldor/payrail/internal/metrics"
	"github.com/haldor/payrail/internal/processor"
	"github.com/haldor/payrail/internal/provider"
	"github.com/haldor/payrail/internal/provider/binance"
	"github.com/haldor/payrail/internal/provider/cryptopay"
	"github.com/haldor/payrail/internal/provider/paystack"
	"github.com/haldor/payrail/internal/ratelimit"
	"github.com/haldor/payrail/internal/security"
	"github.com/haldor/payrail/internal/state"
	"github.com/haldor/payrail/internal/syncutil"
	"github.com/haldor/payrail/internal/validation"
)

// The watcher feeds confirmed on-chain deposits straight into the processor.
var _ chainwatch.DepositConfirmer = (*processor.Processor)(nil)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	states         *state.Manager
	ledger         *ledger.Ledger
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	processor      *processor.Processor
	depositWatcher *chainwatch.Watcher
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	injected       []provider.Adapter // test-provided adapters, see WithAdapters
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithAdapters sets the payment provider adapters (for testing)
func WithAdapters(adapters ...provider.Adapter) Option {
	return func(s *Server) {
		s.injected = adapters
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set adapters/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var locks syncutil.Locker
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.states = state.NewManager(state.NewPostgresStore(db), s.logger)
		s.ledger = ledger.New(ledger.NewPostgresStore(db))
		locks = syncutil.NewPGAdvisoryLocker(db)

		escrowStore := escrow.NewPostgresStore(db)
		s.escrowService = escrow.NewService(escrowStore, s.ledger, locks, s.logger)
		s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger)

		s.checks.Register("database", health.DBChecker(db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.states = state.NewManager(state.NewMemoryStore(), s.logger)
		s.ledger = ledger.New(ledger.NewMemoryStore())
		locks = syncutil.NewContextShardedMutex()

		escrowStore := escrow.NewMemoryStore()
		s.escrowService = escrow.NewService(escrowStore, s.ledger, locks, s.logger)
		s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger)
	}

	// Build provider adapters from configured credentials
	adapters := s.injected
	if adapters == nil {
		var err error
		adapters, err = buildAdapters(cfg)
		if err != nil {
			return nil, err
		}
	}
	if len(adapters) == 0 {
		s.logger.Warn("no payment providers configured, payments will fail to route")
	}
	for _, a := range adapters {
		s.logger.Info("payment provider configured",
			"provider", a.Name(),
			"payin", a.SupportsPayin(),
			"payout", a.SupportsPayout(),
		)
		s.registerProviderCheck(a)
	}

	s.processor = processor.New(s.states, s.escrowService, adapters, s.logger)

	// On-chain deposit watcher (credits pay-ins when tokens land on the
	// platform deposit address)
	if cfg.ChainWatchEnabled() {
		watcherCfg := chainwatch.DefaultConfig()
		watcherCfg.RPCURL = cfg.RPCURL
		watcherCfg.TokenContract = common.HexToAddress(cfg.TokenContract)
		watcherCfg.DepositAddress = common.HexToAddress(cfg.DepositAddress)

		w, err := chainwatch.New(watcherCfg, s.processor, s.logger)
		if err != nil {
			s.logger.Warn("failed to create deposit watcher", "error", err)
		} else {
			s.depositWatcher = w
			s.logger.Info("deposit watcher configured",
				"deposit", watcherCfg.DepositAddress.Hex(),
				"token", watcherCfg.TokenContract.Hex(),
			)
		}
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

func buildAdapters(cfg *config.Config) ([]provider.Adapter, error) {
	var adapters []provider.Adapter

	if cfg.CryptoPayToken != "" {
		if err := checkBaseURL(cfg.CryptoPayBaseURL); err != nil {
			return nil, fmt.Errorf("CRYPTOPAY_BASE_URL: %w", err)
		}
		adapters = append(adapters, cryptopay.New(cryptopay.Config{
			BaseURL: cfg.CryptoPayBaseURL,
			Token:   cfg.CryptoPayToken,
		}))
	}

	if cfg.BinanceAPIKey != "" {
		if err := checkBaseURL(cfg.BinanceBaseURL); err != nil {
			return nil, fmt.Errorf("BINANCE_BASE_URL: %w", err)
		}
		adapters = append(adapters, binance.New(binance.Config{
			BaseURL:   cfg.BinanceBaseURL,
			APIKey:    cfg.BinanceAPIKey,
			SecretKey: cfg.BinanceAPISecret,
		}))
	}

	if cfg.PaystackSecretKey != "" {
		if err := checkBaseURL(cfg.PaystackBaseURL); err != nil {
			return nil, fmt.Errorf("PAYSTACK_BASE_URL: %w", err)
		}
		adapters = append(adapters, paystack.New(paystack.Config{
			BaseURL:   cfg.PaystackBaseURL,
			SecretKey: cfg.PaystackSecretKey,
		}))
	}

	return adapters, nil
}

// checkBaseURL rejects override URLs that point at internal addresses.
// An empty override means the adapter's default is used.
func checkBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	return security.ValidateEndpointURL(raw)
}

func (s *Server) registerProviderCheck(a provider.Adapter) {
	name := a.Name()
	s.checks.Register(name, func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if !a.Available(ctx) {
			return health.Status{Name: name, Healthy: false, Detail: "provider unreachable"}
		}
		return health.Status{Name: name, Healthy: true}
	})
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
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
			requestID = idgen.WithPrefix("req_")
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api/v1")

	paymentHandler := processor.NewHandler(s.processor, s.cfg.WebhookSecret)
	paymentHandler.RegisterRoutes(api)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(api)

	// User balance and ledger history
	api.GET("/users/:userId/balance", s.balanceHandler)
	api.GET("/users/:userId/ledger", s.ledgerHistoryHandler)
}

// HealthResponse is the aggregate health check payload
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Payrail",
		"description": "Payment orchestration for marketplace escrow",
		"version":     "0.1.0",
	})
}

func (s *Server) balanceHandler(c *gin.Context) {
	userID := c.Param("userId")
	currency := validation.SanitizeCurrency(c.Query("currency"))
	if currency == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_currency",
			"message": "currency query parameter is required",
		})
		return
	}

	bal, err := s.ledger.GetBalance(c.Request.Context(), userID, currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_unavailable",
			"message": "Could not load balance",
		})
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (s *Server) ledgerHistoryHandler(c *gin.Context) {
	userID := c.Param("userId")

	entries, err := s.ledger.GetHistory(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_unavailable",
			"message": "Could not load ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start deposit watcher
	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
		}
	}

	// Start escrow deadline timer
	if s.escrowTimer != nil {
		go s.escrowTimer.Start(runCtx)
	}

	// DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (timer, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop deposit watcher
	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
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
