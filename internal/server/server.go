// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/pesarail/pesarail/internal/chain"
	"github.com/pesarail/pesarail/internal/config"
	"github.com/pesarail/pesarail/internal/escrow"
	"github.com/pesarail/pesarail/internal/health"
	"github.com/pesarail/pesarail/internal/intervention"
	"github.com/pesarail/pesarail/internal/logging"
	"github.com/pesarail/pesarail/internal/metrics"
	"github.com/pesarail/pesarail/internal/mpesa"
	"github.com/pesarail/pesarail/internal/orchestrator"
	"github.com/pesarail/pesarail/internal/ratelimit"
	"github.com/pesarail/pesarail/internal/rates"
	"github.com/pesarail/pesarail/internal/realtime"
	"github.com/pesarail/pesarail/internal/reconciliation"
	"github.com/pesarail/pesarail/internal/retry"
	"github.com/pesarail/pesarail/internal/security"
	"github.com/pesarail/pesarail/internal/treasury"
	"github.com/pesarail/pesarail/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	escrows      escrow.Store
	queue        *intervention.Service
	converter    *rates.Converter
	gateway      mpesa.Gateway
	chains       *chain.Registry
	chainWatcher *chain.Watcher
	orch         *orchestrator.Orchestrator
	reconEngine  *reconciliation.Engine
	reconTimer   *reconciliation.Timer
	treasury     *treasury.Service
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
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

// WithGateway sets a custom mobile-money gateway (for testing)
func WithGateway(g mpesa.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithChainRegistry sets custom chain clients (for testing)
func WithChainRegistry(r *chain.Registry) Option {
	return func(s *Server) {
		s.chains = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/chains/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var interventionStore intervention.Store
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
		s.escrows = escrow.NewPostgresStore(db)
		interventionStore = intervention.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.escrows = escrow.NewMemoryStore()
		interventionStore = intervention.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.queue = intervention.NewService(interventionStore, s.escrows, s.logger)

	// Rate converter with live sources and cached fallback
	s.converter = rates.NewConverter(s.logger, []rates.Source{
		rates.NewCoinGeckoSource(""),
		rates.NewCryptoCompareSource(""),
	}, rates.WithTTL(cfg.RateTTL, cfg.RateFallbackTTL))

	// Mobile-money gateway if not injected
	if s.gateway == nil {
		s.gateway = mpesa.NewClient(mpesa.Config{
			BaseURL:           cfg.MpesaBaseURL,
			ConsumerKey:       cfg.MpesaConsumerKey,
			ConsumerSecret:    cfg.MpesaConsumerSecret,
			ShortCode:         cfg.MpesaShortCode,
			Passkey:           cfg.MpesaPasskey,
			CallbackBaseURL:   cfg.CallbackBaseURL,
			InitiatorName:     cfg.MpesaInitiatorName,
			InitiatorPassword: cfg.MpesaInitiatorPassword,
		})
	}

	// Chain clients if not injected
	if s.chains == nil {
		tokens := make(map[string]chain.Token, len(cfg.Chain.Tokens))
		for symbol, contract := range cfg.Chain.Tokens {
			tokens[symbol] = chain.Token{
				Contract: contract,
				Decimals: cfg.Chain.TokenDecimals(symbol),
			}
		}
		client, err := chain.NewEVMClient(chain.EVMConfig{
			Name:       cfg.Chain.Name,
			RPCURL:     cfg.Chain.RPCURL,
			ChainID:    cfg.Chain.ChainID,
			PrivateKey: cfg.Chain.PrivateKey,
			Tokens:     tokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chains = chain.NewRegistry(client)
		s.logger.Info("chain client connected",
			"chain", cfg.Chain.Name, "chain_id", cfg.Chain.ChainID)
	}

	s.checks.Register("chain", func(ctx context.Context) health.Status {
		if len(s.chains.Chains()) == 0 {
			return health.Status{Name: "chain", Healthy: false, Detail: "no chain clients configured"}
		}
		return health.Status{Name: "chain", Healthy: true}
	})

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Confirmation watcher feeds settlement events back into the
	// orchestrator. The server is the sink so the watcher can be built
	// before the orchestrator it reports to.
	s.chainWatcher = chain.NewWatcher(s.chains, s, s.logger)

	s.orch = orchestrator.New(s.escrows, s.converter, s.gateway, s.chains,
		s.chainWatcher, s.queue, s.logger,
		orchestrator.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		}),
		orchestrator.WithNotifier(s.realtimeHub),
	)

	s.reconEngine = reconciliation.NewEngine(s.escrows, s.logger,
		reconciliation.WithStaleCompletedAfter(cfg.StaleCompletedAfter),
		reconciliation.WithNotifier(s.realtimeHub),
	)
	s.reconTimer = reconciliation.NewTimer(s.reconEngine, cfg.SweepInterval, cfg.SweepWindow, s.logger)

	guard := treasury.NewGuard(cfg.TreasuryOperators)
	s.treasury = treasury.NewService(guard, s.chains, s.escrows, s.logger)

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

// ApplyChainEvent forwards watcher settlement events to the orchestrator.
func (s *Server) ApplyChainEvent(ctx context.Context, ev chain.Event) error {
	return s.orch.ApplyChainEvent(ctx, ev)
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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limCfg)
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

// adminAuthMiddleware requires the X-Admin-Secret header outside
// development.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	txHandler := orchestrator.NewHandler(s.orch, s.reconEngine, s.logger)

	// Rail callbacks. These arrive from the gateway and internal
	// collaborators, not from end users.
	txHandler.RegisterCallbackRoutes(s.router.Group(""))

	// V1 API group
	v1 := s.router.Group("/v1")
	txHandler.RegisterRoutes(v1)

	// WebSocket for real-time streaming
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Current conversion rate (read-only, served from the cache)
	v1.GET("/rates/:token", s.rateHandler)

	// ADMIN ROUTES (shared-secret header)
	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())

	reconciliation.NewHandler(s.reconEngine, s.logger).RegisterAdminRoutes(admin)
	intervention.NewHandler(s.queue, s.logger).RegisterAdminRoutes(admin)
	treasury.NewHandler(s.treasury, s.logger).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	tokens := make([]string, 0, len(s.cfg.Chain.Tokens))
	for symbol := range s.cfg.Chain.Tokens {
		tokens = append(tokens, symbol)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "PesaRail",
		"description": "Cross-rail mobile money to crypto conversion engine",
		"version":     "0.1.0",
		"chain":       s.cfg.Chain.Name,
		"chainId":     s.cfg.Chain.ChainID,
		"tokens":      tokens,
		"currency":    "KES",
	})
}

// rateHandler returns the cached conversion rate for one token.
func (s *Server) rateHandler(c *gin.Context) {
	rate, err := s.converter.Rate(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "rate_unavailable",
			"message": "No conversion rate available for this token",
		})
		return
	}
	c.JSON(http.StatusOK, rate)
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain", s.cfg.Chain.Name,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start chain confirmation watcher
	s.chainWatcher.Start()

	// Start reconciliation sweep timer
	go s.reconTimer.Start(runCtx)

	// Start database stats collector
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

	// Cancel the context for all background goroutines (hub, timers)
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

	// Stop chain watcher
	s.chainWatcher.Stop()
	s.logger.Info("chain watcher stopped")

	// Stop reconciliation timer
	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain connections
	if err := s.chains.Close(); err != nil {
		s.logger.Error("chain close error", "error", err)
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
