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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/lendbridge/internal/auth"
	"github.com/mbd888/lendbridge/internal/chain"
	"github.com/mbd888/lendbridge/internal/circuitbreaker"
	"github.com/mbd888/lendbridge/internal/config"
	"github.com/mbd888/lendbridge/internal/escrow"
	"github.com/mbd888/lendbridge/internal/health"
	"github.com/mbd888/lendbridge/internal/lending"
	"github.com/mbd888/lendbridge/internal/logging"
	"github.com/mbd888/lendbridge/internal/metrics"
	"github.com/mbd888/lendbridge/internal/notify"
	"github.com/mbd888/lendbridge/internal/ratelimit"
	"github.com/mbd888/lendbridge/internal/realtime"
	"github.com/mbd888/lendbridge/internal/reconciliation"
	"github.com/mbd888/lendbridge/internal/security"
	"github.com/mbd888/lendbridge/internal/storage"
	"github.com/mbd888/lendbridge/internal/traces"
	"github.com/mbd888/lendbridge/internal/validation"
	"github.com/mbd888/lendbridge/internal/webhooks"
)

const (
	defaultDrainDelay   = 5 * time.Second
	maxRecoverBatch     = 500
	defaultRecoverBatch = 100
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db          *sql.DB // nil if using in-memory
	redis       *redis.Client
	gateway     chain.Gateway
	closeChain  func()
	breaker     *circuitbreaker.Breaker
	keys        *auth.Keyring
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter

	escrowService  *escrow.Service
	loanService    *lending.Service
	ingress        *webhooks.Ingress
	realtimeHub    *realtime.Hub
	publisher      *notify.Publisher
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	recoveryTimer  *webhooks.RecoveryTimer

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	unregisterDB    func()
	drainDelay      time.Duration

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

// WithGateway sets the ledger gateway (for testing). It is still wrapped
// with the configured timeout and breaker.
func WithGateway(gw chain.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
		healthReg:  health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory).
	// Every store shares one transactor so a webhook outcome and the escrow
	// or loan change it caused commit together.
	var (
		tx           storage.Transactor
		escrowStore  escrow.Store
		loanStore    lending.Store
		webhookStore webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.unregisterDB = metrics.RegisterDB(db)
		tx = storage.NewSQLTransactor(db)
		escrowStore = escrow.NewPostgresStore(db)
		loanStore = lending.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.healthReg.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		tx = storage.NewMemoryTransactor()
		escrowStore = escrow.NewMemoryStore()
		loanStore = lending.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.setupChain(); err != nil {
		s.closePartial()
		return nil, err
	}

	// Lifecycle notifications: websocket clients, settle latency, Redis.
	s.realtimeHub = realtime.NewHub(s.logger)
	notifiers := escrow.MultiNotifier{s.realtimeHub, notify.SettleObserver{}}
	if cfg.RedisURL != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.closePartial()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		s.publisher = notify.NewPublisher(rdb,
			notify.WithStream(cfg.RedisStream, notify.DefaultMaxLen),
			notify.WithLogger(s.logger),
		)
		notifiers = append(notifiers, s.publisher)
		s.logger.Info("escrow events published to redis", "stream", cfg.RedisStream)
	}

	s.escrowService = escrow.NewService(escrowStore, tx, s.gateway).
		WithNotifier(notifiers).
		WithLogger(s.logger).
		WithIntentTTL(cfg.StuckIntentAfter).
		WithCallTimeout(cfg.ChainTimeout)
	s.loanService = lending.NewService(loanStore, tx).WithLogger(s.logger)

	// Webhook ingress
	verifiers, err := s.webhookVerifiers()
	if err != nil {
		s.closePartial()
		return nil, err
	}
	dispatcher := webhooks.NewDispatcher(s.logger)
	dispatcher.RegisterDefaults(s.escrowService, s.loanService)
	s.ingress = webhooks.NewIngress(webhookStore, tx, dispatcher, verifiers).WithLogger(s.logger)
	s.recoveryTimer = webhooks.NewRecoveryTimer(s.ingress, cfg.WebhookRecoveryPeriod, cfg.WebhookRecoveryAfter, s.logger)

	// Reconciliation against the ledger
	s.reconciler = reconciliation.NewService(s.escrowService, cfg.StuckIntentAfter).WithLogger(s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.healthReg.Register("chain", health.Breaker("chain", s.breaker, chain.BreakerKey))
	s.healthReg.Register("reconciler", health.Loop("reconciler", s.reconcileTimer.Running))
	s.healthReg.Register("webhook_recovery", health.Loop("webhook_recovery", s.recoveryTimer.Running))

	// Operator access
	s.keys = auth.NewKeyring(cfg.APIKeys...)
	if s.keys.Enabled() {
		s.logger.Info("API authentication enabled", "keys", len(cfg.APIKeys))
	} else {
		s.logger.Warn("no API_KEYS configured, operator API is unauthenticated")
	}
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

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

// setupChain selects the ledger gateway and wraps it with a per-call
// timeout and a circuit breaker.
func (s *Server) setupChain() error {
	cfg := s.cfg
	if s.gateway == nil {
		if cfg.UsesSimulatedChain() {
			s.gateway = chain.NewSimulated()
			s.logger.Warn("using simulated ledger (no CHAIN_RPC_URL set)")
		} else {
			gw, err := chain.NewEVMGateway(chain.EVMConfig{
				RPCURL:         cfg.ChainRPCURL,
				PrivateKey:     cfg.ChainPrivateKey,
				ChainID:        cfg.ChainID,
				FactoryAddress: cfg.EscrowFactoryAddress,
			}, chain.WithEVMLogger(s.logger))
			if err != nil {
				return fmt.Errorf("failed to create ledger gateway: %w", err)
			}
			s.gateway = gw
			s.closeChain = gw.Close
			s.logger.Info("ledger gateway configured",
				"chain_id", cfg.ChainID,
				"factory", cfg.EscrowFactoryAddress,
				"operator", gw.Address(),
			)
		}
	}

	s.breaker = circuitbreaker.New(cfg.ChainBreakerThreshold, cfg.ChainBreakerCooldown)
	s.gateway = chain.NewGuarded(s.gateway,
		chain.WithTimeout(cfg.ChainTimeout),
		chain.WithBreaker(s.breaker),
		chain.WithGuardLogger(s.logger),
	)
	return nil
}

// webhookVerifiers builds one verifier per source. A source without a
// secret gets none and its deliveries are rejected.
func (s *Server) webhookVerifiers() (map[webhooks.Source]*webhooks.Verifier, error) {
	secrets := map[webhooks.Source]string{
		webhooks.SourceProvider: s.cfg.WebhookSecret,
		webhooks.SourceChain:    s.cfg.ChainWebhookSecret,
	}
	verifiers := make(map[webhooks.Source]*webhooks.Verifier, len(secrets))
	for source, secret := range secrets {
		if secret == "" {
			s.logger.Warn("no webhook secret configured, deliveries will be rejected", "source", source)
			continue
		}
		v, err := webhooks.NewVerifier(secret, s.cfg.WebhookSignatureAlgo)
		if err != nil {
			return nil, fmt.Errorf("webhook verifier for %s: %w", source, err)
		}
		verifiers[source] = v
	}
	return verifiers, nil
}

// closePartial releases whatever New opened before it failed.
func (s *Server) closePartial() {
	if s.closeChain != nil {
		s.closeChain()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		s.unregisterDB()
		_ = s.db.Close()
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

	// CORS for the configured dashboard origins only
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

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
				"latencyMs", latency.Milliseconds(),
				"clientIp", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
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

	// WebSocket for real-time escrow updates. It carries the same data as
	// the operator API and takes the same keys.
	s.router.GET("/ws", auth.RequireStreamKey(s.keys), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Webhook ingress authenticates by signature. It is neither keyed nor
	// rate limited so provider retries are never turned away, and it
	// enforces its own body limit.
	hooks := webhooks.NewHandler(s.ingress, s.cfg.WebhookMaxBodyBytes)
	hooks.RegisterRoutes(s.router.Group("/v1"))

	// Operator API
	api := s.router.Group("/v1")
	api.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	api.Use(auth.RequireKey(s.keys))
	api.Use(s.rateLimiter.Middleware())

	escrow.NewHandler(s.escrowService).RegisterRoutes(api)
	lending.NewHandler(s.loanService).RegisterRoutes(api)
	hooks.RegisterInspectionRoutes(api)

	admin := api.Group("/admin")
	admin.POST("/reconcile", s.reconcileHandler)
	admin.POST("/webhooks/recover", s.recoverWebhooksHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
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
	// An open ledger breaker still serves reads, so only storage gates
	// readiness.
	if s.db != nil {
		if st := health.Database(s.db)(c.Request.Context()); !st.Healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": st.Detail})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (s *Server) recoverWebhooksHandler(c *gin.Context) {
	olderThan := s.cfg.WebhookRecoveryAfter
	if raw := c.Query("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "olderThan must be a non-negative duration such as 30s",
			})
			return
		}
		olderThan = d
	}

	limit := defaultRecoverBatch
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxRecoverBatch)
	}

	resolved, err := s.ingress.Recover(c.Request.Context(), olderThan, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("manual webhook recovery failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "internal_error",
			"message":  "Webhook recovery failed",
			"resolved": resolved,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
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
			"env", s.cfg.Env,
			"simulated_ledger", s.cfg.UsesSimulatedChain(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, timers and publisher.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.reconcileTimer.Start(ctx)
	go s.recoveryTimer.Start(ctx)

	if s.publisher != nil {
		s.publisher.Start()
	}
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
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconcileTimer.Stop()
	s.recoveryTimer.Stop()
	s.logger.Info("background timers stopped")

	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()

	// Flush queued lifecycle events before dropping the connection
	if s.publisher != nil {
		if err := s.publisher.Close(ctx); err != nil {
			s.logger.Warn("redis publisher did not drain", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.closeChain != nil {
		s.closeChain()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		s.unregisterDB()
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
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
