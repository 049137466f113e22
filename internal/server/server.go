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
	"github.com/redis/go-redis/v9"

	"github.com/guthwine/guthwine/internal/audit"
	"github.com/guthwine/guthwine/internal/authz"
	"github.com/guthwine/guthwine/internal/cache"
	"github.com/guthwine/guthwine/internal/clock"
	"github.com/guthwine/guthwine/internal/config"
	"github.com/guthwine/guthwine/internal/delegation"
	"github.com/guthwine/guthwine/internal/events"
	"github.com/guthwine/guthwine/internal/health"
	"github.com/guthwine/guthwine/internal/identity"
	"github.com/guthwine/guthwine/internal/keystore"
	"github.com/guthwine/guthwine/internal/logging"
	"github.com/guthwine/guthwine/internal/mandate"
	"github.com/guthwine/guthwine/internal/metrics"
	"github.com/guthwine/guthwine/internal/policy"
	"github.com/guthwine/guthwine/internal/rail"
	"github.com/guthwine/guthwine/internal/ratelimit"
	"github.com/guthwine/guthwine/internal/realtime"
	"github.com/guthwine/guthwine/internal/security"
	"github.com/guthwine/guthwine/internal/semantic"
)

// serviceKeyID is the stable key ID the platform signing key is
// rehydrated under when GUTHWINE_SERVICE_KEY is set.
const serviceKeyID = "svc_primary"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	keys         keystore.KeyStore
	registry     *identity.Registry
	delegations  *delegation.Service
	limiter      *ratelimit.Limiter
	policies     *policy.Engine
	issuer       *mandate.Issuer
	ledger       *audit.Ledger
	orchestrator *authz.Orchestrator
	executor     *rail.Executor
	paymentRail  rail.Rail
	semanticEval semantic.Evaluator
	hub          *realtime.Hub
	checks       *health.Registry
	bus          events.Bus
	redisBus     *events.RedisBus // nil unless REDIS_URL is set
	redisClient  *redis.Client
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

// WithRail sets a custom payment rail (for testing)
func WithRail(r rail.Rail) Option {
	return func(s *Server) {
		s.paymentRail = r
	}
}

// WithSemanticEvaluator sets a custom semantic evaluator (for testing)
func WithSemanticEvaluator(ev semantic.Evaluator) Option {
	return func(s *Server) {
		s.semanticEval = ev
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger/rail/evaluator)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Key material. Every signature in the system (mandates, audit
	// entries, delegation tokens) traces back to this keystore.
	keys, err := keystore.NewLocal(cfg.MasterKeySecret, cfg.MasterKeySalt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keystore: %w", err)
	}
	s.keys = keys

	serviceKey := serviceKeyID
	if cfg.ServiceKeySealed != "" {
		if err := keys.ImportSealed(serviceKeyID, cfg.ServiceKeySealed); err != nil {
			return nil, fmt.Errorf("failed to import service key: %w", err)
		}
		s.logger.Info("service signing key restored from sealed material")
	} else {
		serviceKey, err = keys.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate service key: %w", err)
		}
		s.logger.Warn("generated ephemeral service key; signatures will not verify across restarts")
		if cfg.IsDevelopment() {
			if sealed, err := keys.ExportSealed(serviceKey); err == nil {
				s.logger.Info("set GUTHWINE_SERVICE_KEY to persist the signing key", "sealed", sealed)
			}
		}
	}

	// Redis (shared client for cache and event bus)
	var cacheImpl cache.Cache
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisClient = client
		cacheImpl = cache.NewRedisFromClient(client)
		s.redisBus = events.NewRedisBusFromClient(client)
		s.bus = s.redisBus
		s.checks.Register("redis", health.Redis(client))
		s.logger.Info("using redis cache and event bus")
	} else {
		cacheImpl = cache.NewMemory()
		s.bus = events.NewMemory()
		s.logger.Info("using in-process cache and event bus")
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		identityStore   identity.Store
		delegationStore delegation.Store
		policyStore     policy.Store
		auditStore      audit.Store
		ratelimitStore  ratelimit.Store
		txnStore        authz.TxnStore
		nonceStore      mandate.NonceStore
		introStore      mandate.IntrospectionStore
	)
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
		s.checks.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		identityStore = identity.NewPostgresStore(db)
		delegationStore = delegation.NewPostgresStore(db)
		policyStore = policy.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		ratelimitStore = ratelimit.NewPostgresStore(db)
		txnStore = authz.NewPostgresTxnStore(db)
		nonceStore = mandate.NewPostgresNonceStore(db)
		introStore = mandate.NewPostgresIntrospectionStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		identityStore = identity.NewMemoryStore()
		delegationStore = delegation.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		ratelimitStore = ratelimit.NewMemoryStore()
		txnStore = authz.NewMemoryTxnStore()
		nonceStore = mandate.NewMemoryNonceStore()
		introStore = mandate.NewMemoryIntrospectionStore()
	}

	// Audit ledger first: the other services append to it.
	retention := time.Duration(cfg.AuditRetentionYears) * 365 * 24 * time.Hour
	s.ledger = audit.NewLedger(auditStore, keys, serviceKey, s.logger).WithRetention(retention)

	s.registry = identity.NewRegistry(identityStore, keys, cacheImpl, s.bus, s.logger)
	s.registry.SetAuditor(s.ledger)

	s.delegations = delegation.NewService(delegationStore, s.registry, keys, s.bus, s.logger).
		WithLimits(cfg.DelegationDefaultTTL, cfg.DelegationMaxDepth)
	s.delegations.SetAuditor(s.ledger)
	// Agent revocation cascades to every delegation the agent issued.
	s.registry.SetCascader(s.delegations)

	s.limiter = ratelimit.NewLimiter(ratelimitStore, clock.System{}, s.logger).
		WithLimits(cfg.RateLimitWindow, cfg.RateLimitMaxSpend, cfg.RateLimitMaxTxns).
		WithAnomalyThresholds(cfg.AnomalyWindow, cfg.AnomalyVelocityThreshold, cfg.AnomalySpendRateThreshold)

	s.policies = policy.NewEngine(policyStore, cacheImpl, s.logger)

	s.issuer = mandate.NewIssuer(keys, serviceKey, "guthwine", nonceStore, s.logger).
		WithTTLs(cfg.MandateDefaultTTL, cfg.MandateMaxTTL).
		WithIntrospection(introStore).
		AcceptLegacy(cfg.AcceptLegacyMandates)

	s.orchestrator = authz.NewOrchestrator(
		s.registry, s.delegations, s.limiter, s.policies,
		s.issuer, s.ledger, txnStore, s.bus, s.logger,
	).WithAutoFreeze(cfg.AnomalyAutoFreeze)

	if cfg.SemanticEnabled {
		evaluator := s.semanticEval
		if evaluator == nil {
			if cfg.SemanticAPIURL != "" {
				evaluator = semantic.NewLLMEvaluator(cfg.SemanticAPIURL, cfg.SemanticAPIKey, cfg.SemanticModel)
				s.logger.Info("semantic evaluation enabled", "model", cfg.SemanticModel)
			} else {
				evaluator = &semantic.StaticEvaluator{}
				s.logger.Warn("semantic evaluation enabled without GUTHWINE_SEMANTIC_API_URL, using static evaluator")
			}
		}
		checker := semantic.NewChecker(evaluator, cacheImpl, s.logger).WithTTL(cfg.SemanticCacheTTL)
		s.orchestrator.WithSemantic(checker, cfg.SemanticThreshold, cfg.SemanticFailClosed)
	}

	// Payment rail: Stripe when configured, in-process otherwise.
	if s.paymentRail == nil {
		if cfg.StripeAPIKey != "" {
			s.paymentRail = rail.NewStripeRail(cfg.StripeAPIKey, s.logger)
			s.logger.Info("stripe payment rail enabled")
		} else {
			s.paymentRail = &rail.StaticRail{}
			s.logger.Info("using in-process payment rail (no money moves)")
		}
	}
	s.executor = rail.NewExecutor(s.paymentRail, s.issuer, txnStore, s.ledger, s.bus, s.logger)

	// Realtime hub for WebSocket streaming. The in-process bus feeds it
	// directly; the redis bus is bridged in Run.
	s.hub = realtime.NewHub(s.logger)
	if mem, ok := s.bus.(*events.Memory); ok {
		s.hub.AttachBus(mem)
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

	// WebSocket for real-time decision streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	identity.NewHandler(s.registry).RegisterRoutes(v1)
	delegation.NewHandler(s.delegations).RegisterRoutes(v1)
	policy.NewHandler(s.policies).RegisterRoutes(v1)
	mandate.NewHandler(s.issuer).RegisterRoutes(v1)
	audit.NewHandler(s.ledger).RegisterRoutes(v1)
	authz.NewHandler(s.orchestrator).RegisterRoutes(v1)
	rail.NewHandler(s.executor).RegisterRoutes(v1)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

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
		"name":        "Guthwine",
		"description": "Policy decision and mandate issuance for autonomous agents",
		"version":     "0.1.0",
	})
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Realtime hub
	go s.hub.Run(runCtx)

	// Bridge redis pub/sub into the hub so every instance streams
	// decisions regardless of which instance made them.
	if s.redisBus != nil {
		go func() {
			if err := s.redisBus.Listen(runCtx, func(channel string, event *events.Event) {
				s.hub.Broadcast(channel, event)
			}); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("redis event listener stopped", "error", err)
			}
		}()
	}

	// Merkle roll-ups and retention sweeps
	go s.ledger.RunJobs(runCtx, s.cfg.MerkleInterval, s.cfg.RetentionSweepPeriod)

	// Expired mandate nonce purge
	go s.issuer.RunNoncePurgeJob(runCtx, time.Hour)

	// Rate limit history purge
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.limiter.PurgeHistory(runCtx); err != nil {
					s.logger.Warn("rate limit history purge failed", "error", err)
				}
			}
		}
	}()

	// Connection pool metrics
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
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

	// Cancel the context for all background goroutines (hub, jobs, bridges)
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

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

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

// Orchestrator exposes the authorization pipeline for embedding callers.
func (s *Server) Orchestrator() *authz.Orchestrator {
	return s.orchestrator
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
