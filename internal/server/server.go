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

	"github.com/tomascrow/peervault/internal/admin"
	"github.com/tomascrow/peervault/internal/chain"
	"github.com/tomascrow/peervault/internal/cleanup"
	"github.com/tomascrow/peervault/internal/config"
	"github.com/tomascrow/peervault/internal/directory"
	"github.com/tomascrow/peervault/internal/dispute"
	"github.com/tomascrow/peervault/internal/health"
	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/logging"
	"github.com/tomascrow/peervault/internal/market"
	"github.com/tomascrow/peervault/internal/metrics"
	"github.com/tomascrow/peervault/internal/moderator"
	"github.com/tomascrow/peervault/internal/notify"
	"github.com/tomascrow/peervault/internal/ratelimit"
	"github.com/tomascrow/peervault/internal/realtime"
	"github.com/tomascrow/peervault/internal/security"
	"github.com/tomascrow/peervault/internal/trade"
	"github.com/tomascrow/peervault/internal/traces"
	"github.com/tomascrow/peervault/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	db        *sql.DB // nil if using in-memory stores
	custody   chain.Client
	directory *directory.Service
	escrow    *ledger.Manager
	orders    *market.Service
	trades    *trade.Service
	pool      *moderator.Pool
	disputes  *dispute.Service
	webhooks  *notify.WebhookNotifier
	hub       *realtime.Hub

	worker        *cleanup.Worker
	tradeTimer    *trade.Timer
	disputeTimer  *dispute.Timer
	cleanupTimer  *cleanup.Timer
	chainWatcher  *chain.Watcher
	rateLimiter   *ratelimit.Limiter
	healthChecks  *health.Registry
	tracesCleanup func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithCustody injects an external ledger client (tests use chain.Mock)
func WithCustody(c chain.Client) Option {
	return func(s *Server) {
		s.custody = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set custody/logger)
	for _, opt := range opts {
		opt(s)
	}

	// External ledger custody: real client when configured, otherwise
	// the escrow settles internally only.
	if s.custody == nil && cfg.ChainEnabled() {
		client, err := chain.NewEthLedger(chain.Config{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		})
		if err != nil {
			return nil, fmt.Errorf("creating custody client: %w", err)
		}
		s.custody = client
		s.logger.Info("chain custody enabled", "contract", cfg.TokenContract, "chainId", cfg.ChainID)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		dirStore        directory.Store
		ledgerStore     ledger.Store
		orderStore      market.Store
		tradeStore      trade.Store
		moderatorStore  moderator.Store
		disputeLogStore dispute.LogStore
		webhookStore    notify.SubscriptionStore
		exceptionStore  cleanup.ExceptionStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		dirStore = directory.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		orderStore = market.NewPostgresStore(db)
		tradeStore = trade.NewPostgresStore(db)
		moderatorStore = moderator.NewPostgresStore(db)
		disputeLogStore = dispute.NewPostgresLogStore(db)
		webhookStore = notify.NewPostgresSubscriptionStore(db)
		exceptionStore = cleanup.NewPostgresExceptionStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		dirStore = directory.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		orderStore = market.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		moderatorStore = moderator.NewMemoryStore()
		disputeLogStore = dispute.NewMemoryLogStore()
		webhookStore = notify.NewMemorySubscriptionStore()
		exceptionStore = cleanup.NewMemoryExceptionStore()
	}

	s.directory = directory.NewService(dirStore)

	var ledgerOpts []ledger.Option
	if s.custody != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithChain(s.custody, s.directory))
	}
	s.escrow = ledger.NewManager(ledgerStore, s.logger, ledgerOpts...)

	// Notifications fan out to the log, registered webhooks, and live
	// WebSocket connections.
	s.hub = realtime.NewHub(s.logger)
	s.webhooks = notify.NewWebhookNotifier(webhookStore, s.logger)
	notifier := notify.Fanout{
		notify.NewSlogNotifier(s.logger),
		s.webhooks,
		s.hub,
	}

	s.orders = market.NewService(orderStore, s.escrow, cfg.OrderTTL, s.logger)
	s.trades = trade.NewService(tradeStore, s.escrow, s.orders, notifier, trade.Config{
		PaymentWindow:  cfg.PaymentWindow,
		TradeTimeLimit: cfg.TradeTimeLimit,
	}, s.logger)

	s.pool = moderator.NewPool(moderatorStore, moderator.Config{
		MaxWorkload: cfg.MaxModeratorLoad,
	}, s.logger)

	s.disputes = dispute.NewService(s.trades, s.trades.StoreView(), s.escrow, s.pool, disputeLogStore, notifier, dispute.Config{
		UrgentAmount:  cfg.UrgentAmount,
		HighAmount:    cfg.HighAmount,
		MediumAmount:  cfg.MediumAmount,
		EscalateAfter: cfg.EscalationAfter,
		AppealWindow:  cfg.AppealWindow,
	}, s.logger)

	s.worker = cleanup.NewWorker(s.escrow, s.trades, s.orders, s.custody, s.directory, exceptionStore, cleanup.Config{
		LockGrace:    cfg.OrphanGrace,
		OrderGrace:   cfg.OrderEscrowGrace,
		DriftEpsilon: cfg.DriftEpsilon,
		Tokens:       []string{cfg.TokenSymbol},
	}, s.logger)

	s.tradeTimer = trade.NewTimer(s.trades, s.logger)
	s.disputeTimer = dispute.NewTimer(s.disputes, s.logger)
	s.cleanupTimer = cleanup.NewTimer(s.worker, s.logger)
	if s.custody != nil {
		s.chainWatcher = chain.NewWatcher(s.custody, s.escrow, s.logger)
	}

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

func (s *Server) setupHealthChecks() {
	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		s.healthChecks.Register("database", func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		})
	}
	if s.custody != nil {
		s.healthChecks.Register("custody", func(ctx context.Context) error {
			_, err := s.custody.BalanceOf(ctx, "0x0000000000000000000000000000000000000000")
			return err
		})
	}
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
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

// requireAdmin gates admin routes on the X-Admin-Secret header. In
// development with no secret configured, everything passes.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "admin endpoints require ADMIN_SECRET in production",
				})
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	directory.NewHandler(s.directory, s.logger).RegisterRoutes(v1)
	ledgerHandler := ledger.NewHandler(s.escrow, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	market.NewHandler(s.orders, s.logger).RegisterRoutes(v1)
	trade.NewHandler(s.trades, s.logger).RegisterRoutes(v1)
	moderator.NewHandler(s.pool, s.logger).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes, s.pool, s.logger).RegisterRoutes(v1)
	notify.NewHandler(s.webhooks, s.logger).RegisterRoutes(v1)

	// Admin surface: ledger corrections, stuck-state resolution, and
	// the reconciliation worker's manual controls.
	adminGroup := v1.Group("/admin")
	adminGroup.Use(s.requireAdmin())
	ledgerHandler.RegisterAdminRoutes(v1.Group("", s.requireAdmin()))
	admin.NewHandler(s.escrow, s.trades, s.logger).RegisterRoutes(adminGroup)
	cleanup.NewHandler(s.worker, s.logger).RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Peervault",
		"description": "Escrow-backed peer-to-peer token exchange",
		"version":     "0.1.0",
		"token":       s.cfg.TokenSymbol,
		"custody":     s.custody != nil,
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

	// Tracing
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing init failed", "error", err)
		} else {
			s.tracesCleanup = shutdown
		}
	}

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

	go s.hub.Run(runCtx)
	go s.tradeTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.cleanupTimer.Start(runCtx)
	if s.chainWatcher != nil {
		go s.chainWatcher.Start(runCtx)
	}
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Cancel the context for all background goroutines (hub, timers, watcher)
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

	s.tradeTimer.Stop()
	s.disputeTimer.Stop()
	s.cleanupTimer.Stop()
	if s.chainWatcher != nil {
		s.chainWatcher.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesCleanup != nil {
		if err := s.tracesCleanup(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
