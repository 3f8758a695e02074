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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/xusdt/escrow-core/internal/audit"
	"github.com/xusdt/escrow-core/internal/config"
	"github.com/xusdt/escrow-core/internal/dispute"
	"github.com/xusdt/escrow-core/internal/escrow"
	"github.com/xusdt/escrow-core/internal/gateway"
	"github.com/xusdt/escrow-core/internal/health"
	"github.com/xusdt/escrow-core/internal/identity"
	"github.com/xusdt/escrow-core/internal/logging"
	"github.com/xusdt/escrow-core/internal/metrics"
	"github.com/xusdt/escrow-core/internal/ratelimit"
	"github.com/xusdt/escrow-core/internal/realtime"
	"github.com/xusdt/escrow-core/internal/security"
	"github.com/xusdt/escrow-core/internal/treasury"
	"github.com/xusdt/escrow-core/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	tokenizer      *identity.Tokenizer
	custodian      gateway.Gateway
	monitor        *gateway.Monitor
	observer       *gateway.ChainObserver
	escrowService  *escrow.Service
	disputeService *dispute.Service
	treasuryStore  treasury.Store
	auditStore     audit.Store
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
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

// WithGateway sets a custom ledger gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.custodian = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tokenizer, err := identity.NewTokenizer(cfg.UserTokenHMACKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}
	s.tokenizer = tokenizer

	verifier, err := dispute.NewVerifier(cfg.AdminVerifyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin verify key: %w", err)
	}

	feePolicy, err := escrow.NewFeePolicy(cfg.FeePercent, cfg.MinFee, cfg.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("invalid fee configuration: %w", err)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore  escrow.Store
		disputeStore dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		treasuryStore := treasury.NewPostgresStore(db, cfg.SystemWalletAddr)
		if err := treasuryStore.EnsureWallet(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure system wallet: %w", err)
		}
		s.treasuryStore = treasuryStore

		escrowStore = escrow.NewPostgresStore(db, cfg.SystemWalletAddr)
		disputeStore = dispute.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		treasuryStore := treasury.NewMemoryStore(cfg.SystemWalletAddr)
		s.treasuryStore = treasuryStore
		escrowStore = escrow.NewMemoryStore(treasuryStore)
		disputeStore = dispute.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
	}

	// Ledger gateway (remote custodian) unless injected for tests
	if s.custodian == nil {
		var gwOpts []gateway.CustodianOption
		if cfg.IsProduction() {
			gwOpts = append(gwOpts, gateway.WithEndpointValidation())
		}
		client, err := gateway.NewCustodianClient(cfg.CustodianURL, s.logger, gwOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create custodian client: %w", err)
		}
		s.custodian = client
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Deposit monitor polls the custodian for watched addresses
	s.monitor = gateway.NewMonitor(s.custodian, cfg.DepositPollInterval, s.logger)

	// Escrow service. The monitor confirms funding back into the service;
	// SetConfirmer breaks the construction cycle.
	var depositWatcher escrow.DepositWatcher = s.monitor
	if cfg.RPCURL != "" {
		observer, err := gateway.NewChainObserver(gateway.ObserverConfig{
			RPCURL:       cfg.RPCURL,
			ChainID:      cfg.ChainID,
			USDTContract: common.HexToAddress(cfg.USDTContract),
			PollInterval: cfg.DepositPollInterval,
		}, s.monitor, s.logger)
		if err != nil {
			s.logger.Warn("failed to create chain observer, relying on custodian polling only", "error", err)
		} else {
			s.observer = observer
			depositWatcher = &observingWatcher{monitor: s.monitor, observer: observer}
			s.logger.Info("on-chain deposit observation enabled", "contract", cfg.USDTContract)
		}
	}

	s.escrowService = escrow.NewService(escrowStore, s.custodian, feePolicy).
		WithDepositWatcher(depositWatcher).
		WithEventSink(s.realtimeHub)
	s.monitor.SetConfirmer(s.escrowService)

	// Dispute service on top of escrow
	recorder := audit.NewRecorder(s.auditStore, s.logger)
	s.disputeService = dispute.NewService(disputeStore, s.escrowService, verifier, recorder, s.logger)

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

// addressObserver is the slice of the chain observer the watcher syncs.
type addressObserver interface {
	WatchAddress(addr string)
	UnwatchAddress(addr string)
}

// observingWatcher keeps the chain observer's address set in sync with the
// monitor's watch registry.
type observingWatcher struct {
	monitor  *gateway.Monitor
	observer addressObserver
}

func (w *observingWatcher) Watch(escrowID, addr string) {
	w.monitor.Watch(escrowID, addr)
	w.observer.WatchAddress(addr)
}

func (w *observingWatcher) Cancel(escrowID string) {
	// Drop the observer's address first so it stops filtering for it
	if addr := w.monitor.WatchedAddr(escrowID); addr != "" {
		w.observer.UnwatchAddress(addr)
	}
	w.monitor.Cancel(escrowID)
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

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

// authMiddleware derives the caller's pseudonymous user token from the
// X-Client-Token header. Raw client tokens never reach handlers or storage.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientToken := c.GetHeader("X-Client-Token")
		if clientToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_token",
				"message": "X-Client-Token header is required",
			})
			return
		}
		c.Set("userToken", s.tokenizer.UserToken(clientToken))
		c.Next()
	}
}

// adminMiddleware gates operator endpoints with a shared secret. In
// development without a configured secret the gate is open.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminAPISecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin endpoints are not configured",
				})
				return
			}
			c.Next()
			return
		}
		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminAPISecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time escrow lifecycle streaming (authenticated)
	s.router.GET("/ws", s.authMiddleware(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, c.GetString("userToken"))
	})

	// V1 API group: authenticated, :id params validated
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())
	v1.Use(s.authMiddleware())

	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputeService)
	disputeHandler.RegisterRoutes(v1)

	// Admin endpoints. Resolution submissions are additionally protected by
	// the Ed25519 signature check inside the dispute service.
	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	disputeHandler.RegisterAdminRoutes(admin)
	treasury.NewHandler(s.treasuryStore).RegisterAdminRoutes(admin)
	audit.NewHandler(s.auditStore).RegisterAdminRoutes(admin)
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
		"name":        "xUSDT Escrow",
		"description": "Settlement backend for P2P USDT trades",
		"version":     "0.1.0",
		"currency":    "USDT",
		"feePercent":  s.cfg.FeePercent,
		"minFee":      s.cfg.MinFee,
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start deposit monitor
	if err := s.monitor.Start(runCtx); err != nil {
		s.logger.Error("failed to start deposit monitor", "error", err)
	}

	// Start chain observer
	if s.observer != nil {
		if err := s.observer.Start(runCtx); err != nil {
			s.logger.Error("failed to start chain observer", "error", err)
			s.observer = nil // never started, nothing to stop
		}
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodic DB pool stats for the metrics endpoint
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

	// Cancel the context for all background goroutines (hub, monitor, observer)
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

	// Stop deposit monitor
	s.monitor.Stop()
	s.logger.Info("deposit monitor stopped")

	// Stop chain observer
	if s.observer != nil {
		s.observer.Stop()
		s.logger.Info("chain observer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
