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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/anomaly"
	"github.com/mbd888/trustgate/internal/challenge"
	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/credential"
	"github.com/mbd888/trustgate/internal/devicetrust"
	"github.com/mbd888/trustgate/internal/gate"
	"github.com/mbd888/trustgate/internal/health"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/notify"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/risksignal"
	"github.com/mbd888/trustgate/internal/security"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/trustscore"
	"github.com/mbd888/trustgate/internal/validation"
)

const (
	// passkey challenges must be answered within this window
	passkeySessionTTL = 5 * time.Minute

	dbStatsInterval = 15 * time.Second

	notifyBreakerThreshold = 5
	notifyBreakerOpen      = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	db       *sql.DB       // nil if using in-memory
	redis    *redis.Client // nil if using in-memory
	kafka    *notify.KafkaNotifier
	notifier notify.Notifier
	limiters limiters
	health   *health.Registry

	accounts   *account.Service
	signals    *risksignal.Service
	devices    *devicetrust.Service
	detector   *anomaly.Detector
	gate       *gate.Gate
	dispatcher *notify.Dispatcher
	challenger *credential.Challenger
	creds      credential.Store
	engine     *trustscore.Engine
	batch      *trustscore.Batch
	records    *trustscore.RecordService

	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithNotifier replaces the configured notification channel (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		st = postgresStores(db)
		s.health.Ping("postgres", cfg.StoreTimeout, db.PingContext)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		st = memoryStores()
		s.logger.Warn("using in-memory storage (data lost on restart)")
	}

	// Challenges, OTPs and rate-limit counters (Redis if REDIS_URL set)
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.redis = rdb
		s.health.Ping("redis", cfg.StoreTimeout, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		s.logger.Info("using Redis for challenges and rate limits")
	} else {
		s.logger.Warn("using process-local challenges and rate limits")
	}
	s.limiters = s.newLimiters()

	// Security notifications (Kafka if KAFKA_BROKERS set, otherwise log)
	if s.notifier == nil {
		if len(cfg.KafkaBrokers) > 0 {
			s.kafka = notify.NewKafkaNotifier(notify.NewKafkaWriter(cfg.KafkaBrokers, s.logger), cfg.KafkaNotifyTopic)
			s.notifier = notify.Guard(s.kafka, circuitbreaker.New(notifyBreakerThreshold, notifyBreakerOpen), "kafka")
			s.logger.Info("security notifications via kafka", "topic", cfg.KafkaNotifyTopic)
		} else {
			s.notifier = notify.NewLogNotifier(s.logger)
		}
	}

	if err := s.wire(st); err != nil {
		s.closeStores()
		return nil, err
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// wire builds the services over the chosen stores.
func (s *Server) wire(st stores) error {
	s.accounts = account.NewService(st.accounts, s.logger)
	s.signals = risksignal.NewService(st.signals, s.logger).WithReportLimiter(s.limiters.report)
	s.devices = devicetrust.NewService(st.devices, s.logger)
	s.dispatcher = notify.NewDispatcher(s.notifier, s.logger)

	s.detector = anomaly.NewDetector(st.history, s.signals, s.logger).
		WithDeviceDirectory(gate.NewDeviceDirectory(s.devices))

	wa, err := credential.NewWebAuthn(credential.RelyingParty{
		ID:      s.cfg.WebAuthnRPID,
		Name:    s.cfg.WebAuthnRPName,
		Origins: s.cfg.WebAuthnRPOrigins,
	})
	if err != nil {
		return err
	}
	challenges := s.newChallengeStore()
	sessions := challenge.NewSessionStore(challenges, passkeySessionTTL)
	s.creds = st.credentials
	s.challenger = credential.NewChallenger(wa, sessions)
	verifier := credential.NewCounterVerifier(st.credentials, s.logger).WithSessions(sessions)

	s.gate = gate.New(s.devices, s.detector, st.history, s.logger).
		WithVerifier(verifier).
		WithSignals(s.signals).
		WithNotifier(s.dispatcher).
		WithOTP(challenge.NewOTPIssuer(challenges, s.cfg.OTPTTL), s.limiters.otp, s.accounts)

	s.engine = trustscore.NewEngine(st.inputs, st.snapshots, s.logger)
	s.batch = trustscore.NewBatch(s.engine, s.logger)
	s.records = trustscore.NewRecordService(st.records)
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.WebAuthnRPOrigins))

	// Request size limit (64KB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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
		if requestID == "" || !validation.IsValidIdentifier(requestID) {
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// deadlineMiddleware bounds the store work of one API request.
func deadlineMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(ratelimit.Middleware(s.limiters.api, s.logger))

	api := v1.Group("")
	api.Use(deadlineMiddleware(s.cfg.StoreTimeout))
	signalHandler := risksignal.NewHandler(s.signals)
	signalHandler.RegisterRoutes(api)
	anomaly.NewHandler(s.detector).RegisterRoutes(api)
	deviceHandler := devicetrust.NewHandler(s.devices)
	deviceHandler.RegisterRoutes(api)
	gate.NewHandler(s.gate).RegisterRoutes(api)
	credentialHandler := credential.NewHandler(s.challenger, s.creds)
	credentialHandler.RegisterRoutes(api)
	trustHandler := trustscore.NewHandler(s.engine, s.batch, s.records)
	trustHandler.RegisterRoutes(api)

	// Operator routes. The batch recompute runs without the request deadline.
	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	account.NewHandler(s.accounts).RegisterAdminRoutes(admin)
	signalHandler.RegisterAdminRoutes(admin)
	deviceHandler.RegisterAdminRoutes(admin)
	credentialHandler.RegisterAdminRoutes(admin)
	trustHandler.RegisterAdminRoutes(admin)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("admin routes are unauthenticated (ADMIN_SECRET not set)")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
	s.health.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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
		_ = s.Shutdown()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Let queued security notifications finish before closing the writer
	s.dispatcher.Wait()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeStores releases connections and background cleanup goroutines.
func (s *Server) closeStores() {
	for _, stop := range s.limiters.stop {
		stop()
	}
	s.limiters.stop = nil

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Warn("kafka writer close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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
