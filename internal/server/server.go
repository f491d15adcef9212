// Package server wires the bid engine together and serves its HTTP API.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/bidsense/bidengine/internal/auth"
	"github.com/bidsense/bidengine/internal/bidding"
	"github.com/bidsense/bidengine/internal/circuitbreaker"
	"github.com/bidsense/bidengine/internal/config"
	"github.com/bidsense/bidengine/internal/events"
	"github.com/bidsense/bidengine/internal/fraud"
	"github.com/bidsense/bidengine/internal/health"
	"github.com/bidsense/bidengine/internal/logging"
	"github.com/bidsense/bidengine/internal/metrics"
	"github.com/bidsense/bidengine/internal/openrtb"
	"github.com/bidsense/bidengine/internal/predictor"
	"github.com/bidsense/bidengine/internal/ratelimit"
	"github.com/bidsense/bidengine/internal/realtime"
	"github.com/bidsense/bidengine/internal/retry"
	"github.com/bidsense/bidengine/internal/security"
	"github.com/bidsense/bidengine/internal/traces"
	"github.com/bidsense/bidengine/internal/validation"
)

// Version is reported by /health and attached to traces. Set at build time
// with -ldflags "-X github.com/bidsense/bidengine/internal/server.Version=...".
var Version = "dev"

const (
	velocityKeyPrefix  = "bidengine:velocity:"
	dbStatsInterval    = 15 * time.Second
	defaultDrainDelay  = 5 * time.Second
	remoteHealthProbes = 5
	breakerThreshold   = 5
	breakerCoolDown    = 10 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	backend      predictor.Backend
	publisher    events.Publisher
	emitter      *events.Emitter
	fraudService *fraud.Service
	fraudEngine  *fraud.Engine
	bidService   *bidding.Service
	rateTracker  *bidding.RateTracker
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	breaker      *circuitbreaker.Breaker
	stopTracing  func(context.Context) error
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	background   sync.WaitGroup

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

// WithBackend uses b instead of opening the configured prediction backend.
func WithBackend(b predictor.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithPublisher uses p instead of the configured event bus.
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the failing readiness probe before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(health.DefaultTimeout),
		drainDelay: defaultDrainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	s.breaker = circuitbreaker.New(breakerThreshold, breakerCoolDown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state changed",
			"dependency", maskDSN(key), "from", from.String(), "to", to.String())
	})

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var (
		fraudStore   fraud.Store
		historyStore bidding.HistoryStore
	)
	if cfg.DatabaseURL != "" {
		db, err := s.openDatabase(ctx)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.db = db
		fraudStore = fraud.NewPostgresStore(db)
		historyStore = bidding.NewPostgresStore(db)
		s.health.Register("postgres", db.PingContext)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		fraudStore = fraud.NewMemoryStore()
		historyStore = bidding.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	window, err := s.velocityWindow(ctx)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	if err := s.openPublisher(); err != nil {
		s.closeAll()
		return nil, err
	}
	s.emitter = events.NewEmitter(s.publisher, cfg.EventQueueSize, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))

	s.fraudService = fraud.NewService(fraudStore, s.logger).
		WithNotifier(s.realtimeHub).
		WithNotifier(s.emitter)
	s.fraudEngine = fraud.NewEngine(s.logger,
		fraud.DefaultRules(window, cfg.FraudVelocityThreshold, cfg.FraudBidPriceMultiple)...,
	).
		WithRuleTimeout(cfg.FraudRuleTimeout).
		WithAlerts(s.fraudService, cfg.FraudAlertCooldown)

	if err := s.openBackend(ctx); err != nil {
		s.closeAll()
		return nil, err
	}

	s.rateTracker = bidding.NewRateTracker(s.realtimeHub, cfg.RateStreamInterval, s.logger)
	s.bidService = bidding.NewService(historyStore, s.logger).
		WithScreener(s.fraudEngine, s.fraudService).
		WithPublisher(s.emitter).
		WithRateTracker(s.rateTracker).
		WithBatchLimit(cfg.BatchConcurrency)
	if s.backend != nil {
		s.bidService.WithBackend(s.backend)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openDatabase opens the pool and waits for Postgres to accept connections.
func (s *Server) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ping := retry.Policy{
		Attempts:  5,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("database not ready, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	if err := ping.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// velocityWindow returns the shared Redis window when REDIS_URL is set and
// a per-process window otherwise. An unreachable Redis is not fatal: the
// window's circuit breaker fails open until it recovers.
func (s *Server) velocityWindow(ctx context.Context) (fraud.Window, error) {
	span := s.cfg.FraudVelocityWindow
	if s.cfg.RedisURL == "" {
		s.logger.Info("REDIS_URL not set, using in-process velocity window")
		return fraud.NewMemoryWindow(span), nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	s.redis = redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		s.logger.Warn("redis unreachable at startup", "error", err)
	}
	s.health.RegisterOptional("redis", func(ctx context.Context) error {
		return s.redis.Ping(ctx).Err()
	})
	s.logger.Info("using Redis velocity window", "addr", opts.Addr)
	return fraud.NewRedisWindow(s.redis, span, velocityKeyPrefix).WithBreaker(s.breaker), nil
}

func (s *Server) openPublisher() error {
	if s.publisher != nil {
		return nil
	}
	if len(s.cfg.KafkaBrokers) == 0 {
		s.logger.Info("KAFKA_BROKERS not set, events are not published")
		s.publisher = events.NoopPublisher{}
		return nil
	}
	kp, err := events.NewKafkaPublisher(s.cfg.KafkaBrokers, map[events.Type]string{
		events.TypeBidDecided: s.cfg.KafkaTopicDecisions,
		events.TypeBidOutcome: s.cfg.KafkaTopicDecisions,
		events.TypeFraudAlert: s.cfg.KafkaTopicAlerts,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	s.publisher = kp
	s.health.RegisterOptional("kafka", kp.Ping)
	s.logger.Info("publishing events to kafka", "brokers", s.cfg.KafkaBrokers)
	return nil
}

// openBackend loads the configured model. Without one every decision is
// rule-based.
func (s *Server) openBackend(ctx context.Context) error {
	if s.backend == nil && s.cfg.PredictorBackend != "none" {
		b, err := predictor.Open(ctx, predictor.Config{
			Kind:            predictor.Kind(s.cfg.PredictorBackend),
			RemoteURL:       s.cfg.PredictorURL,
			HealthAttempts:  remoteHealthProbes,
			Breaker:         s.breaker,
			ModelPath:       s.cfg.ModelPath,
			ModelFormat:     s.cfg.ModelFormat,
			EncodersPath:    s.cfg.EncodersPath,
			ONNXLibraryPath: s.cfg.ONNXLibraryPath,
			Logger:          s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open %s predictor: %w", s.cfg.PredictorBackend, err)
		}
		s.backend = b
	}
	if s.backend == nil {
		s.logger.Warn("no prediction backend configured, all bids are rule-based")
		return nil
	}

	info := s.backend.Info()
	s.logger.Info("prediction backend ready", "kind", info.Kind, "version", info.Version)
	s.health.RegisterOptional("predictor", func(context.Context) error {
		if s.backend.Info().Version == "" {
			return errors.New("no model version reported")
		}
		return nil
	})
	return nil
}

// maskDSN hides the password in a database URL for logging.
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = uuid.NewString()
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Campaign rate and fraud alert stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stats": s.realtimeHub.Stats()})
	})

	v1 := s.router.Group("/v1")
	bidding.NewHandler(s.bidService).
		WithAdmin(auth.RequireAdmin(s.cfg.AdminSecret)).
		RegisterRoutes(v1)
	openrtb.NewHandler(openrtb.NewAdapter(s.bidService, s.cfg.OpenRTBSeat, s.cfg.OpenRTBCampaign)).
		RegisterRoutes(v1)
	fraud.NewHandler(s.fraudService).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Model     *predictor.Info `json:"model,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.backend != nil {
		info := s.backend.Info()
		resp.Model = &info
	}

	code := http.StatusOK
	if !ok {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
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

func (s *Server) startBackground(ctx context.Context) {
	loops := []func(context.Context){
		s.realtimeHub.Run,
		s.emitter.Start,
		s.rateTracker.Start,
	}
	if s.db != nil {
		loops = append(loops, func(ctx context.Context) {
			metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
		})
	}
	for _, loop := range loops {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			loop(ctx)
		}()
	}
}

// Shutdown stops accepting requests, lets in-flight decisions finish
// persisting and publishing, then stops background loops and closes
// connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Persistence and alert writes enqueue events, so they finish before
	// the emitter drains.
	s.bidService.Wait()
	s.fraudEngine.Wait()
	s.rateTracker.Stop()
	s.emitter.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.background.Wait()
	s.logger.Info("background loops stopped")

	s.closeAll()

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

// closeAll releases external resources. It tolerates partially built
// servers so New can clean up after a failed step.
func (s *Server) closeAll() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Error("predictor close error", "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event publisher close error", "error", err)
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
