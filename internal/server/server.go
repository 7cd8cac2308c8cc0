// Package server wires the relay's services behind a single HTTP
// surface: envelope bus, payment verification, escrow, ledger,
// reputation and the agent registry.
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
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/relay/internal/chain"
	"github.com/mbd888/relay/internal/config"
	"github.com/mbd888/relay/internal/escrow"
	"github.com/mbd888/relay/internal/health"
	"github.com/mbd888/relay/internal/idempotency"
	"github.com/mbd888/relay/internal/ledger"
	"github.com/mbd888/relay/internal/logging"
	"github.com/mbd888/relay/internal/metrics"
	"github.com/mbd888/relay/internal/payments"
	"github.com/mbd888/relay/internal/ratelimit"
	"github.com/mbd888/relay/internal/realtime"
	"github.com/mbd888/relay/internal/registry"
	"github.com/mbd888/relay/internal/relay"
	"github.com/mbd888/relay/internal/reputation"
	"github.com/mbd888/relay/internal/security"
	"github.com/mbd888/relay/internal/validation"
	"github.com/mbd888/relay/migrations"
)

// Server is the relay HTTP server and the owner of every service it
// exposes.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	db *sql.DB

	chains       *chain.Clients
	verifier     *payments.Verifier
	paymentStore payments.Store
	registry     *registry.Registry
	reputation   *reputation.Service
	ledger       *ledger.Ledger
	escrow       *escrow.Service
	escrowTimer  *escrow.Timer
	relayService *relay.Service
	hub          *realtime.Hub

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a fully wired server. When cfg.DatabaseURL is set and the
// database answers a ping, state lives in Postgres; otherwise every
// store falls back to memory and the relay still comes up.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, "json")
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := s.initDB(); err != nil {
		return nil, err
	}
	s.initServices()
	s.initHealth()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// initDB opens the Postgres pool when a DSN is configured. An
// unreachable database is not fatal: the relay degrades to in-memory
// stores so agents can still talk.
func (s *Server) initDB() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("no DATABASE_URL, using in-memory stores")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		s.logger.Warn("database unreachable, falling back to in-memory stores",
			"dsn", maskDSN(s.cfg.DatabaseURL), "error", err)
		db.Close()
		return nil
	}

	if err := s.migrate(context.Background(), db); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.logger.Info("database connected", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// migrate brings the schema up to date from the embedded migrations.
// Unlike an unreachable database, a reachable one we cannot migrate is
// fatal: the stores would run against a schema they do not understand.
func (s *Server) migrate(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	s.logger.Info("database schema up to date", "version", version)
	return nil
}

func (s *Server) initServices() {
	var (
		payStore payments.Store
		escStore escrow.Store
		ledStore ledger.Store
		repStore reputation.Store
	)
	if s.db != nil {
		payStore = payments.NewPostgresStore(s.db)
		escStore = escrow.NewPostgresStore(s.db)
		ledStore = ledger.NewPostgresStore(s.db)
		repStore = reputation.NewPostgresStore(s.db)
	} else {
		payStore = payments.NewMemoryStore()
		escStore = escrow.NewMemoryStore()
		ledStore = ledger.NewMemoryStore()
		repStore = reputation.NewMemoryStore()
	}
	s.paymentStore = payStore

	s.chains = chain.NewClients(s.cfg, s.logger)
	s.verifier = payments.NewVerifier(s.chains, payStore, s.logger)

	s.reputation = reputation.NewService(repStore)
	s.registry = registry.New(s.cfg.AgentTTL, s.reputation)

	s.ledger = ledger.New(ledStore)
	s.escrow = escrow.NewService(escStore, s.ledger, int64(s.cfg.DefaultFeeBps), s.logger)
	s.escrowTimer = escrow.NewTimer(escStore, s.ledger, s.logger)

	bus := relay.NewBus(s.cfg.RingCapacity)
	s.relayService = relay.NewService(bus, s.verifier, s.reputation, s.registry, s.cfg, s.logger)

	s.hub = realtime.NewHub(s.logger)
	s.relayService.SetEvents(relayEvents{hub: s.hub})
	s.registry.SetEvents(registryEvents{hub: s.hub})
	s.verifier.SetEvents(paymentEvents{hub: s.hub})
	s.escrow.SetEvents(escrowEvents{hub: s.hub})

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
}

func (s *Server) initHealth() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	cfg := s.cfg
	s.healthReg.Register("chains", func(ctx context.Context) health.Status {
		if len(cfg.Chains) == 0 {
			return health.Status{Name: "chains", Healthy: false, Detail: "no chains configured"}
		}
		return health.Status{
			Name:    "chains",
			Healthy: true,
			Detail:  fmt.Sprintf("%d configured, default %s", len(cfg.Chains), cfg.DefaultChain),
		}
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic recovered", "error", err, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"ok":    false,
			"error": "internal_error",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		healthy, checks := s.healthReg.CheckAll(c.Request.Context())
		status := "healthy"
		code := http.StatusOK
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ok": healthy, "status": status, "checks": checks})
	})
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	s.router.GET("/health/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	var idemStore idempotency.Store
	if s.db != nil {
		idemStore = idempotency.NewPostgresStore(s.db)
	} else {
		idemStore = idempotency.NewMemoryStore(0)
	}

	v1 := s.router.Group("/v1")
	v1.Use(idempotency.Middleware(idemStore))

	relay.NewHandler(s.relayService).RegisterRoutes(v1)
	registry.NewHandler(s.registry).RegisterRoutes(v1)
	payments.NewHandler(s.verifier, s.paymentStore).RegisterRoutes(v1)
	escrow.NewHandler(s.escrow).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	reputation.NewHandler(s.reputation).RegisterRoutes(v1)
}

// requestIDMiddleware assigns each request an id, echoes it on the
// response and threads a request-scoped logger through the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		log := logging.L(c.Request.Context())

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			log.Error("request", attrs...)
		case status >= 400:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}

// Run starts the server and blocks until the context is cancelled, a
// termination signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Write timeout stays above the long-poll cap so waiting polls are
	// not cut off mid-flight.
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.LongPollMax + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	time.AfterFunc(100*time.Millisecond, func() { s.ready.Store(true) })

	select {
	case err := <-errChan:
		s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.Shutdown()
}

// Shutdown drains the server and releases every resource it owns.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var firstErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.escrowTimer.Stop()
	s.rateLimiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// maskDSN hides the password in a connection string before logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable dsn)"
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			u.User = url.UserPassword(name, "xxxxx")
		}
	}
	return u.String()
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Event adapters bridge the services' sink interfaces to the
// websocket hub.

type relayEvents struct{ hub *realtime.Hub }

func (a relayEvents) EnvelopeAdmitted(e *relay.Envelope) { a.hub.BroadcastEnvelope(e) }

type registryEvents struct{ hub *realtime.Hub }

func (a registryEvents) AgentOnline(did, name string) { a.hub.BroadcastAgentOnline(did, name) }

type paymentEvents struct{ hub *realtime.Hub }

func (a paymentEvents) PaymentVerified(requestID, txHash, payer, payee, amount string) {
	a.hub.BroadcastPaymentVerified(requestID, txHash, payer, payee, amount)
}

type escrowEvents struct{ hub *realtime.Hub }

func (a escrowEvents) EscrowSettled(e *escrow.Escrow) {
	a.hub.BroadcastEscrowSettled(e.RequestID, string(e.Status), e.Payer, e.Payee, e.Fee, e.Payout)
}
