package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/config"
	"github.com/raaihank/pii-scrubber/internal/logger"
	"github.com/raaihank/pii-scrubber/internal/privacy"
	"github.com/raaihank/pii-scrubber/internal/vault"
	"github.com/raaihank/pii-scrubber/internal/web"
	"github.com/raaihank/pii-scrubber/internal/websocket"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

// Options wires the server to the engine and its optional collaborators.
type Options struct {
	Config   *config.Config
	Detector *privacy.Detector
	// Pool runs detections off the request goroutine when set.
	Pool *workerpool.Pool
	// Coordinator defaults to one built over Detector and Pool.
	Coordinator *batch.Coordinator
	// Vault enables stored redactions when set.
	Vault vault.Store
	// Hub enables /ws, the dashboard and event broadcasting when set.
	Hub *websocket.Hub
	// Gatherer is served on the metrics path when set.
	Gatherer prometheus.Gatherer
	Logger   *logger.Logger
	Version  string
}

// Server exposes the scrubber over HTTP.
type Server struct {
	cfg         *config.Config
	logger      *logger.Logger
	detector    *privacy.Detector
	pool        *workerpool.Pool
	coordinator *batch.Coordinator
	vault       vault.Store
	hub         *websocket.Hub
	gatherer    prometheus.Gatherer
	limiter     *RateLimiter
	router      *mux.Router
	server      *http.Server
	version     string
	started     time.Time

	requests   atomic.Int64
	detections atomic.Int64
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Detector == nil {
		return nil, errors.New("server: detector is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.GetDefaults()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	coordinator := opts.Coordinator
	if coordinator == nil {
		coordinator = batch.New(opts.Detector, opts.Pool, cfg.Batch, log.WithComponent("batch").Logger)
	}
	if opts.Hub != nil {
		hub := opts.Hub
		coordinator.OnProgress(func(p batch.Progress) {
			hub.PublishBatchProgress(websocket.NewBatchProgressEvent(p))
		})
	}

	s := &Server{
		cfg:         cfg,
		logger:      log.WithComponent("server"),
		detector:    opts.Detector,
		pool:        opts.Pool,
		coordinator: coordinator,
		vault:       opts.Vault,
		hub:         opts.Hub,
		gatherer:    opts.Gatherer,
		router:      mux.NewRouter(),
		version:     version,
		started:     time.Now(),
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.Server.RateLimit.RequestsPerMin, cfg.Server.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.tracingMiddleware, s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.gatherer != nil && s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.HandleWebSocket).Methods(http.MethodGet)
		s.router.HandleFunc("/", web.ServeDashboard).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware, s.bodyLimitMiddleware)
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/redact", s.handleRedact).Methods(http.MethodPost)
	api.HandleFunc("/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/batch", s.handleBatch).Methods(http.MethodPost)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the background loops and serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting PII scrubber server",
		zap.String("addr", s.server.Addr),
		zap.Bool("pool", s.pool != nil),
		zap.Bool("vault", s.vault != nil),
		zap.Bool("websocket", s.hub != nil),
		zap.Bool("rate_limit", s.limiter != nil),
	)

	if s.hub != nil {
		go s.hub.Run(ctx)
		if s.cfg.Server.StatusInterval > 0 {
			go s.runStatus(ctx, s.cfg.Server.StatusInterval)
		}
	}
	if s.limiter != nil {
		go s.limiter.RunCleanup(ctx, 10*time.Minute)
	}
	if c, ok := s.vault.(vault.Cleaner); ok {
		go c.RunCleanup(ctx, s.cfg.Vault.CleanupInterval)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PII scrubber server")
	return s.server.Shutdown(ctx)
}

func (s *Server) runStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.PublishStatus(s.status())
		}
	}
}

// status snapshots the server for dashboards.
func (s *Server) status() websocket.SystemStatusEvent {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	ev := websocket.SystemStatusEvent{
		Status:          "healthy",
		Uptime:          time.Since(s.started).Round(time.Second).String(),
		TotalRequests:   s.requests.Load(),
		TotalDetections: s.detections.Load(),
		MemoryUsage:     fmt.Sprintf("%.1f MiB", float64(mem.Alloc)/(1<<20)),
	}
	if cat := s.detector.Catalog(); cat != nil {
		ev.ActivePatterns = cat.Len()
	}
	if s.pool != nil {
		stats := s.pool.Stats()
		ev.Workers = stats.Workers
		ev.BusyWorkers = stats.Busy
		ev.QueuedTasks = stats.Queued
	}
	if s.hub != nil {
		ev.ConnectedClients = s.hub.ClientCount()
	}
	return ev
}
