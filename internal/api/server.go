// Package api serves the REST API of the broadcast engine.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/config"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ipfilter"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/livesync"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/metrics"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/scheduler"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/stats"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/worker"
)

// Deps are the engine components the API drives. Scheduler, Stream,
// Sandbox and Filter are optional.
type Deps struct {
	Devices    *device.Manager
	Dispatcher *dispatch.Dispatcher
	Queue      queue.Queue
	Workers    *worker.Pool
	Stats      *stats.Aggregator
	Limiter    *ratelimit.Limiter
	Snapshots  *livesync.Snapshots
	Stream     http.Handler
	Scheduler  *scheduler.Scheduler
	Sandbox    *SandboxServer
	Filter     *ipfilter.Filter
	Location   *time.Location
	Version    string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
	tlsConfig  *tls.Config
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	if s.deps.Filter != nil {
		s.router.Use(s.deps.Filter.HTTPMiddleware)
	}

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// The push stream hijacks the connection, keep it out of the
		// metrics middleware
		if s.deps.Stream != nil {
			r.Handle("/ws", s.deps.Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(metrics.HTTPMiddleware)

			r.Get("/app/logout", s.handleLogout)

			r.Route("/api", func(r chi.Router) {
				r.Route("/devices", func(r chi.Router) {
					r.Get("/", s.handleListDevices)
					r.Post("/", s.handleCreateDevice)
					r.Post("/check-connection", s.handleCheckConnection)
					r.Post("/reconnect-offline", s.handleReconnectOffline)
					r.Delete("/{id}", s.handleDeleteDevice)
					r.Post("/{id}/pair", s.handlePair)
					r.Post("/{id}/events", s.handleDeviceEvent)
					r.Post("/{id}/reconnect", s.handleReconnect)
					r.Post("/{id}/clear-session", s.handleClearSession)
					r.Post("/{id}/reset", s.handleReset)
				})

				r.Route("/campaigns", func(r chi.Router) {
					r.Get("/", s.handleListCampaigns)
					r.Post("/", s.handleCreateCampaign)
					r.Get("/summary", s.handleCampaignSummary)
					r.Get("/{id}", s.handleGetCampaign)
				})
				r.Post("/campaigns-ai/{id}/trigger", s.handleTriggerCampaign)

				r.Post("/leads", s.handleImportLeads)

				r.Route("/sequences", func(r chi.Router) {
					r.Post("/", s.handleCreateSequence)
					r.Get("/{id}", s.handleGetSequence)
					r.Post("/{id}/trigger", s.handleTriggerSequence)
					r.Get("/{id}/device-report", s.handleSequenceDeviceReport)
				})

				r.Route("/workers", func(r chi.Router) {
					r.Get("/status", s.handleWorkerStatus)
					r.Post("/resume-failed", s.handleResumeFailed)
					r.Post("/stop-all", s.handleStopAll)
					r.Post("/health-check", s.handleWorkerHealthCheck)
					r.Post("/{id}/start", s.handleStartWorker)
					r.Post("/{id}/restart", s.handleRestartWorker)
				})

				r.Route("/sync", func(r chi.Router) {
					r.Get("/devices/{id}", s.handleSyncDevice)
					r.Get("/campaigns/{id}", s.handleSyncCampaign)
				})

				r.Get("/ratelimits/{level}/{key}", s.handleRateLimitStats)
				r.Get("/queue/stats", s.handleQueueStats)
				r.Get("/targets/{id}", s.handleGetTarget)

				if s.deps.Sandbox != nil {
					s.deps.Sandbox.RegisterRoutes(r)
				}
			})
		})
	})
}

// SetTLSConfig makes the server accept HTTPS only
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfig = cfg
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on l until Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}

	s.logger.Info("starting HTTP API server", "addr", l.Addr().String(), "tls", s.tlsConfig != nil)
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
