// Package app wires the broadcast engine together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/api"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/config"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/gateway"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ipfilter"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/livesync"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/metrics"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/sandbox"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/scheduler"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/stats"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/store"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/template"
	broadcasterTLS "github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/tls"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/worker"
)

// App is the main application
type App struct {
	config  *config.Config
	version string
	logger  *slog.Logger

	db         *store.DB
	queue      *queue.BoltStorage
	cleaner    *queue.Cleaner
	limiter    *ratelimit.Limiter
	sandbox    *sandbox.Transport
	devices    *device.Manager
	aggregator *stats.Aggregator
	dispatcher *dispatch.Dispatcher
	workers    *worker.Pool
	bus        *livesync.Bus
	forwarder  *livesync.Forwarder
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	acmeManager   *broadcasterTLS.ACMEManager
	acmeServer    *http.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	a := &App{config: cfg, version: version, logger: logger}

	ok := false
	defer func() {
		if !ok {
			a.closeStorage()
		}
	}()

	db, err := store.New(cfg.Storage.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	q, err := queue.NewBoltStorage(cfg.Storage.QueuePath())
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	a.queue = q

	// Quota and pacing
	var quota worker.Quota
	var remaining dispatch.Quota
	var pacer *ratelimit.Pacer
	if cfg.RateLimit.Enabled {
		a.limiter, err = ratelimit.NewLimiter(q.DB(), cfg.RateLimit.Limiter())
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		quota = a.limiter
		remaining = a.limiter
		pacer = ratelimit.NewPacer(cfg.RateLimit.MessagesPerMinute)
		logger.Info("rate limiting enabled", "per_minute", cfg.RateLimit.MessagesPerMinute)
	}

	// Transport
	var sandboxStorage *sandbox.Storage
	var tr transport.Transport
	switch cfg.Transport.Mode {
	case config.TransportGateway:
		tr = gateway.NewClient(cfg.Transport.Gateway, logger)
		logger.Info("using session gateway transport", "url", cfg.Transport.Gateway.URL)
	default:
		sandboxStorage, err = sandbox.NewStorage(q.DB())
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox storage: %w", err)
		}
		a.sandbox = sandbox.NewTransport(sandboxStorage, sandbox.Config{
			PairDelay:        cfg.Transport.Sandbox.PairDelay,
			ErrorProbability: cfg.Transport.Sandbox.ErrorProbability,
		}, logger.With("component", "sandbox"))
		tr = a.sandbox
		logger.Info("using sandbox transport")
	}

	// Devices
	a.devices = device.NewManager(db, tr, device.Config{
		MaxReconnectAttempts: cfg.Devices.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Devices.ReconnectBackoff,
		CheckTimeout:         cfg.Devices.CheckTimeout,
	}, logger)
	if a.sandbox != nil {
		a.sandbox.SetEvents(a.devices)
	}
	if err := a.devices.Load(context.Background()); err != nil {
		return nil, err
	}

	// Live sync
	a.bus = livesync.NewBus()
	a.bus.OnDrop = metrics.IncLiveSyncDropped
	mirrors, err := newMirrors(cfg.LiveSync)
	if err != nil {
		return nil, err
	}
	a.forwarder = livesync.NewForwarder(a.bus, mirrors, cfg.LiveSync.MirrorTimeout, logger)

	// Workers, dispatcher and rollups
	a.aggregator = stats.NewAggregator(q, logger)

	workerOpts := worker.Options{
		Queue:     q,
		Devices:   a.devices,
		Transport: tr,
		Quota:     quota,
		Renderer:  template.NewEngine(cfg.Template),
		Events:    a.bus,
		Config: worker.Config{
			DefaultMinDelay: cfg.Worker.MinDelay,
			DefaultMaxDelay: cfg.Worker.MaxDelay,
			SendTimeout:     cfg.Worker.SendTimeout,
			IdleInterval:    cfg.Worker.IdleInterval,
			MaxQuotaWait:    cfg.Worker.MaxQuotaWait,
		},
		Logger: logger,
	}
	if pacer != nil {
		workerOpts.Pacer = pacer
	}
	a.workers = worker.New(workerOpts)

	a.dispatcher = dispatch.New(dispatch.Options{
		Store:        db,
		Queue:        q,
		Devices:      a.devices,
		Rollups:      a.aggregator,
		Quota:        remaining,
		Events:       a.bus,
		Waker:        a.workers,
		Location:     cfg.Location(),
		StuckAfter:   cfg.Dispatch.StuckAfter,
		WorkerTarget: a.workers.CurrentTarget,
		Logger:       logger,
	})

	// Rollups first so lifecycle decisions see the new counts
	q.AddObserver(a.aggregator)
	q.AddObserver(a.dispatcher.Lifecycle())
	q.AddObserver(livesync.NewQueueObserver(a.bus))

	a.devices.OnTransition(a.workers.DeviceListener())
	a.devices.OnTransition(a.bus.DeviceListener())
	a.devices.OnTransition(func(t device.Transition) {
		metrics.IncDeviceTransition(string(t.To), string(t.Cause))
	})
	if pacer != nil {
		a.devices.OnTransition(func(t device.Transition) {
			if t.To != device.StatusOnline {
				pacer.Forget(t.DeviceID)
			}
		})
	}

	a.cleaner = queue.NewCleaner(q, queue.CleanerConfig{
		SentMaxAge:   cfg.Storage.Retention.SentMaxAge,
		SentInterval: cfg.Storage.Retention.CleanupInterval,
	}, logger)

	if err := a.setupMetrics(); err != nil {
		return nil, err
	}

	a.scheduler = scheduler.New(cfg.Location(), logger)
	if err := a.registerJobs(); err != nil {
		return nil, err
	}

	if err := a.setupAPI(sandboxStorage); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func newMirrors(cfg config.LiveSyncConfig) ([]livesync.Mirror, error) {
	var mirrors []livesync.Mirror
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m, err := livesync.NewRedisMirror(ctx, livesync.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis mirror: %w", err)
		}
		mirrors = append(mirrors, m)
	}
	if cfg.AMQP.URL != "" {
		m, err := livesync.NewAMQPMirror(livesync.AMQPConfig{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue})
		if err != nil {
			for _, prev := range mirrors {
				prev.Close()
			}
			return nil, fmt.Errorf("failed to create amqp mirror: %w", err)
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

func (a *App) setupMetrics() error {
	cfg := a.config.Metrics
	if !cfg.Enabled {
		return nil
	}

	m := metrics.New()
	metrics.SetGlobal(m)

	sources := metrics.Sources{
		Queue: func(ctx context.Context) (int64, int64, int64, error) {
			st, err := a.queue.Stats(ctx)
			if err != nil {
				return 0, 0, 0, err
			}
			return st.Pending, st.Claimed, st.Failed, nil
		},
		Devices: func() map[string]int {
			counts := make(map[string]int)
			for _, d := range a.devices.List(context.Background()) {
				counts[string(d.Status)]++
			}
			return counts
		},
		Workers:     a.workers.Count,
		Subscribers: a.bus.Subscribers,
	}

	collector, err := metrics.NewCollector(a.queue.DB(), m, sources, a.config.Storage.QueuePath(), cfg.FlushInterval)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.collector = collector

	filter, err := ipfilter.New(cfg.AllowedIPs, false, a.logger)
	if err != nil {
		return fmt.Errorf("invalid metrics allowed_ips: %w", err)
	}
	a.metricsServer = metrics.NewServer(m, cfg.ListenAddr, cfg.Path, filter, a.logger)
	a.logger.Info("metrics enabled", "addr", cfg.ListenAddr, "path", cfg.Path)
	return nil
}

func (a *App) registerJobs() error {
	sc := a.config.Scheduler
	jobs := []scheduler.Job{
		{
			Name:  "campaign-trigger",
			Every: sc.CampaignTrigger,
			Run: func(ctx context.Context) error {
				s, err := a.dispatcher.TriggerDue(ctx, time.Now())
				if err != nil {
					return err
				}
				if len(s.Triggered) > 0 || len(s.Failed) > 0 {
					a.logger.Info("scheduled campaigns processed", "triggered", len(s.Triggered), "failed", len(s.Failed))
				}
				return nil
			},
		},
		{
			Name:  "sequence-trigger",
			Every: sc.SequenceTrigger,
			Run: func(ctx context.Context) error {
				_, err := a.dispatcher.TriggerActiveSequences(ctx)
				return err
			},
		},
		{
			Name:  "status-monitor",
			Every: sc.StatusMonitor,
			Run: func(ctx context.Context) error {
				_, err := a.dispatcher.Monitor(ctx)
				return err
			},
		},
		{
			Name:  "worker-health-check",
			Every: sc.WorkerHealthCheck,
			Run: func(ctx context.Context) error {
				a.workers.HealthCheck()
				return nil
			},
		},
		{
			Name:  "connection-check",
			Every: sc.ConnectionCheck,
			Run: func(ctx context.Context) error {
				a.devices.CheckConnection(ctx)
				return nil
			},
		},
		{
			Name:  "reconcile",
			Every: sc.Reconcile,
			Run: func(ctx context.Context) error {
				_, err := a.aggregator.Reconcile(ctx)
				return err
			},
		},
	}

	for _, j := range jobs {
		if err := a.scheduler.Add(j); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.Name, err)
		}
	}
	return nil
}

func (a *App) setupAPI(sandboxStorage *sandbox.Storage) error {
	filter, err := ipfilter.New(a.config.API.AllowedIPs, a.config.API.TrustProxy, a.logger)
	if err != nil {
		return fmt.Errorf("invalid api allowed_ips: %w", err)
	}

	snapshots := &livesync.Snapshots{
		Devices: a.devices,
		Rollups: a.aggregator,
		WorkerState: func(id string) any {
			st, ok := a.workers.State(id)
			if !ok {
				return nil
			}
			return st
		},
		LoadCampaign: func(ctx context.Context, id string) (any, error) {
			c, err := a.db.GetCampaign(ctx, id)
			if c == nil || err != nil {
				return nil, err
			}
			return c, nil
		},
	}

	deps := api.Deps{
		Devices:    a.devices,
		Dispatcher: a.dispatcher,
		Queue:      a.queue,
		Workers:    a.workers,
		Stats:      a.aggregator,
		Limiter:    a.limiter,
		Snapshots:  snapshots,
		Stream: livesync.NewStream(a.bus, livesync.StreamConfig{
			PingInterval: a.config.LiveSync.PingInterval,
			Buffer:       a.config.LiveSync.Buffer,
		}, a.logger),
		Scheduler: a.scheduler,
		Filter:    filter,
		Location:  a.config.Location(),
		Version:   a.version,
	}
	if a.sandbox != nil {
		deps.Sandbox = api.NewSandboxServer(sandboxStorage, a.sandbox)
	}

	a.apiServer = api.NewServer(deps, &a.config.API, a.logger)
	return a.setupTLS()
}

// setupTLS configures HTTPS on the API listener when certificates or ACME
// are configured
func (a *App) setupTLS() error {
	cfg := a.config.API.TLS
	switch {
	case cfg.ACME.Enabled:
		a.acmeManager = broadcasterTLS.NewACMEManager(cfg.ACME.Email, cfg.ACME.Domains, cfg.ACME.CacheDir)
		a.apiServer.SetTLSConfig(a.acmeManager.TLSConfig())
		a.logger.Info("ACME (Let's Encrypt) enabled", "domains", cfg.ACME.Domains)
	case cfg.Enabled():
		tlsConfig, err := broadcasterTLS.LoadCertificate(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return err
		}
		a.apiServer.SetTLSConfig(tlsConfig)
		if info, err := broadcasterTLS.ReadCertificate(cfg.CertFile); err == nil {
			a.logger.Info("TLS certificate loaded", "subject", info.Subject, "days_left", info.DaysLeft)
			if info.ExpiresWithin(7 * 24 * time.Hour) {
				a.logger.Warn("TLS certificate expires soon", "not_after", info.NotAfter)
			}
		}
	}
	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting broadcaster",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Transport.Mode,
		"timezone", a.config.Location().String(),
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.restore(ctx); err != nil {
		return err
	}

	a.forwarder.Start(a.config.LiveSync.Buffer)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}
	a.scheduler.Start(ctx)

	errCh := make(chan error, 2)

	// HTTP-01 challenges must be answerable before the first handshake
	if a.acmeManager != nil {
		a.acmeServer = &http.Server{
			Addr:              a.config.API.TLS.ACME.HTTPAddr,
			Handler:           a.acmeManager.ChallengeHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// restore rebuilds rollups, reconnects persisted sessions and starts the
// workers of the devices that came back online
func (a *App) restore(ctx context.Context) error {
	drifts, err := a.aggregator.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild rollups: %w", err)
	}
	if len(drifts) > 0 {
		a.logger.Info("rollups rebuilt from queue", "drifts", len(drifts))
	}

	summary, err := a.devices.RestoreOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore devices: %w", err)
	}
	a.logger.Info("devices restored",
		"attempted", summary.Attempted,
		"reconnected", summary.Reconnected,
		"failed", summary.Failed,
	)

	a.workers.Start(ctx)
	return nil
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the producers of new work first
	a.scheduler.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	// In-flight sends complete, claimed targets go back to pending
	a.workers.StopAll()

	a.devices.Close()
	if a.sandbox != nil {
		a.sandbox.Close()
	}
	a.cleaner.Stop()
	a.forwarder.Stop()

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	a.closeStorage()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeStorage() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
