package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/gateway"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/template"
)

// Environment variables that override the config file
const (
	EnvAPIKey    = "BROADCASTER_API_KEY"
	EnvAPIListen = "BROADCASTER_API_LISTEN"
	EnvDataDir   = "BROADCASTER_DATA_DIR"
	EnvTimezone  = "BROADCASTER_TIMEZONE"
	EnvRedisAddr = "BROADCASTER_REDIS_ADDR"
	EnvAMQPURL   = "BROADCASTER_AMQP_URL"
)

// Transport modes
const (
	TransportSandbox = "sandbox"
	TransportGateway = "gateway"
)

// Config is the main configuration structure
type Config struct {
	Timezone  string          `yaml:"timezone"` // Default: Asia/Kuala_Lumpur
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Transport TransportConfig `yaml:"transport"`
	Devices   DevicesConfig   `yaml:"devices"`
	Worker    WorkerConfig    `yaml:"worker"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Template  template.Config `yaml:"template"`
	LiveSync  LiveSyncConfig  `yaml:"live_sync"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	location *time.Location
}

// APIConfig contains REST API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 30s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
	AllowedIPs     []string      `yaml:"allowed_ips"`      // empty = allow all
	TrustProxy     bool          `yaml:"trust_proxy"`      // read client IP from X-Forwarded-For
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig serves the API over HTTPS from PEM files or Let's Encrypt
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt ACME settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"` // Default: <data_dir>/certs
	HTTPAddr string   `yaml:"http_addr"` // HTTP-01 challenge listener, Default: :80
}

// Enabled reports whether the API listener uses TLS
func (t TLSConfig) Enabled() bool {
	return (t.CertFile != "" && t.KeyFile != "") || t.ACME.Enabled
}

// StorageConfig contains storage settings
type StorageConfig struct {
	DataDir   string          `yaml:"data_dir"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains target retention settings
type RetentionConfig struct {
	SentMaxAge      time.Duration `yaml:"sent_max_age"`     // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// DatabasePath is the SQLite file of devices, campaigns, sequences and leads
func (s StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataDir, "engine.db")
}

// QueuePath is the bbolt file of targets, counters and sandbox captures
func (s StorageConfig) QueuePath() string {
	return filepath.Join(s.DataDir, "queue.db")
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TransportConfig selects the messaging-session transport
type TransportConfig struct {
	Mode    string         `yaml:"mode"` // sandbox, gateway
	Sandbox SandboxConfig  `yaml:"sandbox"`
	Gateway gateway.Config `yaml:"gateway"`
}

// SandboxConfig contains sandbox transport settings
type SandboxConfig struct {
	PairDelay        time.Duration `yaml:"pair_delay"`
	ErrorProbability float64       `yaml:"error_probability"`
}

// DevicesConfig contains device connection settings
type DevicesConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // Default: 3
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`      // Default: 5s
	CheckTimeout         time.Duration `yaml:"check_timeout"`          // Default: 10s
}

// WorkerConfig contains device worker settings
type WorkerConfig struct {
	MinDelay     time.Duration `yaml:"min_delay"` // used when a target has no delay bounds
	MaxDelay     time.Duration `yaml:"max_delay"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	IdleInterval time.Duration `yaml:"idle_interval"`
	MaxQuotaWait time.Duration `yaml:"max_quota_wait"`
}

// DispatchConfig contains dispatcher settings
type DispatchConfig struct {
	StuckAfter time.Duration `yaml:"stuck_after"` // Default: 5m
}

// SchedulerConfig contains the intervals of the periodic jobs
type SchedulerConfig struct {
	CampaignTrigger   time.Duration `yaml:"campaign_trigger"`    // Default: 1m
	SequenceTrigger   time.Duration `yaml:"sequence_trigger"`    // Default: 5m
	StatusMonitor     time.Duration `yaml:"status_monitor"`      // Default: 10s
	WorkerHealthCheck time.Duration `yaml:"worker_health_check"` // Default: 30s
	ConnectionCheck   time.Duration `yaml:"connection_check"`    // Default: 30s
	Reconcile         time.Duration `yaml:"reconcile"`           // Default: 15m
}

// RateLimitConfig contains per-device quota settings
type RateLimitConfig struct {
	Enabled           bool                              `yaml:"enabled"`
	MessagesPerMinute int                               `yaml:"messages_per_minute"`
	Global            *ratelimit.LimitConfig            `yaml:"global,omitempty"`
	DefaultDevice     *ratelimit.LimitConfig            `yaml:"default_device,omitempty"`
	Devices           map[string]*ratelimit.LimitConfig `yaml:"devices,omitempty"`
	FlushInterval     time.Duration                     `yaml:"flush_interval"`
}

// Limiter returns the limiter configuration
func (r RateLimitConfig) Limiter() *ratelimit.Config {
	return &ratelimit.Config{
		Global:            r.Global,
		DefaultDevice:     r.DefaultDevice,
		Devices:           r.Devices,
		MessagesPerMinute: r.MessagesPerMinute,
		FlushInterval:     r.FlushInterval,
	}
}

// LiveSyncConfig contains push stream and mirror settings
type LiveSyncConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`  // Default: 30s
	Buffer        int           `yaml:"buffer"`         // per subscriber, Default: 64
	MirrorTimeout time.Duration `yaml:"mirror_timeout"` // Default: 5s
	Redis         RedisConfig   `yaml:"redis"`
	AMQP          AMQPConfig    `yaml:"amqp"`
}

// RedisConfig enables the redis mirror when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"` // Default: broadcaster.events
}

// AMQPConfig enables the AMQP mirror when URL is set
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"` // Default: broadcaster.events
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file. A .env file next to it is
// loaded first; environment variables override the file.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads a .env file without overriding variables already set
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvAPIListen); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvTimezone); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.LiveSync.Redis.Addr = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.LiveSync.AMQP.URL = v
	}
	if v := os.Getenv("BROADCASTER_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BROADCASTER_REDIS_DB: %w", err)
		}
		c.LiveSync.Redis.DB = db
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Timezone == "" {
		c.Timezone = "Asia/Kuala_Lumpur"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":3000"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}
	if c.API.TLS.ACME.CacheDir == "" {
		c.API.TLS.ACME.CacheDir = filepath.Join(c.Storage.DataDir, "certs")
	}
	if c.API.TLS.ACME.HTTPAddr == "" {
		c.API.TLS.ACME.HTTPAddr = ":80"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = TransportSandbox
	}
	if c.Transport.Gateway.Timeout == 0 {
		c.Transport.Gateway.Timeout = 30 * time.Second
	}

	if c.Devices.MaxReconnectAttempts == 0 {
		c.Devices.MaxReconnectAttempts = 3
	}
	if c.Devices.ReconnectBackoff == 0 {
		c.Devices.ReconnectBackoff = 5 * time.Second
	}
	if c.Devices.CheckTimeout == 0 {
		c.Devices.CheckTimeout = 10 * time.Second
	}

	if c.Worker.MinDelay == 0 && c.Worker.MaxDelay == 0 {
		c.Worker.MinDelay = 10 * time.Second
		c.Worker.MaxDelay = 30 * time.Second
	}
	if c.Worker.SendTimeout == 0 {
		c.Worker.SendTimeout = 2 * time.Minute
	}
	if c.Worker.IdleInterval == 0 {
		c.Worker.IdleInterval = 5 * time.Second
	}
	if c.Worker.MaxQuotaWait == 0 {
		c.Worker.MaxQuotaWait = 5 * time.Minute
	}

	if c.Dispatch.StuckAfter == 0 {
		c.Dispatch.StuckAfter = 5 * time.Minute
	}

	s := &c.Scheduler
	if s.CampaignTrigger == 0 {
		s.CampaignTrigger = time.Minute
	}
	if s.SequenceTrigger == 0 {
		s.SequenceTrigger = 5 * time.Minute
	}
	if s.StatusMonitor == 0 {
		s.StatusMonitor = 10 * time.Second
	}
	if s.WorkerHealthCheck == 0 {
		s.WorkerHealthCheck = 30 * time.Second
	}
	if s.ConnectionCheck == 0 {
		s.ConnectionCheck = 30 * time.Second
	}
	if s.Reconcile == 0 {
		s.Reconcile = 15 * time.Minute
	}

	if c.RateLimit.MessagesPerMinute == 0 {
		c.RateLimit.MessagesPerMinute = 20
	}
	if c.RateLimit.DefaultDevice == nil {
		c.RateLimit.DefaultDevice = &ratelimit.LimitConfig{MessagesPerHour: 500, MessagesPerDay: 5000}
	}
	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.LiveSync.PingInterval == 0 {
		c.LiveSync.PingInterval = 30 * time.Second
	}
	if c.LiveSync.Buffer == 0 {
		c.LiveSync.Buffer = 64
	}
	if c.LiveSync.MirrorTimeout == 0 {
		c.LiveSync.MirrorTimeout = 5 * time.Second
	}
	if c.LiveSync.Redis.Channel == "" {
		c.LiveSync.Redis.Channel = "broadcaster.events"
	}
	if c.LiveSync.AMQP.Queue == "" {
		c.LiveSync.AMQP.Queue = "broadcaster.events"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	c.Template.Location = loc

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.Transport.Mode {
	case TransportSandbox:
		if p := c.Transport.Sandbox.ErrorProbability; p < 0 || p > 1 {
			return fmt.Errorf("transport.sandbox.error_probability must be between 0 and 1")
		}
	case TransportGateway:
		if c.Transport.Gateway.URL == "" {
			return fmt.Errorf("transport.gateway.url is required in gateway mode")
		}
	default:
		return fmt.Errorf("invalid transport.mode: %s (must be sandbox or gateway)", c.Transport.Mode)
	}

	if c.Worker.MinDelay < 0 || c.Worker.MaxDelay < 0 {
		return fmt.Errorf("worker delays must not be negative")
	}
	if c.Worker.MinDelay > c.Worker.MaxDelay {
		return fmt.Errorf("worker.min_delay must not exceed worker.max_delay")
	}

	if c.RateLimit.MessagesPerMinute < 0 {
		return fmt.Errorf("rate_limit.messages_per_minute must not be negative")
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	return nil
}

// validateTLS validates the API TLS configuration
func (c *Config) validateTLS() error {
	t := c.API.TLS
	hasCerts := t.CertFile != "" || t.KeyFile != ""

	if hasCerts && t.ACME.Enabled {
		return fmt.Errorf("cannot use both manual certificates and ACME")
	}
	if hasCerts && (t.CertFile == "" || t.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}
	if t.ACME.Enabled {
		if t.ACME.Email == "" {
			return fmt.Errorf("api.tls.acme.email is required when ACME is enabled")
		}
		if len(t.ACME.Domains) == 0 {
			return fmt.Errorf("api.tls.acme.domains must not be empty when ACME is enabled")
		}
	}
	return nil
}

// Location returns the timezone campaigns are scheduled in
func (c *Config) Location() *time.Location {
	if c.location == nil {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			c.location = loc
		} else {
			c.location = time.UTC
		}
	}
	return c.location
}
