package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"sensoralert/internal/templatefmt"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultServiceName        = "sensoralert"
	defaultTimezone           = "UTC"
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultIngestPath         = "/ingest"
	defaultBatchPath          = "/ingest/batch"
	defaultMetricsPath        = "/metrics"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSSubject        = "sensoralert.violations"
	defaultNATSIngestStream   = "SENSORALERT_VIOLATIONS"
	defaultNATSIngestConsumer = "sensoralert-ingest"
	defaultNATSIngestGroup    = "sensoralert-workers"
	defaultNATSIngestWorkers  = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultAlertBucket        = "sensoralert_alerts"
	defaultRecheckBucket      = "sensoralert_recheck"
	defaultRecheckConsumer    = "sensoralert-recheck"
	defaultMQTTTopic          = "sensoralert/violations"
	defaultMQTTClientID       = "sensoralert-ingest"
	defaultDebounceSec        = 300
	defaultSweepCron          = "@every 1m"
	defaultRetryAttempts      = 3
	defaultRetryInitialMS     = 1000
	defaultRetryFactor        = 2
	defaultMaxRetryAfterSec   = 60
	defaultChannelWorkers     = 4
	defaultChannelQueueSize   = 256
	defaultHTTPTimeoutSec     = 10
	defaultSMTPPort           = 25
	defaultPushTopicPrefix    = "sensoralert/push"
	defaultInAppSubjectPrefix = "sensoralert.inapp"
	defaultWebhookSource      = "sensoralert"
	defaultRedisPrefix        = "sensoralert:debounce:"
	defaultEmailSubject       = "[{{ .Alert.Status }}] {{ .Sensor.Name }} {{ .Alert.ParameterKey }} {{ .Alert.ViolationType }}"
	defaultMessageBody        = "{{ .Filter.Name }}: sensor {{ .Sensor.Name }} in {{ .Area.Name }} reported {{ .Alert.ParameterKey }}={{ fmtValue .Alert.LastValue }} ({{ .Alert.ViolationType }}) at {{ fmtTime .Alert.LastViolationAt }}"

	// ServiceModeNATS keeps NATS-backed state, ingest, and queue settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// DataSourceMemory reads configuration from a TOML fixture.
	DataSourceMemory = "memory"
	// DataSourcePostgres reads configuration tables through database/sql.
	DataSourcePostgres = "postgres"
	// DataSourceHTTP reads configuration from the dashboard REST API.
	DataSourceHTTP = "http"

	// LedgerMemory keeps execution records in process memory.
	LedgerMemory = "memory"
	// LedgerPostgres stores records through lib/pq.
	LedgerPostgres = "postgres"
	// LedgerPGX stores records through pgx stdlib driver.
	LedgerPGX = "pgx"

	// GateMemory keeps debounce marks in process memory.
	GateMemory = "memory"
	// GateRedis shares debounce marks across instances via Redis.
	GateRedis = "redis"

	// PushProviderMQTT publishes push notifications to MQTT topics.
	PushProviderMQTT = "mqtt"
	// PushProviderTelegram sends push notifications via Telegram Bot API.
	PushProviderTelegram = "telegram"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Log        LogConfig        `toml:"log"`
	Ingest     IngestConfig     `toml:"ingest"`
	API        APIConfig        `toml:"api"`
	Metrics    MetricsConfig    `toml:"metrics"`
	DataSource DataSourceConfig `toml:"datasource"`
	Lifecycle  LifecycleConfig  `toml:"lifecycle"`
	Recheck    RecheckConfig    `toml:"recheck"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Redis      RedisConfig      `toml:"redis"`
}

// ServiceConfig contains process-level settings.
// Params: name, runtime mode, and facility time zone.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name     string `toml:"name"`
	Mode     string `toml:"mode"`
	Timezone string `toml:"timezone"`
}

// Location loads configured facility time zone.
// Params: none.
// Returns: location or load error for unknown zone names.
func (s ServiceConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(s.Timezone)
	if name == "" {
		name = defaultTimezone
	}
	return time.LoadLocation(name)
}

// IngestConfig defines inbound violation interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
	MQTT MQTTIngestConfig `toml:"mqtt"`
}

// HTTPIngestConfig configures HTTP listener shared by ingest, API, and metrics.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	BatchPath    string `toml:"batch_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url" env:"SENSORALERT_NATS_URL" env-separator:","`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// MQTTIngestConfig configures MQTT topic subscription for violations.
type MQTTIngestConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
	QoS      int    `toml:"qos"`
	Username string `toml:"username"`
	Password string `toml:"password" env:"SENSORALERT_MQTT_PASSWORD"`
}

// APIConfig toggles the alert query and lifecycle HTTP surface.
type APIConfig struct {
	Enabled bool `toml:"enabled"`
}

// MetricsConfig toggles Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DataSourceConfig selects the committed-configuration read side.
// Params: kind plus kind-specific location and credentials.
// Returns: DataSource construction settings.
type DataSourceConfig struct {
	Kind        string `toml:"kind"`
	FixturePath string `toml:"fixture_path"`
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn" env:"SENSORALERT_DATASOURCE_DSN"`
	BaseURL     string `toml:"base_url"`
	Token       string `toml:"token" env:"SENSORALERT_DATASOURCE_TOKEN"`
	TimeoutSec  int    `toml:"timeout_sec"`
}

// LifecycleConfig controls dedup, debounce, and scope combination.
type LifecycleConfig struct {
	DebounceSec int    `toml:"debounce_sec"`
	ScopeMode   string `toml:"scope_mode"`
	Gate        string `toml:"gate"`
}

// Debounce returns debounce window duration.
func (l LifecycleConfig) Debounce() time.Duration {
	return time.Duration(l.DebounceSec) * time.Second
}

// RecheckConfig controls the overdue-recheck sweep.
type RecheckConfig struct {
	SweepCron string `toml:"sweep_cron"`
}

// NATSStateConfig contains fixed JetStream KV and consumer controls for state backend.
// Params: URL, bucket names, and recheck delete-marker consumer settings.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                 []string `toml:"url"`
	AlertBucket         string   `toml:"alert_bucket"`
	RecheckBucket       string   `toml:"recheck_bucket"`
	RecheckConsumerName string   `toml:"recheck_consumer_name"`
	RecheckDeliverGroup string   `toml:"recheck_deliver_group"`
	AllowCreateBuckets  bool     `toml:"allow_create_buckets"`
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStateConfig{
		URL:                 urls,
		AlertBucket:         defaultAlertBucket,
		RecheckBucket:       defaultRecheckBucket,
		RecheckConsumerName: defaultRecheckConsumer,
		RecheckDeliverGroup: defaultRecheckConsumer,
		AllowCreateBuckets:  true,
	}
}

// DispatchConfig defines outbound delivery behavior.
// Params: retry policy, async queue, and per-channel transport settings.
// Returns: dispatch controls.
type DispatchConfig struct {
	Retry   DispatchRetry  `toml:"retry"`
	Queue   DispatchQueue  `toml:"queue"`
	Email   EmailChannel   `toml:"email"`
	SMS     SMSChannel     `toml:"sms"`
	Push    PushChannel    `toml:"push"`
	InApp   InAppChannel   `toml:"in_app"`
	Webhook WebhookChannel `toml:"webhook"`
}

// DispatchRetry configures per-delivery attempts.
// Params: attempt limit, backoff base/factor, and Retry-After cap.
// Returns: retry policy shared by all channels.
type DispatchRetry struct {
	MaxAttempts      int  `toml:"max_attempts"`
	InitialMS        int  `toml:"initial_ms"`
	Factor           int  `toml:"factor"`
	MaxRetryAfterSec int  `toml:"max_retry_after_sec"`
	LogEachAttempt   bool `toml:"log_each_attempt"`
}

// DispatchQueue defines asynchronous JetStream dispatch queue settings.
// Params: enable flag, worker/ack policy, and DLQ toggle.
// Returns: async dispatch pipeline controls.
type DispatchQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// PoolConfig sizes one channel worker pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
}

// EmailChannel configures SMTP delivery.
type EmailChannel struct {
	Workers   int    `toml:"workers"`
	QueueSize int    `toml:"queue_size"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	Username  string `toml:"username"`
	Password  string `toml:"password" env:"SENSORALERT_SMTP_PASSWORD"`
	From      string `toml:"from"`
	Subject   string `toml:"subject"`
	Body      string `toml:"body"`
}

// SMSChannel configures HTTP SMS gateway delivery.
type SMSChannel struct {
	Workers    int    `toml:"workers"`
	QueueSize  int    `toml:"queue_size"`
	GatewayURL string `toml:"gateway_url"`
	Token      string `toml:"token" env:"SENSORALERT_SMS_TOKEN"`
	Sender     string `toml:"sender"`
	TimeoutSec int    `toml:"timeout_sec"`
	Message    string `toml:"message"`
}

// PushChannel configures mobile push delivery.
// Params: provider mqtt (topic per user) or telegram (chat per push token).
// Returns: push sender configuration.
type PushChannel struct {
	Workers     int    `toml:"workers"`
	QueueSize   int    `toml:"queue_size"`
	Provider    string `toml:"provider"`
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         int    `toml:"qos"`
	BotToken    string `toml:"bot_token" env:"SENSORALERT_TELEGRAM_TOKEN"`
	APIBase     string `toml:"api_base"`
	Message     string `toml:"message"`
}

// InAppChannel configures dashboard inbox delivery.
type InAppChannel struct {
	Workers       int    `toml:"workers"`
	QueueSize     int    `toml:"queue_size"`
	SubjectPrefix string `toml:"subject_prefix"`
	Message       string `toml:"message"`
}

// WebhookChannel configures pool sizing and envelope source.
type WebhookChannel struct {
	Workers   int    `toml:"workers"`
	QueueSize int    `toml:"queue_size"`
	Source    string `toml:"source"`
}

// LedgerConfig selects execution ledger backend.
type LedgerConfig struct {
	Driver  string `toml:"driver"`
	DSN     string `toml:"dsn" env:"SENSORALERT_LEDGER_DSN"`
	Migrate bool   `toml:"migrate"`
}

// RedisConfig configures the shared debounce gate.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password" env:"SENSORALERT_REDIS_PASSWORD"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, path, and file rotation limits.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads, env-overrides, and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env overrides: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	Dispatch dispatchMergeHints `toml:"dispatch"`
	Ledger   ledgerMergeHints   `toml:"ledger"`
}

// dispatchMergeHints tracks explicit bool fields in dispatch section.
type dispatchMergeHints struct {
	Queue queueMergeHints `toml:"queue"`
}

// queueMergeHints tracks explicit bool fields in dispatch.queue section.
type queueMergeHints struct {
	Enabled *bool `toml:"enabled"`
	DLQ     *bool `toml:"dlq"`
}

type ledgerMergeHints struct {
	Migrate *bool `toml:"migrate"`
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays non-empty sections of source onto destination.
// Params: destination config, next fragment, and explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if src.API != (APIConfig{}) {
		dst.API = src.API
	}
	if src.Metrics != (MetricsConfig{}) {
		dst.Metrics = src.Metrics
	}
	if src.DataSource != (DataSourceConfig{}) {
		dst.DataSource = src.DataSource
	}
	if src.Lifecycle != (LifecycleConfig{}) {
		dst.Lifecycle = src.Lifecycle
	}
	if src.Recheck != (RecheckConfig{}) {
		dst.Recheck = src.Recheck
	}
	mergeDispatchConfig(&dst.Dispatch, src.Dispatch, hints.Dispatch)
	if src.Ledger != (LedgerConfig{}) || hints.Ledger.Migrate != nil {
		dst.Ledger = src.Ledger
	}
	if src.Redis != (RedisConfig{}) {
		dst.Redis = src.Redis
	}
}

// mergeDispatchConfig overlays dispatch fragment preserving sibling channel sections.
// Params: destination dispatch config, fragment, and bool hints.
// Returns: merged dispatch side-effect in dst.
func mergeDispatchConfig(dst *DispatchConfig, src DispatchConfig, hints dispatchMergeHints) {
	if src.Retry != (DispatchRetry{}) {
		dst.Retry = src.Retry
	}
	if hasQueueConfig(src.Queue) || hints.Queue.Enabled != nil || hints.Queue.DLQ != nil {
		dst.Queue = src.Queue
	}
	if src.Email != (EmailChannel{}) {
		dst.Email = src.Email
	}
	if src.SMS != (SMSChannel{}) {
		dst.SMS = src.SMS
	}
	if src.Push != (PushChannel{}) {
		dst.Push = src.Push
	}
	if src.InApp != (InAppChannel{}) {
		dst.InApp = src.InApp
	}
	if src.Webhook != (WebhookChannel{}) {
		dst.Webhook = src.Webhook
	}
}

// hasQueueConfig reports whether queue section has explicit non-bool values.
func hasQueueConfig(cfg DispatchQueue) bool {
	return cfg.Enabled ||
		cfg.DLQ ||
		cfg.AckWaitSec != 0 ||
		cfg.NackDelayMS != 0 ||
		cfg.MaxDeliver != 0 ||
		cfg.MaxAckPending != 0
}

// applyDefaults fills unset fields with runtime defaults.
// Params: config pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if strings.TrimSpace(cfg.Service.Timezone) == "" {
		cfg.Service.Timezone = defaultTimezone
	}

	fillLogSinkDefaults(&cfg.Log.Console, "line")
	fillLogSinkDefaults(&cfg.Log.File, "json")
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	http := &cfg.Ingest.HTTP
	if strings.TrimSpace(http.Listen) == "" {
		http.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(http.HealthPath) == "" {
		http.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(http.ReadyPath) == "" {
		http.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(http.IngestPath) == "" {
		http.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(http.BatchPath) == "" {
		http.BatchPath = defaultBatchPath
	}
	if http.MaxBodyBytes <= 0 {
		http.MaxBodyBytes = 2 << 20
	}
	if strings.TrimSpace(cfg.Metrics.Path) == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}

	if strings.TrimSpace(cfg.Ingest.MQTT.Topic) == "" {
		cfg.Ingest.MQTT.Topic = defaultMQTTTopic
	}
	if strings.TrimSpace(cfg.Ingest.MQTT.ClientID) == "" {
		cfg.Ingest.MQTT.ClientID = defaultMQTTClientID
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Dispatch.Queue.Enabled = false
		cfg.Dispatch.Queue.DLQ = false
		cfg.Dispatch.Queue.URL = nil
	} else {
		nats := &cfg.Ingest.NATS
		nats.URL = normalizeNATSURLs(nats.URL)
		if len(nats.URL) == 0 {
			nats.URL = []string{defaultNATSURL}
		}
		nats.Subject = defaultNATSSubject
		nats.Stream = defaultNATSIngestStream
		nats.ConsumerName = defaultNATSIngestConsumer
		nats.DeliverGroup = defaultNATSIngestGroup
		if nats.Workers == 0 {
			nats.Workers = defaultNATSIngestWorkers
		}
		if nats.AckWaitSec <= 0 {
			nats.AckWaitSec = defaultNATSAckWaitSec
		}
		if nats.NackDelayMS <= 0 {
			nats.NackDelayMS = defaultNATSNackDelayMS
		}
		if nats.MaxDeliver == 0 {
			nats.MaxDeliver = defaultNATSMaxDeliver
		}
		if nats.MaxAckPending <= 0 {
			nats.MaxAckPending = defaultNATSMaxAckPending
		}

		// Queue uses the same NATS URL list as ingest/state in multi-instance mode.
		queue := &cfg.Dispatch.Queue
		queue.URL = append([]string(nil), nats.URL...)
		if queue.AckWaitSec <= 0 {
			queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if queue.NackDelayMS <= 0 {
			queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if queue.MaxDeliver == 0 {
			queue.MaxDeliver = defaultNATSMaxDeliver
		}
		if queue.MaxAckPending <= 0 {
			queue.MaxAckPending = defaultNATSMaxAckPending
		}
	}
	if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled && !cfg.Ingest.MQTT.Enabled {
		cfg.Ingest.HTTP.Enabled = true
	}

	cfg.DataSource.Kind = strings.ToLower(strings.TrimSpace(cfg.DataSource.Kind))
	if cfg.DataSource.Kind == "" {
		cfg.DataSource.Kind = DataSourceMemory
	}
	if cfg.DataSource.Kind == DataSourcePostgres && strings.TrimSpace(cfg.DataSource.Driver) == "" {
		cfg.DataSource.Driver = LedgerPostgres
	}
	if cfg.DataSource.TimeoutSec <= 0 {
		cfg.DataSource.TimeoutSec = defaultHTTPTimeoutSec
	}

	if cfg.Lifecycle.DebounceSec == 0 {
		cfg.Lifecycle.DebounceSec = defaultDebounceSec
	}
	cfg.Lifecycle.ScopeMode = strings.ToLower(strings.TrimSpace(cfg.Lifecycle.ScopeMode))
	if cfg.Lifecycle.ScopeMode == "" {
		cfg.Lifecycle.ScopeMode = "any"
	}
	cfg.Lifecycle.Gate = strings.ToLower(strings.TrimSpace(cfg.Lifecycle.Gate))
	if cfg.Lifecycle.Gate == "" {
		cfg.Lifecycle.Gate = GateMemory
	}
	if strings.TrimSpace(cfg.Recheck.SweepCron) == "" {
		cfg.Recheck.SweepCron = defaultSweepCron
	}
	if strings.TrimSpace(cfg.Redis.KeyPrefix) == "" {
		cfg.Redis.KeyPrefix = defaultRedisPrefix
	}

	fillDispatchDefaults(&cfg.Dispatch)

	cfg.Ledger.Driver = strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver))
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = LedgerMemory
	}
}

// fillLogSinkDefaults normalizes one sink level/format and rotation limits.
func fillLogSinkDefaults(sink *LogSinkConfig, format string) {
	if sink.Level == "" {
		sink.Level = "info"
	}
	if sink.Format == "" {
		sink.Format = format
	}
	if sink.MaxSizeMB <= 0 {
		sink.MaxSizeMB = 100
	}
	if sink.MaxBackups <= 0 {
		sink.MaxBackups = 3
	}
	if sink.MaxAgeDays <= 0 {
		sink.MaxAgeDays = 7
	}
}

// fillDispatchDefaults normalizes retry policy, pools, and channel templates.
// Params: dispatch config pointer.
// Returns: defaults applied in place.
func fillDispatchDefaults(cfg *DispatchConfig) {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaultRetryAttempts
	}
	if cfg.Retry.InitialMS <= 0 {
		cfg.Retry.InitialMS = defaultRetryInitialMS
	}
	if cfg.Retry.Factor <= 0 {
		cfg.Retry.Factor = defaultRetryFactor
	}
	if cfg.Retry.MaxRetryAfterSec <= 0 {
		cfg.Retry.MaxRetryAfterSec = defaultMaxRetryAfterSec
	}

	fillPool(&cfg.Email.Workers, &cfg.Email.QueueSize)
	fillPool(&cfg.SMS.Workers, &cfg.SMS.QueueSize)
	fillPool(&cfg.Push.Workers, &cfg.Push.QueueSize)
	fillPool(&cfg.InApp.Workers, &cfg.InApp.QueueSize)
	fillPool(&cfg.Webhook.Workers, &cfg.Webhook.QueueSize)

	if cfg.Email.Port <= 0 {
		cfg.Email.Port = defaultSMTPPort
	}
	if strings.TrimSpace(cfg.Email.Subject) == "" {
		cfg.Email.Subject = defaultEmailSubject
	}
	if strings.TrimSpace(cfg.Email.Body) == "" {
		cfg.Email.Body = defaultMessageBody
	}
	if cfg.SMS.TimeoutSec <= 0 {
		cfg.SMS.TimeoutSec = defaultHTTPTimeoutSec
	}
	if strings.TrimSpace(cfg.SMS.Message) == "" {
		cfg.SMS.Message = defaultMessageBody
	}
	cfg.Push.Provider = strings.ToLower(strings.TrimSpace(cfg.Push.Provider))
	if cfg.Push.Provider == "" {
		cfg.Push.Provider = PushProviderMQTT
	}
	if strings.TrimSpace(cfg.Push.TopicPrefix) == "" {
		cfg.Push.TopicPrefix = defaultPushTopicPrefix
	}
	if strings.TrimSpace(cfg.Push.ClientID) == "" {
		cfg.Push.ClientID = defaultServiceName + "-push"
	}
	if cfg.Push.APIBase == "" {
		cfg.Push.APIBase = "https://api.telegram.org"
	}
	if strings.TrimSpace(cfg.Push.Message) == "" {
		cfg.Push.Message = defaultMessageBody
	}
	if strings.TrimSpace(cfg.InApp.SubjectPrefix) == "" {
		cfg.InApp.SubjectPrefix = defaultInAppSubjectPrefix
	}
	if strings.TrimSpace(cfg.InApp.Message) == "" {
		cfg.InApp.Message = defaultMessageBody
	}
	if strings.TrimSpace(cfg.Webhook.Source) == "" {
		cfg.Webhook.Source = defaultWebhookSource
	}
}

func fillPool(workers, queueSize *int) {
	if *workers <= 0 {
		*workers = defaultChannelWorkers
	}
	if *queueSize <= 0 {
		*queueSize = defaultChannelQueueSize
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing constraint as path-prefixed error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if _, err := cfg.Service.Location(); err != nil {
		return fmt.Errorf("service.timezone is invalid: %w", err)
	}
	for _, path := range []struct{ name, value string }{
		{"ingest.http.listen", cfg.Ingest.HTTP.Listen},
		{"ingest.http.health_path", cfg.Ingest.HTTP.HealthPath},
		{"ingest.http.ready_path", cfg.Ingest.HTTP.ReadyPath},
		{"ingest.http.ingest_path", cfg.Ingest.HTTP.IngestPath},
		{"ingest.http.batch_path", cfg.Ingest.HTTP.BatchPath},
	} {
		if strings.TrimSpace(path.value) == "" {
			return fmt.Errorf("%s is required", path.name)
		}
	}
	if mode == ServiceModeNATS {
		if len(cfg.Ingest.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required")
		}
		for i, url := range cfg.Ingest.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
		if cfg.Ingest.NATS.Enabled {
			if cfg.Ingest.NATS.Workers <= 0 {
				return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
			}
			if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
				return errors.New("ingest.nats.max_deliver must be -1 or >0")
			}
		}
	}
	if cfg.Ingest.MQTT.Enabled {
		if strings.TrimSpace(cfg.Ingest.MQTT.Broker) == "" {
			return errors.New("ingest.mqtt.broker is required when ingest.mqtt.enabled=true")
		}
		if cfg.Ingest.MQTT.QoS < 0 || cfg.Ingest.MQTT.QoS > 2 {
			return errors.New("ingest.mqtt.qos must be 0, 1, or 2")
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}

	switch cfg.DataSource.Kind {
	case DataSourceMemory:
		if strings.TrimSpace(cfg.DataSource.FixturePath) == "" {
			return errors.New("datasource.fixture_path is required when datasource.kind=memory")
		}
	case DataSourcePostgres:
		if strings.TrimSpace(cfg.DataSource.DSN) == "" {
			return errors.New("datasource.dsn is required when datasource.kind=postgres")
		}
		if !isSQLDriver(cfg.DataSource.Driver) {
			return fmt.Errorf("datasource.driver has unsupported value %q", cfg.DataSource.Driver)
		}
	case DataSourceHTTP:
		if strings.TrimSpace(cfg.DataSource.BaseURL) == "" {
			return errors.New("datasource.base_url is required when datasource.kind=http")
		}
	default:
		return fmt.Errorf("datasource.kind has unsupported value %q", cfg.DataSource.Kind)
	}

	if cfg.Lifecycle.DebounceSec < 0 {
		return errors.New("lifecycle.debounce_sec must be >=0")
	}
	switch cfg.Lifecycle.ScopeMode {
	case "any", "all":
	default:
		return fmt.Errorf("lifecycle.scope_mode has unsupported value %q", cfg.Lifecycle.ScopeMode)
	}
	switch cfg.Lifecycle.Gate {
	case GateMemory:
	case GateRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("redis.addr is required when lifecycle.gate=redis")
		}
	default:
		return fmt.Errorf("lifecycle.gate has unsupported value %q", cfg.Lifecycle.Gate)
	}
	if _, err := cron.ParseStandard(cfg.Recheck.SweepCron); err != nil {
		return fmt.Errorf("recheck.sweep_cron is invalid: %w", err)
	}

	if err := validateDispatch(cfg.Dispatch); err != nil {
		return err
	}

	switch cfg.Ledger.Driver {
	case LedgerMemory:
	case LedgerPostgres, LedgerPGX:
		if strings.TrimSpace(cfg.Ledger.DSN) == "" {
			return fmt.Errorf("ledger.dsn is required when ledger.driver=%s", cfg.Ledger.Driver)
		}
	default:
		return fmt.Errorf("ledger.driver has unsupported value %q", cfg.Ledger.Driver)
	}
	return nil
}

// validateDispatch validates retry, queue, and channel sections.
// Params: dispatch config snapshot.
// Returns: first dispatch validation error.
func validateDispatch(cfg DispatchConfig) error {
	if cfg.Retry.MaxAttempts <= 0 {
		return errors.New("dispatch.retry.max_attempts must be >0")
	}
	if cfg.Retry.Factor < 1 {
		return errors.New("dispatch.retry.factor must be >=1")
	}
	if cfg.Queue.Enabled {
		if cfg.Queue.AckWaitSec <= 0 {
			return errors.New("dispatch.queue.ack_wait_sec must be >0 when dispatch.queue.enabled=true")
		}
		if cfg.Queue.MaxDeliver == 0 || cfg.Queue.MaxDeliver < -1 {
			return errors.New("dispatch.queue.max_deliver must be -1 or >0")
		}
		if cfg.Queue.MaxAckPending <= 0 {
			return errors.New("dispatch.queue.max_ack_pending must be >0 when dispatch.queue.enabled=true")
		}
	}
	if cfg.Queue.DLQ && !cfg.Queue.Enabled {
		return errors.New("dispatch.queue.dlq requires dispatch.queue.enabled=true")
	}

	pools := []struct {
		name string
		pool PoolConfig
	}{
		{"email", cfg.PoolFor("email")},
		{"sms", cfg.PoolFor("sms")},
		{"push", cfg.PoolFor("push")},
		{"in_app", cfg.PoolFor("in_app")},
		{"webhook", cfg.PoolFor("webhook")},
	}
	for _, entry := range pools {
		if entry.pool.Workers <= 0 {
			return fmt.Errorf("dispatch.%s.workers must be >0", entry.name)
		}
		if entry.pool.QueueSize <= 0 {
			return fmt.Errorf("dispatch.%s.queue_size must be >0", entry.name)
		}
	}

	for _, tmpl := range []struct{ path, body string }{
		{"dispatch.email.subject", cfg.Email.Subject},
		{"dispatch.email.body", cfg.Email.Body},
		{"dispatch.sms.message", cfg.SMS.Message},
		{"dispatch.push.message", cfg.Push.Message},
		{"dispatch.in_app.message", cfg.InApp.Message},
	} {
		if err := validateMessageTemplate(tmpl.path, tmpl.body); err != nil {
			return err
		}
	}

	switch cfg.Push.Provider {
	case PushProviderMQTT, PushProviderTelegram:
	default:
		return fmt.Errorf("dispatch.push.provider has unsupported value %q", cfg.Push.Provider)
	}
	if cfg.Push.QoS < 0 || cfg.Push.QoS > 2 {
		return errors.New("dispatch.push.qos must be 0, 1, or 2")
	}
	return nil
}

// PoolFor returns worker pool sizing for channel key.
// Params: channel key (email, sms, push, in_app, webhook).
// Returns: pool sizing or zero value for unknown channel.
func (d DispatchConfig) PoolFor(channel string) PoolConfig {
	switch channel {
	case "email":
		return PoolConfig{Workers: d.Email.Workers, QueueSize: d.Email.QueueSize}
	case "sms":
		return PoolConfig{Workers: d.SMS.Workers, QueueSize: d.SMS.QueueSize}
	case "push":
		return PoolConfig{Workers: d.Push.Workers, QueueSize: d.Push.QueueSize}
	case "in_app":
		return PoolConfig{Workers: d.InApp.Workers, QueueSize: d.InApp.QueueSize}
	case "webhook":
		return PoolConfig{Workers: d.Webhook.Workers, QueueSize: d.Webhook.QueueSize}
	default:
		return PoolConfig{}
	}
}

// hasIngestConfig reports whether ingest section has explicit values.
// Params: ingest configuration fragment.
// Returns: true when section should be merged into destination snapshot.
func hasIngestConfig(cfg IngestConfig) bool {
	return cfg.HTTP != (HTTPIngestConfig{}) || hasNATSIngestConfig(cfg.NATS) || cfg.MQTT != (MQTTIngestConfig{})
}

// hasNATSIngestConfig reports whether NATS ingest section has explicit values.
func hasNATSIngestConfig(cfg NATSIngestConfig) bool {
	return cfg.Enabled ||
		len(cfg.URL) > 0 ||
		cfg.Workers != 0 ||
		cfg.AckWaitSec != 0 ||
		cfg.NackDelayMS != 0 ||
		cfg.MaxDeliver != 0 ||
		cfg.MaxAckPending != 0
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

func isSQLDriver(driver string) bool {
	return driver == LedgerPostgres || driver == LedgerPGX
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`nats` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeNATS
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}
