package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"deadman/internal/domain"
	"deadman/internal/templatefmt"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultServiceName         = "deadman"
	defaultShutdownTimeoutSec  = 15
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultMetricsPath         = "/metrics"
	defaultHitPath             = "/hits"
	defaultMaxBodyBytes        = 64 << 10
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "deadman.hits"
	defaultNATSStream          = "DEADMAN_HITS"
	defaultNATSConsumer        = "deadman-ingest"
	defaultNATSGroup           = "deadman-workers"
	defaultNATSWorkers         = 1
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultKafkaTopic          = "deadman.hits"
	defaultKafkaGroupID        = "deadman-ingest"
	defaultKafkaMinBytes       = 1
	defaultKafkaMaxBytes       = 1 << 20
	defaultPostgresMaxConns    = 8
	defaultPostgresConnectSec  = 10
	defaultHeartbeatSec        = 300
	defaultHeartbeatWorkers    = 4
	defaultRuleTimeoutSec      = 30
	defaultCleanupSchedule     = "0 3 * * *"
	defaultCleanupTimezone     = "UTC"
	defaultHitRetentionHours   = 48
	defaultHeartbeatLogDays    = 30
	defaultAlertDays           = 90
	defaultRatioAlertDays      = 90
	defaultCleanupLogDays      = 90
	defaultDispatchTimeoutSec  = 30
	defaultRetryUnsentMaxAge   = 60
	defaultRetryUnsentBatch    = 100
	defaultInFlightMax         = 10000
	defaultTelegramAPIBase     = "https://api.telegram.org"
	defaultTelegramRatePerSec  = 1.0
	defaultTelegramBurst       = 1
	defaultHTTPNotifyTimeout   = 10
	defaultLogFileMaxSizeMB    = 100
	defaultLogFileMaxBackups   = 5
	defaultLogFileMaxAgeDays   = 28
	minHitRetentionHours       = 24
	maxHitRetentionHours       = 720
	minRetentionDays           = 1
	maxRetentionDays           = 365
	defaultEnvFile             = ".env"
	envPostgresDSN             = "DEADMAN_POSTGRES_DSN"
	envTelegramBotToken        = "DEADMAN_TELEGRAM_BOT_TOKEN"
	envTelegramChatID          = "DEADMAN_TELEGRAM_CHAT_ID"
	legacyRuleArrayDescription = "[[rule]] arrays are not supported; use [rule.<rule_id>] tables"

	// StoreBackendMemory keeps state in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendPostgres keeps state in PostgreSQL.
	StoreBackendPostgres = "postgres"

	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelHTTP identifies generic HTTP transport.
	NotifyChannelHTTP = "http"
)

var (
	legacyRuleArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*(?:rule|ratio_monitor)\s*\]\]`)
	templateKeyByAlertType = map[string]domain.AlertType{
		"frequency_down":   domain.AlertTypeFrequencyDown,
		"signal_dead":      domain.AlertTypeSignalDead,
		"signal_recovered": domain.AlertTypeSignalRecovered,
		"ratio_low":        domain.AlertTypeRatioLow,
		"ratio_recovered":  domain.AlertTypeRatioRecovered,
	}
)

// Config holds service runtime settings together with seeded rules and monitors.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service      ServiceConfig
	Log          LogConfig
	Store        StoreConfig
	Heartbeat    HeartbeatConfig
	Ratio        RatioConfig
	Cleanup      CleanupConfig
	Notify       NotifyConfig
	Ingest       IngestConfig
	Rule         []domain.MonitoringRule
	RatioMonitor []domain.RatioMonitor
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule and monitor maps keyed by id.
type rawConfig struct {
	Service      ServiceConfig                    `toml:"service"`
	Log          LogConfig                        `toml:"log"`
	Store        StoreConfig                      `toml:"store"`
	Heartbeat    HeartbeatConfig                  `toml:"heartbeat"`
	Ratio        RatioConfig                      `toml:"ratio"`
	Cleanup      CleanupConfig                    `toml:"cleanup"`
	Notify       NotifyConfig                     `toml:"notify"`
	Ingest       IngestConfig                     `toml:"ingest"`
	Rule         map[string]rawRuleConfig         `toml:"rule"`
	RatioMonitor map[string]rawRatioMonitorConfig `toml:"ratio_monitor"`
}

// rawRuleConfig stores one rule body from `[rule.<id>]` table.
type rawRuleConfig struct {
	Merchant                string   `toml:"merchant"`
	Name                    string   `toml:"name"`
	SubjectPattern          string   `toml:"subject_pattern"`
	ExpectedIntervalMinutes int      `toml:"expected_interval_minutes"`
	DeadAfterMinutes        int      `toml:"dead_after_minutes"`
	Tags                    []string `toml:"tags"`
	Enabled                 *bool    `toml:"enabled"`
}

// rawRatioMonitorConfig stores one monitor body from `[ratio_monitor.<id>]` table.
type rawRatioMonitorConfig struct {
	Name             string             `toml:"name"`
	Tag              string             `toml:"tag"`
	FirstRule        string             `toml:"first_rule"`
	SecondRule       string             `toml:"second_rule"`
	Steps            []domain.RatioStep `toml:"steps"`
	ThresholdPercent float64            `toml:"threshold_percent"`
	TimeWindow       string             `toml:"time_window"`
	Enabled          *bool              `toml:"enabled"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name               string `toml:"name"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
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

// StoreConfig selects persistence backend.
type StoreConfig struct {
	Backend  string         `toml:"backend"`
	Postgres PostgresConfig `toml:"postgres"`
}

// PostgresConfig configures pgx pool for PostgreSQL backend.
// Params: DSN, pool size, connect timeout, and schema migration toggle.
// Returns: PostgreSQL store options.
type PostgresConfig struct {
	DSN               string `toml:"dsn"`
	MaxConns          int    `toml:"max_conns"`
	ConnectTimeoutSec int    `toml:"connect_timeout_sec"`
	Migrate           bool   `toml:"migrate"`
}

// HeartbeatConfig configures periodic liveness evaluation.
type HeartbeatConfig struct {
	IntervalSec    int   `toml:"interval_sec"`
	RunOnStart     *bool `toml:"run_on_start"`
	Workers        int   `toml:"workers"`
	RuleTimeoutSec int   `toml:"rule_timeout_sec"`
}

// Interval returns heartbeat period.
func (c HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// RuleTimeout returns per-rule evaluation timeout.
func (c HeartbeatConfig) RuleTimeout() time.Duration {
	return time.Duration(c.RuleTimeoutSec) * time.Second
}

// ShouldRunOnStart reports whether first pass runs immediately.
func (c HeartbeatConfig) ShouldRunOnStart() bool {
	return c.RunOnStart == nil || *c.RunOnStart
}

// RatioConfig configures ratio pass timer.
// Params: own interval, zero shares heartbeat ticks.
type RatioConfig struct {
	IntervalSec int `toml:"interval_sec"`
}

// Interval returns ratio period; zero means run after every heartbeat tick.
func (c RatioConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// CleanupConfig configures retention sweep schedule and windows.
// Params: cron expression, timezone, and per-table retention.
// Returns: cleanup scheduler options.
type CleanupConfig struct {
	Schedule                  string `toml:"schedule"`
	Timezone                  string `toml:"timezone"`
	HitRetentionHours         int    `toml:"hit_retention_hours"`
	HeartbeatLogRetentionDays int    `toml:"heartbeat_log_retention_days"`
	AlertRetentionDays        int    `toml:"alert_retention_days"`
	RatioAlertRetentionDays   int    `toml:"ratio_alert_retention_days"`
	CleanupLogRetentionDays   int    `toml:"cleanup_log_retention_days"`
}

// Retention returns retention window of one table.
// Params: retention table from the closed set.
// Returns: window duration and false for unknown tables.
func (c CleanupConfig) Retention(table domain.RetentionTable) (time.Duration, bool) {
	const day = 24 * time.Hour
	switch table {
	case domain.RetentionSignalHits:
		return time.Duration(c.HitRetentionHours) * time.Hour, true
	case domain.RetentionHeartbeatLogs:
		return time.Duration(c.HeartbeatLogRetentionDays) * day, true
	case domain.RetentionAlerts:
		return time.Duration(c.AlertRetentionDays) * day, true
	case domain.RetentionRatioAlerts:
		return time.Duration(c.RatioAlertRetentionDays) * day, true
	case domain.RetentionCleanupLogs:
		return time.Duration(c.CleanupLogRetentionDays) * day, true
	default:
		return 0, false
	}
}

// NotifyConfig defines outbound notification behavior.
// Params: dispatch timeout, unsent retry window, in-flight bound, channels, and templates.
// Returns: notification controls.
type NotifyConfig struct {
	DispatchTimeoutSec   int              `toml:"dispatch_timeout_sec"`
	RetryUnsentMaxAgeMin int              `toml:"retry_unsent_max_age_min"`
	RetryUnsentBatch     int              `toml:"retry_unsent_batch"`
	InFlightMax          int              `toml:"in_flight_max"`
	Telegram             TelegramNotifier `toml:"telegram"`
	HTTP                 HTTPNotifier     `toml:"http"`
	Template             TemplateConfig   `toml:"template"`
}

// DispatchTimeout returns detached dispatch timeout.
func (c NotifyConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSec) * time.Second
}

// RetryUnsentMaxAge returns age bound of unsent alerts picked for retry.
func (c NotifyConfig) RetryUnsentMaxAge() time.Duration {
	return time.Duration(c.RetryUnsentMaxAgeMin) * time.Minute
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, and send rate.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled    bool    `toml:"enabled"`
	BotToken   string  `toml:"bot_token"`
	ChatID     string  `toml:"chat_id"`
	APIBase    string  `toml:"api_base"`
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// HTTPNotifier defines generic outbound HTTP webhook endpoint.
// Params: URL, method, timeout, and optional static headers.
// Returns: HTTP notification sender configuration.
type HTTPNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
}

// TemplateConfig overrides built-in message templates per alert type.
type TemplateConfig struct {
	FrequencyDown   string `toml:"frequency_down"`
	SignalDead      string `toml:"signal_dead"`
	SignalRecovered string `toml:"signal_recovered"`
	RatioLow        string `toml:"ratio_low"`
	RatioRecovered  string `toml:"ratio_recovered"`
}

// Overrides returns non-empty template bodies keyed by alert type.
func (c TemplateConfig) Overrides() map[domain.AlertType]string {
	bodies := map[string]string{
		"frequency_down":   c.FrequencyDown,
		"signal_dead":      c.SignalDead,
		"signal_recovered": c.SignalRecovered,
		"ratio_low":        c.RatioLow,
		"ratio_recovered":  c.RatioRecovered,
	}
	out := make(map[domain.AlertType]string, len(bodies))
	for key, body := range bodies {
		if strings.TrimSpace(body) == "" {
			continue
		}
		out[templateKeyByAlertType[key]] = body
	}
	return out
}

// IngestConfig defines inbound hit interfaces.
// Params: HTTP, NATS JetStream, and Kafka subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP  HTTPIngestConfig  `toml:"http"`
	NATS  NATSIngestConfig  `toml:"nats"`
	Kafka KafkaIngestConfig `toml:"kafka"`
}

// HTTPIngestConfig configures HTTP listener with ops endpoints and hit route.
// Params: hit route toggle, listen address, endpoint paths, and body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	HitPath      string `toml:"hit_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, stream routing, and worker/ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// KafkaIngestConfig configures consumer-group ingestion from Kafka.
type KafkaIngestConfig struct {
	Enabled  bool     `toml:"enabled"`
	Brokers  []string `toml:"brokers"`
	Topic    string   `toml:"topic"`
	GroupID  string   `toml:"group_id"`
	MinBytes int      `toml:"min_bytes"`
	MaxBytes int      `toml:"max_bytes"`
}

// ConfigSource describes file or directory config source with optional env file.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File    string
	Dir     string
	EnvFile string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments and env file path.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath, envFile string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)
	envFile = strings.TrimSpace(envFile)
	if envFile == "" {
		envFile = defaultEnvFile
	}

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath, EnvFile: envFile}, nil
	}
	return ConfigSource{Dir: dirPath, EnvFile: envFile}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode and env file.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	if err := loadEnvFile(src.EnvFile); err != nil {
		return Config{}, err
	}
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
	applyEnv(&cfg, os.LookupEnv)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadEnvFile loads dotenv file into process env without overriding set variables.
// Params: env file path; missing file is ignored.
// Returns: parse error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// applyEnv overlays secrets from environment.
// Params: config pointer and env lookup function.
// Returns: config updated in place.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if value, ok := lookup(envPostgresDSN); ok && strings.TrimSpace(value) != "" {
		cfg.Store.Postgres.DSN = strings.TrimSpace(value)
	}
	if value, ok := lookup(envTelegramBotToken); ok && strings.TrimSpace(value) != "" {
		cfg.Notify.Telegram.BotToken = strings.TrimSpace(value)
	}
	if value, ok := lookup(envTelegramChatID); ok && strings.TrimSpace(value) != "" {
		cfg.Notify.Telegram.ChatID = strings.TrimSpace(value)
	}
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot with rules and monitors sorted by id.
func normalizeRawConfig(raw rawConfig) Config {
	cfg := Config{
		Service:   raw.Service,
		Log:       raw.Log,
		Store:     raw.Store,
		Heartbeat: raw.Heartbeat,
		Ratio:     raw.Ratio,
		Cleanup:   raw.Cleanup,
		Notify:    raw.Notify,
		Ingest:    raw.Ingest,
	}

	for _, id := range sortedKeys(raw.Rule) {
		body := raw.Rule[id]
		cfg.Rule = append(cfg.Rule, domain.MonitoringRule{
			ID:                      id,
			Merchant:                body.Merchant,
			Name:                    body.Name,
			SubjectPattern:          body.SubjectPattern,
			ExpectedIntervalMinutes: body.ExpectedIntervalMinutes,
			DeadAfterMinutes:        body.DeadAfterMinutes,
			Tags:                    body.Tags,
			Enabled:                 body.Enabled == nil || *body.Enabled,
		}.Normalize())
	}
	for _, id := range sortedKeys(raw.RatioMonitor) {
		body := raw.RatioMonitor[id]
		cfg.RatioMonitor = append(cfg.RatioMonitor, domain.RatioMonitor{
			ID:               id,
			Name:             body.Name,
			Tag:              body.Tag,
			FirstRuleID:      body.FirstRule,
			SecondRuleID:     body.SecondRule,
			Steps:            body.Steps,
			ThresholdPercent: body.ThresholdPercent,
			TimeWindow:       domain.TimeWindow(body.TimeWindow),
			Enabled:          body.Enabled == nil || *body.Enabled,
		}.Normalize())
	}
	return cfg
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if legacyRuleArrayPattern.Match(body) {
		return Config{}, fmt.Errorf("decode config file %q: %s", path, legacyRuleArrayDescription)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return normalizeRawConfig(raw), nil
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
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst; sections replace, rules append.
func mergeConfig(dst *Config, src Config) {
	mergeSection(&dst.Service, src.Service)
	mergeSection(&dst.Log, src.Log)
	mergeSection(&dst.Store, src.Store)
	mergeSection(&dst.Heartbeat, src.Heartbeat)
	mergeSection(&dst.Ratio, src.Ratio)
	mergeSection(&dst.Cleanup, src.Cleanup)
	mergeSection(&dst.Notify, src.Notify)
	mergeSection(&dst.Ingest, src.Ingest)
	dst.Rule = append(dst.Rule, src.Rule...)
	dst.RatioMonitor = append(dst.RatioMonitor, src.RatioMonitor...)
}

func mergeSection[T any](dst *T, src T) {
	if !reflect.ValueOf(src).IsZero() {
		*dst = src
	}
}

// applyDefaults fills omitted settings.
// Params: config pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = defaultLogFileMaxSizeMB
	}
	if cfg.Log.File.MaxBackups <= 0 {
		cfg.Log.File.MaxBackups = defaultLogFileMaxBackups
	}
	if cfg.Log.File.MaxAgeDays <= 0 {
		cfg.Log.File.MaxAgeDays = defaultLogFileMaxAgeDays
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		if strings.TrimSpace(cfg.Store.Postgres.DSN) != "" {
			cfg.Store.Backend = StoreBackendPostgres
		} else {
			cfg.Store.Backend = StoreBackendMemory
		}
	}
	if cfg.Store.Postgres.MaxConns <= 0 {
		cfg.Store.Postgres.MaxConns = defaultPostgresMaxConns
	}
	if cfg.Store.Postgres.ConnectTimeoutSec <= 0 {
		cfg.Store.Postgres.ConnectTimeoutSec = defaultPostgresConnectSec
	}

	if cfg.Heartbeat.IntervalSec <= 0 {
		cfg.Heartbeat.IntervalSec = defaultHeartbeatSec
	}
	if cfg.Heartbeat.Workers <= 0 {
		cfg.Heartbeat.Workers = defaultHeartbeatWorkers
	}
	if cfg.Heartbeat.RuleTimeoutSec <= 0 {
		cfg.Heartbeat.RuleTimeoutSec = defaultRuleTimeoutSec
	}

	if strings.TrimSpace(cfg.Cleanup.Schedule) == "" {
		cfg.Cleanup.Schedule = defaultCleanupSchedule
	}
	if strings.TrimSpace(cfg.Cleanup.Timezone) == "" {
		cfg.Cleanup.Timezone = defaultCleanupTimezone
	}
	if cfg.Cleanup.HitRetentionHours == 0 {
		cfg.Cleanup.HitRetentionHours = defaultHitRetentionHours
	}
	if cfg.Cleanup.HeartbeatLogRetentionDays == 0 {
		cfg.Cleanup.HeartbeatLogRetentionDays = defaultHeartbeatLogDays
	}
	if cfg.Cleanup.AlertRetentionDays == 0 {
		cfg.Cleanup.AlertRetentionDays = defaultAlertDays
	}
	if cfg.Cleanup.RatioAlertRetentionDays == 0 {
		cfg.Cleanup.RatioAlertRetentionDays = defaultRatioAlertDays
	}
	if cfg.Cleanup.CleanupLogRetentionDays == 0 {
		cfg.Cleanup.CleanupLogRetentionDays = defaultCleanupLogDays
	}

	if cfg.Notify.DispatchTimeoutSec <= 0 {
		cfg.Notify.DispatchTimeoutSec = defaultDispatchTimeoutSec
	}
	if cfg.Notify.RetryUnsentMaxAgeMin == 0 {
		cfg.Notify.RetryUnsentMaxAgeMin = defaultRetryUnsentMaxAge
	}
	if cfg.Notify.RetryUnsentBatch <= 0 {
		cfg.Notify.RetryUnsentBatch = defaultRetryUnsentBatch
	}
	if cfg.Notify.InFlightMax <= 0 {
		cfg.Notify.InFlightMax = defaultInFlightMax
	}
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = defaultTelegramAPIBase
	}
	if cfg.Notify.Telegram.RatePerSec <= 0 {
		cfg.Notify.Telegram.RatePerSec = defaultTelegramRatePerSec
	}
	if cfg.Notify.Telegram.Burst <= 0 {
		cfg.Notify.Telegram.Burst = defaultTelegramBurst
	}
	if cfg.Notify.HTTP.Method == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = defaultHTTPNotifyTimeout
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.MetricsPath) == "" {
		cfg.Ingest.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HitPath) == "" {
		cfg.Ingest.HTTP.HitPath = defaultHitPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}
	if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled && !cfg.Ingest.Kafka.Enabled {
		cfg.Ingest.HTTP.Enabled = true
	}

	cfg.Ingest.NATS.URL = normalizeList(cfg.Ingest.NATS.URL)
	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Ingest.NATS.Subject == "" {
		cfg.Ingest.NATS.Subject = defaultNATSSubject
	}
	if cfg.Ingest.NATS.Stream == "" {
		cfg.Ingest.NATS.Stream = defaultNATSStream
	}
	if cfg.Ingest.NATS.ConsumerName == "" {
		cfg.Ingest.NATS.ConsumerName = defaultNATSConsumer
	}
	if cfg.Ingest.NATS.DeliverGroup == "" {
		cfg.Ingest.NATS.DeliverGroup = defaultNATSGroup
	}
	if cfg.Ingest.NATS.Workers == 0 {
		cfg.Ingest.NATS.Workers = defaultNATSWorkers
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS == 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}

	cfg.Ingest.Kafka.Brokers = normalizeList(cfg.Ingest.Kafka.Brokers)
	if cfg.Ingest.Kafka.Topic == "" {
		cfg.Ingest.Kafka.Topic = defaultKafkaTopic
	}
	if cfg.Ingest.Kafka.GroupID == "" {
		cfg.Ingest.Kafka.GroupID = defaultKafkaGroupID
	}
	if cfg.Ingest.Kafka.MinBytes <= 0 {
		cfg.Ingest.Kafka.MinBytes = defaultKafkaMinBytes
	}
	if cfg.Ingest.Kafka.MaxBytes <= 0 {
		cfg.Ingest.Kafka.MaxBytes = defaultKafkaMaxBytes
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error with config path.
func validateConfig(cfg Config) error {
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendPostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return fmt.Errorf("store.postgres.dsn is required when store.backend=postgres (or set %s)", envPostgresDSN)
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}

	if cfg.Ratio.IntervalSec < 0 {
		return errors.New("ratio.interval_sec must be >=0")
	}

	if _, err := cron.ParseStandard(cfg.Cleanup.Schedule); err != nil {
		return fmt.Errorf("cleanup.schedule is invalid: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Cleanup.Timezone); err != nil {
		return fmt.Errorf("cleanup.timezone is invalid: %w", err)
	}
	if cfg.Cleanup.HitRetentionHours < minHitRetentionHours || cfg.Cleanup.HitRetentionHours > maxHitRetentionHours {
		return fmt.Errorf("cleanup.hit_retention_hours must be in [%d,%d], got %d", minHitRetentionHours, maxHitRetentionHours, cfg.Cleanup.HitRetentionHours)
	}
	for name, days := range map[string]int{
		"cleanup.heartbeat_log_retention_days": cfg.Cleanup.HeartbeatLogRetentionDays,
		"cleanup.alert_retention_days":         cfg.Cleanup.AlertRetentionDays,
		"cleanup.ratio_alert_retention_days":   cfg.Cleanup.RatioAlertRetentionDays,
		"cleanup.cleanup_log_retention_days":   cfg.Cleanup.CleanupLogRetentionDays,
	} {
		if days < minRetentionDays || days > maxRetentionDays {
			return fmt.Errorf("%s must be in [%d,%d], got %d", name, minRetentionDays, maxRetentionDays, days)
		}
	}

	if cfg.Notify.RetryUnsentMaxAgeMin < 0 {
		return errors.New("notify.retry_unsent_max_age_min must be >=0")
	}
	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return fmt.Errorf("notify.telegram.bot_token is required when notify.telegram.enabled=true (or set %s)", envTelegramBotToken)
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram.chat_id is required when notify.telegram.enabled=true (or set %s)", envTelegramChatID)
		}
	}
	if cfg.Notify.HTTP.Enabled && strings.TrimSpace(cfg.Notify.HTTP.URL) == "" {
		return errors.New("notify.http.url is required when notify.http.enabled=true")
	}
	if err := validateTemplates(cfg.Notify.Template); err != nil {
		return err
	}

	for name, path := range map[string]string{
		"ingest.http.health_path":  cfg.Ingest.HTTP.HealthPath,
		"ingest.http.ready_path":   cfg.Ingest.HTTP.ReadyPath,
		"ingest.http.metrics_path": cfg.Ingest.HTTP.MetricsPath,
		"ingest.http.hit_path":     cfg.Ingest.HTTP.HitPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/', got %q", name, path)
		}
	}
	if cfg.Ingest.NATS.Enabled {
		for i, url := range cfg.Ingest.NATS.URL {
			if url == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
		if cfg.Ingest.NATS.Workers <= 0 {
			return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
		}
		if cfg.Ingest.NATS.NackDelayMS < 0 {
			return errors.New("ingest.nats.nack_delay_ms must be >=0")
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 {
			return errors.New("ingest.kafka.brokers is required when ingest.kafka.enabled=true")
		}
		for i, broker := range cfg.Ingest.Kafka.Brokers {
			if broker == "" {
				return fmt.Errorf("ingest.kafka.brokers[%d] is empty", i)
			}
		}
		if cfg.Ingest.Kafka.MinBytes > cfg.Ingest.Kafka.MaxBytes {
			return errors.New("ingest.kafka.min_bytes must be <= ingest.kafka.max_bytes")
		}
	}

	ruleIDs := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if err := domain.ValidateRule(rule); err != nil {
			return fmt.Errorf("rule.%s: %w", rule.ID, err)
		}
		if _, exists := ruleIDs[rule.ID]; exists {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}
	}
	monitorIDs := make(map[string]struct{}, len(cfg.RatioMonitor))
	for _, monitor := range cfg.RatioMonitor {
		if err := domain.ValidateRatioMonitor(monitor); err != nil {
			return fmt.Errorf("ratio_monitor.%s: %w", monitor.ID, err)
		}
		if _, exists := monitorIDs[monitor.ID]; exists {
			return fmt.Errorf("duplicate ratio monitor id %q", monitor.ID)
		}
		monitorIDs[monitor.ID] = struct{}{}
	}
	return nil
}

// validateTemplates parses every configured template override.
func validateTemplates(cfg TemplateConfig) error {
	if _, err := templatefmt.NewRenderer(cfg.Overrides()); err != nil {
		return fmt.Errorf("notify.template: %w", err)
	}
	return nil
}

// normalizeList trims entries and drops empty trailing config noise.
// Params: raw list from config.
// Returns: trimmed list preserving element count for validation.
func normalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i := range values {
		out[i] = strings.TrimSpace(values[i])
	}
	return out
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
