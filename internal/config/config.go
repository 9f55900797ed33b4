// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bcem/opentrack/internal/classify"
	"github.com/bcem/opentrack/internal/resolver"
	"github.com/bcem/opentrack/internal/upsert"
)

// Sink names.
const (
	SinkSheets  = "sheets"
	SinkWebhook = "webhook"
	SinkMemory  = "memory"
)

// DefaultBackupLogPath is used by the webhook sink when no path is set; that
// sink always keeps a local log.
const DefaultBackupLogPath = "opens.jsonl"

// Config holds all configuration for the tracking service.
type Config struct {
	Port     int
	LogLevel slog.Level

	// Google
	GoogleCredsJSON string
	GoogleCredsFile string

	// Sheets
	Workbook   string
	DefaultTab string
	TabPolicy  resolver.TabPolicy
	Stages     []string
	Timezone   string

	// SpreadsheetIDs maps workbook names to spreadsheet IDs, skipping the
	// Drive lookup.
	SpreadsheetIDs map[string]string

	// Recording
	Sink          string
	WebhookURL    string
	BackupLogPath string
	OpenPolicy    upsert.OpenPolicy
	Identity      upsert.Identity
	RecordTimeout time.Duration

	// Bot filtering
	ClassifierPolicy  classify.Policy
	ExtraRules        classify.Rules
	EarlyHitThreshold time.Duration
	SuspiciousTab     string
	SuspiciousRefresh time.Duration
	LogSuspicious     bool

	// Optional infrastructure
	RedisURL    string
	OpensQueue  string
	DatabaseURL string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Port   int `yaml:"port"`
	Google struct {
		CredsJSON string `yaml:"creds_json"`
		CredsFile string `yaml:"creds_file"`
	} `yaml:"google"`
	Sheets struct {
		Workbook   string            `yaml:"workbook"`
		DefaultTab string            `yaml:"default_tab"`
		TabPolicy  string            `yaml:"tab_policy"`
		Stages     []string          `yaml:"stages"`
		Timezone   string            `yaml:"timezone"`
		IDs        map[string]string `yaml:"ids"`
	} `yaml:"sheets"`
	Record struct {
		Sink       string `yaml:"sink"`
		WebhookURL string `yaml:"webhook_url"`
		BackupLog  string `yaml:"backup_log"`
		OpenPolicy string `yaml:"open_policy"`
		Identity   string `yaml:"identity"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"record"`
	Classifier struct {
		Policy            string   `yaml:"policy"`
		BotAgents         []string `yaml:"bot_agents"`
		HumanAgents       []string `yaml:"human_agents"`
		ViaTokens         []string `yaml:"via_tokens"`
		RefererTokens     []string `yaml:"referer_tokens"`
		ProxyCIDRs        []string `yaml:"proxy_cidrs"`
		EarlyHitThreshold string   `yaml:"early_hit_threshold"`
		SuspiciousTab     string   `yaml:"suspicious_tab"`
		SuspiciousRefresh string   `yaml:"suspicious_refresh"`
		LogSuspicious     *bool    `yaml:"log_suspicious"`
	} `yaml:"classifier"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Opens string `yaml:"opens"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
}

// Load reads an optional .env file, then an optional config.yaml (with env
// var expansion), then applies environment overrides. Environment variables
// win over YAML values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var raw rawConfig
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("no config file, using environment only", "path", configPath)
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Port:            envOrDefaultInt("PORT", firstNonZero(raw.Port, 5000)),
		GoogleCredsJSON: envOrDefault("GOOGLE_CREDS_JSON", raw.Google.CredsJSON),
		GoogleCredsFile: envOrDefault("GOOGLE_CREDS_FILE", raw.Google.CredsFile),

		Workbook:   envOrDefault("MAILTRACKING_WORKBOOK", firstNonEmpty(raw.Sheets.Workbook, "MailTracking")),
		DefaultTab: envOrDefault("DEFAULT_TAB", firstNonEmpty(raw.Sheets.DefaultTab, "USA")),
		Stages:     envOrDefaultList("STAGES", raw.Sheets.Stages),
		Timezone:   envOrDefault("TIMEZONE", firstNonEmpty(raw.Sheets.Timezone, "Asia/Kolkata")),

		SpreadsheetIDs: raw.Sheets.IDs,

		Sink:          strings.ToLower(envOrDefault("SINK", firstNonEmpty(raw.Record.Sink, SinkSheets))),
		WebhookURL:    envOrDefault("WEBHOOK_URL", raw.Record.WebhookURL),
		BackupLogPath: envOrDefault("BACKUP_LOG_PATH", raw.Record.BackupLog),
		RecordTimeout: envOrDefaultDuration("RECORD_TIMEOUT", yamlDuration(raw.Record.Timeout, 10*time.Second)),

		ExtraRules: classify.Rules{
			BotAgents:     envOrDefaultList("BOT_AGENTS", raw.Classifier.BotAgents),
			HumanAgents:   envOrDefaultList("HUMAN_AGENTS", raw.Classifier.HumanAgents),
			ViaTokens:     envOrDefaultList("VIA_TOKENS", raw.Classifier.ViaTokens),
			RefererTokens: envOrDefaultList("REFERER_TOKENS", raw.Classifier.RefererTokens),
			ProxyCIDRs:    envOrDefaultList("PROXY_CIDRS", raw.Classifier.ProxyCIDRs),
		},

		EarlyHitThreshold: envOrDefaultDuration("EARLY_HIT_THRESHOLD", yamlDuration(raw.Classifier.EarlyHitThreshold, 7*time.Second)),
		SuspiciousTab:     envOrDefault("SUSPICIOUS_TAB", firstNonEmpty(raw.Classifier.SuspiciousTab, "Suspicious_IPs")),
		SuspiciousRefresh: envOrDefaultDuration("SUSPICIOUS_REFRESH", yamlDuration(raw.Classifier.SuspiciousRefresh, 300*time.Second)),
		LogSuspicious:     envOrDefaultBool("LOG_SUSPICIOUS", raw.Classifier.LogSuspicious == nil || *raw.Classifier.LogSuspicious),

		RedisURL:    envOrDefault("REDIS_URL", raw.Redis.URL),
		OpensQueue:  envOrDefault("OPENS_QUEUE", raw.Redis.Queues.Opens),
		DatabaseURL: envOrDefault("DATABASE_URL", raw.Database.URL),
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = append([]string(nil), upsert.DefaultStages...)
	}
	if cfg.Sink == SinkWebhook && cfg.BackupLogPath == "" {
		cfg.BackupLogPath = DefaultBackupLogPath
	}

	var errs []error
	var err error
	if cfg.TabPolicy, err = resolver.ParseTabPolicy(envOrDefault("TAB_POLICY", raw.Sheets.TabPolicy)); err != nil {
		errs = append(errs, err)
	}
	if cfg.OpenPolicy, err = upsert.ParseOpenPolicy(envOrDefault("OPEN_POLICY", raw.Record.OpenPolicy)); err != nil {
		errs = append(errs, err)
	}
	if cfg.Identity, err = upsert.ParseIdentity(envOrDefault("IDENTITY", raw.Record.Identity)); err != nil {
		errs = append(errs, err)
	}
	if cfg.ClassifierPolicy, err = classify.ParsePolicy(envOrDefault("CLASSIFIER_POLICY", raw.Classifier.Policy)); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(envOrDefault("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that only make sense together.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Sink {
	case SinkSheets, SinkMemory:
	case SinkWebhook:
		if c.WebhookURL == "" {
			errs = append(errs, errors.New("sink webhook requires WEBHOOK_URL"))
		}
		if c.BackupLogPath == "" {
			errs = append(errs, errors.New("sink webhook requires a backup log"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q (want sheets, webhook or memory)", c.Sink))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.RecordTimeout <= 0 {
		errs = append(errs, errors.New("record timeout must be positive"))
	}
	if c.EarlyHitThreshold < 0 {
		errs = append(errs, errors.New("early-hit threshold must not be negative"))
	}
	return errors.Join(errs...)
}

// HasGoogleCredentials reports whether a service account is configured.
func (c *Config) HasGoogleCredentials() bool {
	return c.GoogleCredsJSON != "" || c.GoogleCredsFile != ""
}

// GoogleCredentials returns the service-account JSON, reading the file when
// only a path is configured.
func (c *Config) GoogleCredentials() ([]byte, error) {
	if c.GoogleCredsJSON != "" {
		return []byte(c.GoogleCredsJSON), nil
	}
	if c.GoogleCredsFile == "" {
		return nil, errors.New("no google credentials configured")
	}
	data, err := os.ReadFile(c.GoogleCredsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials %s: %w", c.GoogleCredsFile, err)
	}
	return data, nil
}

// ClassifierRules returns the built-in rules extended with the configured
// entries.
func (c *Config) ClassifierRules() classify.Rules {
	r := classify.DefaultRules()
	r.BotAgents = append(r.BotAgents, c.ExtraRules.BotAgents...)
	r.HumanAgents = append(r.HumanAgents, c.ExtraRules.HumanAgents...)
	r.ViaTokens = append(r.ViaTokens, c.ExtraRules.ViaTokens...)
	r.RefererTokens = append(r.RefererTokens, c.ExtraRules.RefererTokens...)
	r.ProxyCIDRs = append(r.ProxyCIDRs, c.ExtraRules.ProxyCIDRs...)
	return r
}

// Location returns the configured default timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envOrDefaultDuration accepts Go durations ("7s") and bare seconds ("300").
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, ok := parseDuration(v); ok {
			return d
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func yamlDuration(v string, fallback time.Duration) time.Duration {
	if d, ok := parseDuration(v); ok {
		return d
	}
	return fallback
}

func parseDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), true
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
