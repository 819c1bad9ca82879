// Package config loads service configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Payments PaymentsConfig `yaml:"payments"`
	Trust    TrustConfig    `yaml:"trust"`
	Worker   WorkerConfig   `yaml:"worker"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
}

type PaymentsConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type TrustConfig struct {
	MinInstantTier          string `yaml:"min_instant_tier"`
	MinSensitiveInstantTier string `yaml:"min_sensitive_instant_tier"`
	AcceptRateLimit         int    `yaml:"accept_rate_limit_per_minute"`
}

type WorkerConfig struct {
	JobTimeoutSeconds       int `yaml:"job_timeout_seconds"`
	StuckTimeoutMinutes     int `yaml:"stuck_timeout_minutes"`
	RecoveryIntervalMinutes int `yaml:"recovery_interval_minutes"`
}

type NotifyConfig struct {
	CloudTasksEnabled bool   `yaml:"cloud_tasks_enabled"`
	ProjectID         string `yaml:"project_id"`
	LocationID        string `yaml:"location_id"`
	QueueID           string `yaml:"queue_id"`
	FallbackWorkers   int    `yaml:"fallback_workers"`
}

// Load reads the YAML config and applies env overrides. A missing file
// is not an error; env-only deployments are supported.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	overrideString(&cfg.Server.Port, "PORT")
	overrideString(&cfg.Server.Env, "HX_ENV")
	overrideString(&cfg.Database.URL, "DATABASE_URL")
	overrideString(&cfg.Redis.Addr, "REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideInt(&cfg.Redis.DB, "REDIS_DB")
	overrideString(&cfg.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	overrideString(&cfg.Payments.BaseURL, "PAYMENTS_BASE_URL")
	overrideString(&cfg.Payments.APIKey, "PAYMENTS_API_KEY")
	overrideString(&cfg.Payments.WebhookSecret, "PAYMENTS_WEBHOOK_SECRET")
	overrideString(&cfg.Notify.ProjectID, "CLOUD_TASKS_PROJECT_ID")
	overrideString(&cfg.Notify.LocationID, "CLOUD_TASKS_LOCATION_ID")
	overrideString(&cfg.Notify.QueueID, "CLOUD_TASKS_QUEUE_ID")

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Trust: TrustConfig{
			MinInstantTier:          "VERIFIED",
			MinSensitiveInstantTier: "TRUSTED",
			AcceptRateLimit:         10,
		},
		Worker: WorkerConfig{
			JobTimeoutSeconds:       30,
			StuckTimeoutMinutes:     10,
			RecoveryIntervalMinutes: 1,
		},
		Notify: NotifyConfig{FallbackWorkers: 4},
	}
}

// JobTimeout returns the per-job timeout as a duration.
func (w WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutSeconds) * time.Second
}

// StuckTimeout returns the stuck-claim recovery cutoff as a duration.
func (w WorkerConfig) StuckTimeout() time.Duration {
	return time.Duration(w.StuckTimeoutMinutes) * time.Minute
}

// RecoveryInterval returns the recovery sweep period as a duration.
func (w WorkerConfig) RecoveryInterval() time.Duration {
	return time.Duration(w.RecoveryIntervalMinutes) * time.Minute
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
