/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the service configuration from a YAML file.
// ${ENV_VAR} references are substituted before parsing so secrets stay out
// of the file, then the result is validated as a whole. Loading fails fast
// on a missing file or an invalid value.
package config

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields written as "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Health   HealthConfig   `yaml:"health"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Archival ArchivalConfig `yaml:"archival"`
	Alerting AlertingConfig `yaml:"alerting"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the postgres connection.
type DatabaseConfig struct {
	URL             string   `yaml:"url" validate:"required"`
	MaxOpenConns    int      `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int      `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// RedisConfig configures the DLQ queue backend.
type RedisConfig struct {
	Address     string   `yaml:"address" validate:"required"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db" validate:"min=0"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// HealthConfig configures the destination health tracker and monitor.
type HealthConfig struct {
	UnhealthyThreshold      int      `yaml:"unhealthy_threshold" validate:"min=1"`
	DegradedThreshold       int      `yaml:"degraded_threshold" validate:"min=1"`
	MinSuccessRate          float64  `yaml:"min_success_rate" validate:"min=0,max=100"`
	MinDeliveriesForRate    int64    `yaml:"min_deliveries_for_rate" validate:"min=1"`
	DisableThreshold        int      `yaml:"disable_threshold" validate:"min=1"`
	CircuitBreakerThreshold int      `yaml:"circuit_breaker_threshold" validate:"min=1"`
	CircuitBreakerTimeout   Duration `yaml:"circuit_breaker_timeout"`
	HalfOpenMaxAttempts     int      `yaml:"half_open_max_attempts" validate:"min=1"`
	MonitorInterval         Duration `yaml:"monitor_interval"`
}

// DLQConfig configures the dead-letter queue and its worker.
type DLQConfig struct {
	QueueName        string   `yaml:"queue_name"`
	AlertThreshold   int      `yaml:"alert_threshold" validate:"min=1"`
	AlertCooldown    Duration `yaml:"alert_cooldown"`
	MaxRetentionDays int      `yaml:"max_retention_days" validate:"min=1"`
	ArchiveAfterDays int      `yaml:"archive_after_days" validate:"min=0"`
	WorkerInterval   Duration `yaml:"worker_interval"`
}

// PolicyConfig is an inline retention policy seeded at startup.
type PolicyConfig struct {
	Name               string `yaml:"name" validate:"required"`
	DataClassification string `yaml:"data_classification" validate:"required"`
	ArchiveAfterDays   int    `yaml:"archive_after_days" validate:"min=1"`
	DeleteAfterDays    *int   `yaml:"delete_after_days"`
	Enabled            bool   `yaml:"enabled"`
}

// ArchivalConfig configures the archival engine.
type ArchivalConfig struct {
	Format           string         `yaml:"format" validate:"oneof=json jsonl"`
	Compression      string         `yaml:"compression" validate:"oneof=gzip deflate none"`
	CompressionLevel *int           `yaml:"compression_level"`
	VerifyIntegrity  bool           `yaml:"verify_integrity"`
	BatchSize        int            `yaml:"batch_size" validate:"min=1"`
	Policies         []PolicyConfig `yaml:"policies" validate:"dive"`
}

// AlertingConfig configures DLQ alert sinks.
type AlertingConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	WebhookURL      string `yaml:"webhook_url"`
	CredentialsDir  string `yaml:"credentials_dir"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, substitutes, parses, defaults, and validates the file at
// path. A missing file is an error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	substituted := envRefPattern.ReplaceAllStringFunc(string(raw), func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(substituted), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(30 * time.Second)
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = Duration(30 * time.Minute)
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = Duration(5 * time.Second)
	}

	if c.Health.UnhealthyThreshold == 0 {
		c.Health.UnhealthyThreshold = 5
	}
	if c.Health.DegradedThreshold == 0 {
		c.Health.DegradedThreshold = 2
	}
	if c.Health.MinSuccessRate == 0 {
		c.Health.MinSuccessRate = 80
	}
	if c.Health.MinDeliveriesForRate == 0 {
		c.Health.MinDeliveriesForRate = 10
	}
	if c.Health.DisableThreshold == 0 {
		c.Health.DisableThreshold = 10
	}
	if c.Health.CircuitBreakerThreshold == 0 {
		c.Health.CircuitBreakerThreshold = 5
	}
	if c.Health.CircuitBreakerTimeout == 0 {
		c.Health.CircuitBreakerTimeout = Duration(300 * time.Second)
	}
	if c.Health.HalfOpenMaxAttempts == 0 {
		c.Health.HalfOpenMaxAttempts = 2
	}
	if c.Health.MonitorInterval == 0 {
		c.Health.MonitorInterval = Duration(300 * time.Second)
	}

	if c.DLQ.QueueName == "" {
		c.DLQ.QueueName = "audit-dlq"
	}
	if c.DLQ.AlertThreshold == 0 {
		c.DLQ.AlertThreshold = 10
	}
	if c.DLQ.AlertCooldown == 0 {
		c.DLQ.AlertCooldown = Duration(300 * time.Second)
	}
	if c.DLQ.MaxRetentionDays == 0 {
		c.DLQ.MaxRetentionDays = 90
	}
	if c.DLQ.WorkerInterval == 0 {
		c.DLQ.WorkerInterval = Duration(time.Hour)
	}

	if c.Archival.Format == "" {
		c.Archival.Format = "json"
	}
	if c.Archival.Compression == "" {
		c.Archival.Compression = "gzip"
	}
	if c.Archival.CompressionLevel == nil {
		level := 6
		c.Archival.CompressionLevel = &level
	}
	if c.Archival.BatchSize == 0 {
		c.Archival.BatchSize = 1000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks field tags, then the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if c.Health.DegradedThreshold > c.Health.UnhealthyThreshold {
		return fmt.Errorf("validate config: health.degraded_threshold %d exceeds health.unhealthy_threshold %d",
			c.Health.DegradedThreshold, c.Health.UnhealthyThreshold)
	}

	if err := c.Archival.validateCompressionLevel(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	for _, p := range c.Archival.Policies {
		if p.DeleteAfterDays != nil && *p.DeleteAfterDays < p.ArchiveAfterDays {
			return fmt.Errorf("validate config: policy %q: delete_after_days %d is less than archive_after_days %d",
				p.Name, *p.DeleteAfterDays, p.ArchiveAfterDays)
		}
	}
	return nil
}

// The archive codec only accepts levels 0-9; gzip's -1 alias for the
// default is rejected here so an invalid level never reaches the engine.
func (a ArchivalConfig) validateCompressionLevel() error {
	if a.CompressionLevel == nil {
		return nil
	}
	level := *a.CompressionLevel
	switch a.Compression {
	case "gzip":
		if level < gzip.NoCompression || level > gzip.BestCompression {
			return fmt.Errorf("archival.compression_level %d out of range for gzip", level)
		}
	case "deflate":
		if level < flate.NoCompression || level > flate.BestCompression {
			return fmt.Errorf("archival.compression_level %d out of range for deflate", level)
		}
	}
	return nil
}
