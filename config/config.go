// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/cachemq/messaging"
	"github.com/absmach/cachemq/ratelimit"
	"github.com/absmach/cachemq/webhook"
)

// Config holds all configuration for the messaging node.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Messaging MessagingConfig  `yaml:"messaging"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Webhook   webhook.Config   `yaml:"webhook"`
}

// ServerConfig holds node identity and serving endpoints.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// MessagingConfig holds the engine's timing knobs.
type MessagingConfig struct {
	AssignmentTimeout       time.Duration `yaml:"assignment_timeout"`
	RevokeInterval          time.Duration `yaml:"revoke_interval"`
	AssignmentBatch         int           `yaml:"assignment_batch"`
	IdleWait                time.Duration `yaml:"idle_wait"`
	NotificationInterval    time.Duration `yaml:"notification_interval"`
	ExpirationInterval      time.Duration `yaml:"expiration_interval"`
	ClientIdleTimeout       time.Duration `yaml:"client_idle_timeout"`
	InactiveClientThreshold time.Duration `yaml:"inactive_client_threshold"`
}

// Options converts the section into engine options.
func (c MessagingConfig) Options() messaging.Options {
	return messaging.Options{
		AssignmentTimeout:       c.AssignmentTimeout,
		RevokeInterval:          c.RevokeInterval,
		AssignmentBatch:         c.AssignmentBatch,
		IdleWait:                c.IdleWait,
		NotificationInterval:    c.NotificationInterval,
		ExpirationInterval:      c.ExpirationInterval,
		ClientIdleTimeout:       c.ClientIdleTimeout,
		InactiveClientThreshold: c.InactiveClientThreshold,
	}
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds snapshot store backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	opts := messaging.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			NodeID:          "node-1",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:    "cachemq",
			OtelServiceVersion: "1.0.0",
		},
		Messaging: MessagingConfig{
			AssignmentTimeout:       opts.AssignmentTimeout,
			RevokeInterval:          opts.RevokeInterval,
			AssignmentBatch:         opts.AssignmentBatch,
			IdleWait:                opts.IdleWait,
			NotificationInterval:    opts.NotificationInterval,
			ExpirationInterval:      opts.ExpirationInterval,
			ClientIdleTimeout:       opts.ClientIdleTimeout,
			InactiveClientThreshold: opts.InactiveClientThreshold,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/cachemq/data",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook:   webhook.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id cannot be empty")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.MetricsAddr == "" {
			return fmt.Errorf("server.metrics_addr required when metrics are enabled")
		}
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
	}

	if c.Messaging.AssignmentTimeout < time.Second {
		return fmt.Errorf("messaging.assignment_timeout must be at least 1 second")
	}
	if c.Messaging.RevokeInterval < time.Second {
		return fmt.Errorf("messaging.revoke_interval must be at least 1 second")
	}
	if c.Messaging.AssignmentBatch < 1 {
		return fmt.Errorf("messaging.assignment_batch must be at least 1")
	}
	if c.Messaging.NotificationInterval < 10*time.Millisecond {
		return fmt.Errorf("messaging.notification_interval must be at least 10ms")
	}
	if c.Messaging.InactiveClientThreshold < c.Messaging.ClientIdleTimeout {
		return fmt.Errorf("messaging.inactive_client_threshold must not be below messaging.client_idle_timeout")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Message.Enabled && (c.RateLimit.Message.Rate <= 0 || c.RateLimit.Message.Burst < 1) {
			return fmt.Errorf("rate_limit.message rate must be positive and burst at least 1")
		}
		if c.RateLimit.Subscribe.Enabled && (c.RateLimit.Subscribe.Rate <= 0 || c.RateLimit.Subscribe.Burst < 1) {
			return fmt.Errorf("rate_limit.subscribe rate must be positive and burst at least 1")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
