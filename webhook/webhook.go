// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook raises pub/sub engine events to external HTTP endpoints,
// best-effort: a failing endpoint never blocks or fails the engine operation
// that produced the event.
package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types raised by the engine.
const (
	EventMessagePublished = "message.published"
	EventMessageDelivered = "message.delivered"
	EventMessageExpired   = "message.expired"
	EventDeliveryFailed   = "message.delivery_failed"
	EventTopicCreated     = "topic.created"
	EventTopicRemoved     = "topic.removed"
)

// Event is one engine occurrence delivered to endpoints.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event with a generated id and the current timestamp.
func NewEvent(eventType, topic, messageID, clientID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Topic:     topic,
		MessageID: messageID,
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
	}
}

// Envelope wraps an event with the emitting node's identity.
type Envelope struct {
	NodeID string `json:"node_id"`
	Event  Event  `json:"event"`
}

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery (non-blocking).
	Notify(ctx context.Context, event Event) error

	// Close gracefully shuts down, flushing pending events.
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// RetryConfig controls per-endpoint delivery retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// BreakerConfig controls the per-endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// EndpointConfig describes one webhook destination.
type EndpointConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"`
	Topics  []string          `yaml:"topics"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Retry   *RetryConfig      `yaml:"retry"`
}

// Defaults are applied to endpoints that omit their own settings.
type Defaults struct {
	Timeout        time.Duration `yaml:"timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// Config holds the notifier configuration.
type Config struct {
	Enabled         bool             `yaml:"enabled"`
	Workers         int              `yaml:"workers"`
	QueueSize       int              `yaml:"queue_size"`
	DropPolicy      string           `yaml:"drop_policy"` // "oldest" or "newest"
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`
	Defaults        Defaults         `yaml:"defaults"`
}

// DefaultConfig returns the stock notifier settings.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Workers:         2,
		QueueSize:       1024,
		DropPolicy:      "newest",
		ShutdownTimeout: 5 * time.Second,
		Defaults: Defaults{
			Timeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2,
			},
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
	}
}
