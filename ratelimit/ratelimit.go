// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit gates per-client publish and subscribe rates on the
// pub/sub engine.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// ClientRateLimiter manages token-bucket limiters per client id, one bucket
// for publishes and one for subscription changes.
type ClientRateLimiter struct {
	mu              sync.Mutex
	messageLimiters map[string]*rate.Limiter
	subLimiters     map[string]*rate.Limiter
	messageRate     rate.Limit
	messageBurst    int
	subRate         rate.Limit
	subBurst        int
}

// NewClientRateLimiter creates a new client-based rate limiter.
func NewClientRateLimiter(messageRate float64, messageBurst int, subRate float64, subBurst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		messageLimiters: make(map[string]*rate.Limiter),
		subLimiters:     make(map[string]*rate.Limiter),
		messageRate:     rate.Limit(messageRate),
		messageBurst:    messageBurst,
		subRate:         rate.Limit(subRate),
		subBurst:        subBurst,
	}
}

// AllowPublish checks if a publish from the given client is allowed.
func (l *ClientRateLimiter) AllowPublish(clientID string) bool {
	l.mu.Lock()
	limiter, exists := l.messageLimiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.messageRate, l.messageBurst)
		l.messageLimiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// AllowSubscribe checks if a subscription change from the given client is
// allowed.
func (l *ClientRateLimiter) AllowSubscribe(clientID string) bool {
	l.mu.Lock()
	limiter, exists := l.subLimiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.subRate, l.subBurst)
		l.subLimiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveClient drops the limiters of a departed client.
func (l *ClientRateLimiter) RemoveClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.messageLimiters, clientID)
	delete(l.subLimiters, clientID)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Message   MessageConfig   `yaml:"message"`
	Subscribe SubscribeConfig `yaml:"subscribe"`
}

// MessageConfig holds per-client publish rate limiting settings.
type MessageConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // publishes per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// SubscribeConfig holds per-client subscription rate limiting settings.
type SubscribeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // subscription changes per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Message: MessageConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: SubscribeConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
	}
}

// Manager applies the configuration on top of the limiters and implements the
// engine's RateLimiter interface.
type Manager struct {
	config   Config
	client   *ClientRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	var client *ClientRateLimiter
	if cfg.Message.Enabled || cfg.Subscribe.Enabled {
		client = NewClientRateLimiter(
			cfg.Message.Rate,
			cfg.Message.Burst,
			cfg.Subscribe.Rate,
			cfg.Subscribe.Burst,
		)
	}

	return &Manager{
		config: cfg,
		client: client,
	}
}

// AllowPublish checks if a publish from the given client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if m.disabled || m.client == nil || !m.config.Message.Enabled {
		return true
	}
	return m.client.AllowPublish(clientID)
}

// AllowSubscribe checks if a subscription change from the given client is
// allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m.disabled || m.client == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.client.AllowSubscribe(clientID)
}

// OnClientDisconnect cleans up limiters for a departed client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.disabled || m.client == nil {
		return
	}
	m.client.RemoveClient(clientID)
}
