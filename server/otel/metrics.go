// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/absmach/cachemq/messaging"
)

var _ messaging.StatsSink = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the messaging engine.
// It implements the engine's stats sink so the instruments are fed directly
// from the delivery path.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPublished metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesExpired   metric.Int64Counter
	messagesEvicted   metric.Int64Counter

	// Observable gauges
	topicCount metric.Int64ObservableGauge
	storeSize  metric.Int64ObservableGauge

	topics atomic.Int64
	size   atomic.Int64
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("cachemq"),
	}

	var err error

	m.messagesPublished, err = m.meter.Int64Counter(
		"messaging.messages.published.total",
		metric.WithDescription("Total messages accepted into topic stores"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"messaging.messages.delivered.total",
		metric.WithDescription("Total messages acknowledged by every recipient"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"messaging.messages.expired.total",
		metric.WithDescription("Total messages removed by the expiration sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.messagesEvicted, err = m.meter.Int64Counter(
		"messaging.messages.evicted.total",
		metric.WithDescription("Total messages removed under size pressure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesEvicted counter: %w", err)
	}

	m.topicCount, err = m.meter.Int64ObservableGauge(
		"messaging.topics.current",
		metric.WithDescription("Current number of topics"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.topics.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create topicCount gauge: %w", err)
	}

	m.storeSize, err = m.meter.Int64ObservableGauge(
		"messaging.store.size.bytes",
		metric.WithDescription("Current size of all topic stores"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.size.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storeSize gauge: %w", err)
	}

	return m, nil
}

// MessagePublished records messages accepted into topic stores.
func (m *Metrics) MessagePublished(n int64) {
	m.messagesPublished.Add(context.Background(), n)
}

// MessageDelivered records fully acknowledged messages.
func (m *Metrics) MessageDelivered(n int64) {
	m.messagesDelivered.Add(context.Background(), n)
}

// MessageExpired records messages removed by the expiration sweep.
func (m *Metrics) MessageExpired(n int64) {
	m.messagesExpired.Add(context.Background(), n)
}

// MessageEvicted records messages removed under size pressure.
func (m *Metrics) MessageEvicted(n int64) {
	m.messagesEvicted.Add(context.Background(), n)
}

// TopicCount updates the topic gauge.
func (m *Metrics) TopicCount(n int64) {
	m.topics.Store(n)
}

// StoreSize updates the store size gauge.
func (m *Metrics) StoreSize(bytes int64) {
	m.size.Store(bytes)
}
