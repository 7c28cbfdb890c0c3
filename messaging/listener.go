// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

// EventType classifies poll notifications raised to the surrounding cache.
type EventType uint8

const (
	EventTypePubSub EventType = iota
)

// PollNotifyCode is the callback code carried by pub/sub poll notifications.
const PollNotifyCode = 11

// TopicListener receives topic lifecycle callbacks. The engine registers
// itself so that new work wakes the assignment loop immediately instead of
// waiting out the idle interval.
type TopicListener interface {
	OnMessageArrived(topic string)
	OnSubscriptionCreated(topic string)
	OnSubscriptionRemoved(topic string)
	OnMessageDelivered(topic string)
}

// PollListener is the cache-wide event capability the notification loop uses
// to tell a client it has newly assigned messages waiting. The payload itself
// is fetched by the client's own poll call.
type PollListener interface {
	OnPollNotify(clientID string, code int, event EventType)
}

// EventSink receives engine lifecycle events for outbound integrations such
// as webhook delivery. Callbacks are best-effort and must not block.
type EventSink interface {
	TopicCreated(topic string)
	TopicRemoved(topic string)
	MessagePublished(topic, messageID string)
	MessageDelivered(topic, messageID string)
	MessageExpired(topic, messageID string)
	DeliveryFailed(topic, messageID string)
}

// StatsSink receives best-effort engine counters. Implementations must never
// fail the calling operation.
type StatsSink interface {
	MessagePublished(n int64)
	MessageDelivered(n int64)
	MessageExpired(n int64)
	MessageEvicted(n int64)
	TopicCount(n int64)
	StoreSize(bytes int64)
}

// NopStatsSink discards all counters.
type NopStatsSink struct{}

func (NopStatsSink) MessagePublished(int64) {}
func (NopStatsSink) MessageDelivered(int64) {}
func (NopStatsSink) MessageExpired(int64)   {}
func (NopStatsSink) MessageEvicted(int64)   {}
func (NopStatsSink) TopicCount(int64)       {}
func (NopStatsSink) StoreSize(int64)        {}

// OpContext is threaded through engine calls for cross-cutting concerns.
type OpContext struct {
	// Replicated marks an operation replayed from another node. Duplicate
	// message ids are idempotently ignored under replication.
	Replicated bool
	// ClientID identifies the originating client, used for rate limiting.
	ClientID string
}
