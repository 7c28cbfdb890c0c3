// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

// TopicStats is a point-in-time snapshot of one topic's counters, exposed
// through the stats endpoint and the engine's aggregate query.
type TopicStats struct {
	Topic        string `json:"topic"`
	MessageCount int64  `json:"message_count"`
	Size         int64  `json:"size"`

	// SubscriberCount counts clients consuming ordinary messages;
	// PublisherCount counts clients consuming delivery-failure notifications.
	SubscriberCount int `json:"subscriber_count"`
	PublisherCount  int `json:"publisher_count"`

	SharedSubscriptions    int `json:"shared_subscriptions"`
	ExclusiveSubscriptions int `json:"exclusive_subscriptions"`
	EventSubscriptions     int `json:"event_subscriptions"`
}
