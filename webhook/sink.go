// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"

	"github.com/absmach/cachemq/messaging"
)

var _ messaging.EventSink = (*EngineSink)(nil)

// EngineSink adapts the engine's event callbacks to webhook notifications.
// Notify is non-blocking, so the engine's delivery path is never held up by a
// slow endpoint.
type EngineSink struct {
	notifier Notifier
}

// NewEngineSink wraps a notifier as an engine event sink.
func NewEngineSink(n Notifier) *EngineSink {
	return &EngineSink{notifier: n}
}

func (s *EngineSink) TopicCreated(topic string) {
	_ = s.notifier.Notify(context.Background(), NewEvent(EventTopicCreated, topic, "", ""))
}

func (s *EngineSink) TopicRemoved(topic string) {
	_ = s.notifier.Notify(context.Background(), NewEvent(EventTopicRemoved, topic, "", ""))
}

func (s *EngineSink) MessagePublished(topic, messageID string) {
	_ = s.notifier.Notify(context.Background(), NewEvent(EventMessagePublished, topic, messageID, ""))
}

func (s *EngineSink) MessageDelivered(topic, messageID string) {
	_ = s.notifier.Notify(context.Background(), NewEvent(EventMessageDelivered, topic, messageID, ""))
}

func (s *EngineSink) MessageExpired(topic, messageID string) {
	_ = s.notifier.Notify(context.Background(), NewEvent(EventMessageExpired, topic, messageID, ""))
}

func (s *EngineSink) DeliveryFailed(topic, messageID string) {
	_ = s.notifier.Notify(context.Background(), NewEvent(EventDeliveryFailed, topic, messageID, ""))
}
