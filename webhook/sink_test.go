// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	events []Event
}

func (n *captureNotifier) Notify(_ context.Context, ev Event) error {
	n.events = append(n.events, ev)
	return nil
}

func (n *captureNotifier) Close() error { return nil }

func TestEngineSinkForwardsEvents(t *testing.T) {
	n := &captureNotifier{}
	sink := NewEngineSink(n)

	sink.TopicCreated("orders")
	sink.MessagePublished("orders", "m1")
	sink.MessageDelivered("orders", "m1")
	sink.MessageExpired("orders", "m2")
	sink.DeliveryFailed("orders", "m3")
	sink.TopicRemoved("orders")

	require.Len(t, n.events, 6)
	assert.Equal(t, EventTopicCreated, n.events[0].Type)
	assert.Equal(t, EventMessagePublished, n.events[1].Type)
	assert.Equal(t, "m1", n.events[1].MessageID)
	assert.Equal(t, EventMessageDelivered, n.events[2].Type)
	assert.Equal(t, EventMessageExpired, n.events[3].Type)
	assert.Equal(t, EventDeliveryFailed, n.events[4].Type)
	assert.Equal(t, "m3", n.events[4].MessageID)
	assert.Equal(t, EventTopicRemoved, n.events[5].Type)

	for _, ev := range n.events {
		assert.Equal(t, "orders", ev.Topic)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}
