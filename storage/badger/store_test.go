// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/cachemq/messaging"
	"github.com/absmach/cachemq/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEnvelope(id, topic string) *messaging.TransferableMessage {
	return &messaging.TransferableMessage{
		Message: messaging.MessageEnvelope{
			ID:               id,
			Topic:            topic,
			Payload:          []byte("payload"),
			CreationTime:     time.Now().UTC().Truncate(time.Millisecond),
			DeliveryOption:   messaging.DeliverAll,
			SubscriptionType: messaging.TypeSubscriber,
			NotifyOnFailure:  true,
			TTL:              time.Minute,
		},
		SubscribedClients: []string{"c1", "c2"},
	}
}

func TestTopicsStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadTopicsState()
	require.ErrorIs(t, err, storage.ErrNotFound)

	want := messaging.TopicsState{
		Topics: []messaging.TopicState{
			{
				Name: "orders",
				Clients: map[string][]messaging.SubscriptionRecord{
					"c1": {
						{SubscriptionID: "s1", Type: messaging.TypeSubscriber, Policy: messaging.PolicyExclusive},
					},
				},
			},
		},
	}
	require.NoError(t, s.SaveTopicsState(want))

	got, err := s.LoadTopicsState()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := sampleEnvelope("m1", "orders")
	require.NoError(t, s.SaveMessage("orders", want))
	require.NoError(t, s.SaveMessage("orders", sampleEnvelope("m2", "orders")))
	require.NoError(t, s.SaveMessage("billing", sampleEnvelope("m3", "billing")))

	msgs, err := s.LoadMessages("orders")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	ids := map[string]*messaging.TransferableMessage{}
	for _, m := range msgs {
		ids[m.Message.ID] = m
	}
	require.Contains(t, ids, "m1")
	assert.Equal(t, want, ids["m1"])
}

func TestDeleteMessage(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveMessage("orders", sampleEnvelope("m1", "orders")))
	require.NoError(t, s.DeleteMessage("orders", "m1"))

	msgs, err := s.LoadMessages("orders")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Deleting a missing key is not an error.
	require.NoError(t, s.DeleteMessage("orders", "m1"))
}

func TestDeleteTopic(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveMessage("orders", sampleEnvelope("m1", "orders")))
	require.NoError(t, s.SaveMessage("orders", sampleEnvelope("m2", "orders")))
	require.NoError(t, s.SaveMessage("billing", sampleEnvelope("m3", "billing")))

	require.NoError(t, s.DeleteTopic("orders"))

	msgs, err := s.LoadMessages("orders")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = s.LoadMessages("billing")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage("orders", sampleEnvelope("m1", "orders")))
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	msgs, err := s.LoadMessages("orders")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].Message.ID)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var state messaging.TopicsState
	err := decode([]byte("not s2 data"), &state)
	require.ErrorIs(t, err, storage.ErrCorrupted)
}
