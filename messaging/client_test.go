// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*ClientSubscriptions, *Subscription) {
	t.Helper()
	cs := NewClientSubscriptions("orders", "c1")
	sub := NewSubscription("s1", PolicyShared, TypeSubscriber, 0)
	require.True(t, sub.AddSubscriber("c1"))
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber, Policy: PolicyShared}
	require.True(t, cs.AddSubscription(sub, info))
	return cs, sub
}

func TestClientAddSubscriptionValidatesClient(t *testing.T) {
	cs := NewClientSubscriptions("orders", "c1")
	sub := NewSubscription("s1", PolicyShared, TypeSubscriber, 0)
	assert.False(t, cs.AddSubscription(sub, SubscriptionInfo{ClientID: "other", SubscriptionID: "s1"}))
}

func TestClientAssignAndAcknowledge(t *testing.T) {
	cs, _ := newTestClient(t)
	m := NewMessage("m1", "orders", []byte("payload"))
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber, Policy: PolicyShared}

	require.True(t, cs.AssignMessageToSubscription(m, info))
	assert.True(t, m.IsAssigned())
	assert.NotNil(t, m.AssignmentTime())
	assert.True(t, cs.HasNewMessages())

	got := cs.GetAssignedMessages()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)

	require.True(t, cs.AcknowledgeMessageReceipt(m))
	assert.True(t, m.EverAcknowledged())
	assert.False(t, m.hasHolders())
	assert.True(t, m.removable())
	assert.False(t, cs.HasNewMessages())
}

func TestClientAssignTypeMismatch(t *testing.T) {
	cs, _ := newTestClient(t)
	m := NewMessage("m1", "orders", nil)
	m.SubscriptionType = TypePublisher
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber}
	assert.False(t, cs.AssignMessageToSubscription(m, info))
}

func TestClientAssignUnknownSubscription(t *testing.T) {
	cs, _ := newTestClient(t)
	m := NewMessage("m1", "orders", nil)
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "nope", Type: TypeSubscriber}
	assert.False(t, cs.AssignMessageToSubscription(m, info))
}

func TestClientAnyDeliveryEarmarksRecipient(t *testing.T) {
	cs, _ := newTestClient(t)
	m := NewMessage("m1", "orders", nil)
	m.DeliveryOption = DeliverAny
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber, Policy: PolicyShared}

	require.True(t, cs.AssignMessageToSubscription(m, info))
	id, ok := m.firstRecipient()
	require.True(t, ok)
	assert.Equal(t, "s1", id)
}

func TestClientAllDeliveryDoesNotEarmark(t *testing.T) {
	cs, _ := newTestClient(t)
	m := NewMessage("m1", "orders", nil)
	m.DeliveryOption = DeliverAll
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber, Policy: PolicyShared}

	require.True(t, cs.AssignMessageToSubscription(m, info))
	_, ok := m.firstRecipient()
	assert.False(t, ok)
}

func TestClientRemoveLastSubscriptionDisposes(t *testing.T) {
	cs, _ := newTestClient(t)
	m := NewMessage("m1", "orders", nil)
	m.DeliveryOption = DeliverAny
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber, Policy: PolicyShared}
	require.True(t, cs.AssignMessageToSubscription(m, info))

	released, found, disposed := cs.RemoveSubscription(info)
	assert.True(t, found)
	assert.True(t, disposed)
	require.Len(t, released, 1)
	assert.Equal(t, "m1", released[0].ID)
	assert.False(t, m.hasHolders())
	assert.True(t, cs.Disposed())
}

func TestClientRemoveSubscriptionKeepsSiblingAssignments(t *testing.T) {
	cs, _ := newTestClient(t)
	sub2 := NewSubscription("s2", PolicyShared, TypeSubscriber, 0)
	require.True(t, sub2.AddSubscriber("c1"))
	info2 := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s2", Type: TypeSubscriber, Policy: PolicyShared}
	require.True(t, cs.AddSubscription(sub2, info2))

	m := NewMessage("m1", "orders", nil)
	m.DeliveryOption = DeliverAny
	require.True(t, cs.AssignMessageToSubscription(m, info2))

	// Removing s1 must not touch the message earmarked for s2.
	info1 := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber, Policy: PolicyShared}
	released, found, disposed := cs.RemoveSubscription(info1)
	assert.True(t, found)
	assert.False(t, disposed)
	assert.Empty(t, released)

	assert.True(t, m.hasHolders())
	got := cs.GetAssignedMessages()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)

	require.True(t, cs.AcknowledgeMessageReceipt(m))
	assert.True(t, m.EverAcknowledged())
}

func TestClientRemoveUnknownSubscriptionNotFound(t *testing.T) {
	cs, _ := newTestClient(t)
	_, found, disposed := cs.RemoveSubscription(SubscriptionInfo{
		ClientID: "c1", SubscriptionID: "nope", Type: TypeSubscriber, Policy: PolicyShared,
	})
	assert.False(t, found)
	assert.False(t, disposed)
	assert.False(t, cs.Disposed())
}

func TestClientNeverAcknowledged(t *testing.T) {
	cs, _ := newTestClient(t)
	m := NewMessage("m1", "orders", nil)
	info := SubscriptionInfo{ClientID: "c1", SubscriptionID: "s1", Type: TypeSubscriber, Policy: PolicyShared}
	require.True(t, cs.AssignMessageToSubscription(m, info))

	assert.Empty(t, cs.GetNeverAcknowledgedMessages(time.Minute))

	past := time.Now().Add(-time.Minute)
	m.assignmentTime = &past
	stale := cs.GetNeverAcknowledgedMessages(10 * time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, "m1", stale[0].ID)
}

func TestClientActivityPredicates(t *testing.T) {
	cs, _ := newTestClient(t)
	assert.True(t, cs.IsActive(30*time.Second))

	// Polling refreshes pollTime but not updateTime.
	cs.mu.Lock()
	cs.updateTime = time.Now().Add(-time.Minute)
	cs.lastActivity = time.Now().Add(-time.Minute)
	cs.mu.Unlock()
	assert.False(t, cs.IsActive(30*time.Second))

	cs.GetAssignedMessages()
	assert.True(t, cs.IsActive(30*time.Second))
	assert.True(t, cs.HasPollingOnlyActivityPerformed(30*time.Second))

	cs.RefreshSubscriptions()
	assert.True(t, cs.IsActive(30*time.Second))
}

func TestClientRoundRobinOverSubscriptions(t *testing.T) {
	cs, _ := newTestClient(t)
	sub2 := NewSubscription("s2", PolicyShared, TypeSubscriber, 0)
	require.True(t, sub2.AddSubscriber("c1"))
	require.True(t, cs.AddSubscription(sub2, SubscriptionInfo{ClientID: "c1", SubscriptionID: "s2", Type: TypeSubscriber, Policy: PolicyShared}))

	seen := make(map[string]int)
	for i := 0; i < 2; i++ {
		info, ok := cs.GetNextAvailableSubscription(TypeSubscriber)
		require.True(t, ok)
		seen[info.SubscriptionID]++
	}
	assert.Equal(t, map[string]int{"s1": 1, "s2": 1}, seen)
}
