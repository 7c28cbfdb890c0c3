// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"sync"
	"time"
)

// Topic owns every message published to one named channel: the id-indexed,
// insertion-ordered store, the unassigned/undelivered/delivered queues, the
// expiration index, the subscription slots and the per-client aggregates. One
// lock guards all of it; cross-object calls take the Topic lock first, then
// the ClientSubscriptions lock.
type Topic struct {
	mu sync.Mutex

	name string

	// store keeps live messages in insertion order for the eviction walk.
	store *messageQueue

	unassigned  *messageQueue
	undelivered *messageQueue
	delivered   *messageQueue

	expiration *expirationIndex

	subscriptions map[SubscriptionKey]*Subscription
	clients       map[string]*ClientSubscriptions
	balancer      *roundRobin[string]

	count int64
	size  int64

	listener TopicListener
}

// NewTopic creates an empty topic. The listener may be nil.
func NewTopic(name string, listener TopicListener) *Topic {
	return &Topic{
		name:          name,
		store:         newMessageQueue(),
		unassigned:    newMessageQueue(),
		undelivered:   newMessageQueue(),
		delivered:     newMessageQueue(),
		expiration:    newExpirationIndex(),
		subscriptions: make(map[SubscriptionKey]*Subscription),
		clients:       make(map[string]*ClientSubscriptions),
		balancer:      newRoundRobin[string](),
		listener:      listener,
	}
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Count returns the number of live messages.
func (t *Topic) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Size returns the accounted size of live messages.
func (t *Topic) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// CreateSubscription registers the subscription slot and connects the client
// to it, creating the client aggregate on first use.
func (t *Topic) CreateSubscription(info SubscriptionInfo) error {
	t.mu.Lock()
	key := info.Key()
	sub, ok := t.subscriptions[key]
	if !ok {
		sub = NewSubscription(info.SubscriptionID, info.Policy, info.Type, info.Expiration)
		t.subscriptions[key] = sub
	}
	if !sub.AddSubscriber(info.ClientID) {
		if !ok {
			delete(t.subscriptions, key)
		}
		t.mu.Unlock()
		return ErrSubscriptionOccupied
	}
	cs, ok := t.clients[info.ClientID]
	if !ok || cs.Disposed() {
		cs = NewClientSubscriptions(t.name, info.ClientID)
		t.clients[info.ClientID] = cs
		t.balancer.Add(info.ClientID)
	}
	cs.AddSubscription(sub, info)
	t.mu.Unlock()

	if t.listener != nil {
		t.listener.OnSubscriptionCreated(t.name)
	}
	return nil
}

// RemoveSubscription disconnects the client from the slot, releases any
// messages it held under it, and tears down the client aggregate if no
// subscriptions remain.
func (t *Topic) RemoveSubscription(info SubscriptionInfo) bool {
	t.mu.Lock()
	cs, ok := t.clients[info.ClientID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	released, found, disposed := cs.RemoveSubscription(info)
	if !found {
		t.mu.Unlock()
		return false
	}
	if sub, ok := t.subscriptions[info.Key()]; ok {
		sub.Remove(info.ClientID)
		if !sub.IsActive() {
			delete(t.subscriptions, info.Key())
		}
	}
	var deliveredNow bool
	for _, m := range released {
		if t.requeMessage(m) {
			deliveredNow = true
		}
	}
	if disposed {
		delete(t.clients, info.ClientID)
		t.balancer.Remove(info.ClientID)
	}
	t.mu.Unlock()

	if t.listener != nil {
		if deliveredNow {
			t.listener.OnMessageDelivered(t.name)
		}
		t.listener.OnSubscriptionRemoved(t.name)
	}
	return true
}

// RefreshSubscription is the keep-alive touch for poll-only clients.
func (t *Topic) RefreshSubscription(info SubscriptionInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.clients[info.ClientID]
	if !ok {
		return false
	}
	cs.RefreshSubscriptions()
	if sub, ok := t.subscriptions[info.Key()]; ok {
		sub.Refresh()
	}
	return true
}

// StoreMessage inserts the message into the store and the pending queue
// matching its type. Duplicate ids fail unless the operation is a replication
// replay, which ignores them idempotently. Reserved system topics reject the
// store while no client subscribes, since their messages are pure fan-out.
func (t *Topic) StoreMessage(m *Message, ctx OpContext) error {
	t.mu.Lock()
	if t.store.Contains(m.ID) {
		t.mu.Unlock()
		if ctx.Replicated {
			return nil
		}
		return ErrMessageExists
	}
	if IsReservedTopic(t.name) && !t.hasMessageSubscribersLocked() {
		t.mu.Unlock()
		return ErrNoSubscribers
	}
	t.store.Enqueue(m)
	if m.SubscriptionType == TypePublisher {
		t.undelivered.Enqueue(m)
	} else {
		t.unassigned.Enqueue(m)
	}
	m.initExpiration()
	if m.AbsoluteExpiry != nil {
		t.expiration.Add(m.ID, *m.AbsoluteExpiry)
	}
	t.count++
	t.size += m.Size()
	t.mu.Unlock()

	if t.listener != nil {
		t.listener.OnMessageArrived(t.name)
	}
	return nil
}

func (t *Topic) hasMessageSubscribersLocked() bool {
	for _, cs := range t.clients {
		if cs.HasMessageSubscriptions() {
			return true
		}
	}
	return false
}

// HasMessageSubscribers reports whether any client consumes ordinary messages.
func (t *Topic) HasMessageSubscribers() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMessageSubscribersLocked()
}

// HasDeliverySubscribers reports whether any client consumes delivery-failure
// notifications.
func (t *Topic) HasDeliverySubscribers() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cs := range t.clients {
		if cs.HasDeliverySubscriptions() {
			return true
		}
	}
	return false
}

// GetNextUnassignedMessage peeks the head of the unassigned queue without
// dequeuing it; the dequeue happens only on confirmed assignment, so a failed
// assignment leaves the message in place.
func (t *Topic) GetNextUnassignedMessage() (MessageInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.unassigned.Peek()
	if !ok {
		return MessageInfo{}, false
	}
	return t.infoLocked(m), true
}

// GetNextUndeliveredMessage peeks the head of the notification-pending queue.
func (t *Topic) GetNextUndeliveredMessage() (MessageInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.undelivered.Peek()
	if !ok {
		return MessageInfo{}, false
	}
	return t.infoLocked(m), true
}

func (t *Topic) infoLocked(m *Message) MessageInfo {
	return MessageInfo{
		ID:              m.ID,
		Topic:           t.name,
		DeliveryOption:  m.DeliveryOption,
		NotifyOnFailure: m.NotifyOnFailure,
	}
}

// GetSubscriber round-robin picks the next client holding an active
// subscription of the requested type and returns the subscription to assign
// to.
func (t *Topic) GetSubscriber(typ SubscriptionType) (SubscriptionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getSubscriberLocked(typ)
}

func (t *Topic) getSubscriberLocked(typ SubscriptionType) (SubscriptionInfo, bool) {
	for i := 0; i < t.balancer.Len(); i++ {
		clientID, ok := t.balancer.Next()
		if !ok {
			break
		}
		cs, ok := t.clients[clientID]
		if !ok {
			continue
		}
		if info, ok := cs.GetNextAvailableSubscription(typ); ok {
			return info, true
		}
	}
	return SubscriptionInfo{}, false
}

// GetAllSubscribers returns one subscription per client holding an active
// subscription of the requested type.
func (t *Topic) GetAllSubscribers(typ SubscriptionType) []SubscriptionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []SubscriptionInfo
	for _, cs := range t.clients {
		if info, ok := cs.GetNextAvailableSubscription(typ); ok {
			out = append(out, info)
		}
	}
	return out
}

// AssignSubscription binds the message to a subscription. A non-empty
// SubscriptionID targets that one client (the DeliverAny and Publisher
// cases); an empty one fans the message out to every active message
// subscriber (DeliverAll and the reserved event topics). On any success the
// message leaves its pending queue.
func (t *Topic) AssignSubscription(mi MessageInfo, si SubscriptionInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.store.Get(mi.ID)
	if !ok {
		return false
	}

	assigned := false
	if si.SubscriptionID != "" {
		cs, ok := t.clients[si.ClientID]
		if !ok {
			return false
		}
		assigned = cs.AssignMessageToSubscription(m, si)
	} else {
		for _, cs := range t.clients {
			if !cs.HasMessageSubscriptions() {
				continue
			}
			info, ok := cs.GetNextAvailableSubscription(m.SubscriptionType)
			if !ok {
				continue
			}
			if cs.AssignMessageToSubscription(m, info) {
				assigned = true
			}
		}
	}

	if assigned {
		if m.SubscriptionType == TypePublisher {
			t.undelivered.Remove(m.ID)
		} else {
			t.unassigned.Remove(m.ID)
		}
	}
	return assigned
}

// RevokeAssignment undoes an assignment. A nil subscription revokes every
// client's hold (the timeout sweep); otherwise only the named client lets go.
// The message's fate is then decided by the requeue rules.
func (t *Topic) RevokeAssignment(mi MessageInfo, si *SubscriptionInfo) {
	t.mu.Lock()
	m, ok := t.store.Get(mi.ID)
	if !ok {
		t.mu.Unlock()
		return
	}
	if si == nil {
		for _, clientID := range m.holderIDs() {
			if cs, ok := t.clients[clientID]; ok {
				cs.ReleaseMessage(m)
			} else {
				m.unregisterHolder(clientID)
			}
		}
		for id := range m.recipients {
			delete(m.recipients, id)
		}
		for key := range m.recipientKeys {
			delete(m.recipientKeys, key)
		}
	} else {
		if cs, ok := t.clients[si.ClientID]; ok {
			cs.ReleaseMessage(m)
		} else {
			m.unregisterHolder(si.ClientID)
		}
		m.removeRecipient(si.SubscriptionID, si.Key())
	}
	deliveredNow := t.requeMessage(m)
	t.mu.Unlock()

	if deliveredNow && t.listener != nil {
		t.listener.OnMessageDelivered(t.name)
	}
}

// requeMessage decides a released message's fate: never-acknowledged messages
// with no remaining holders go back to the pending queue for reassignment;
// fully let-go acknowledged messages move to the delivered queue. Reports
// whether the message just became delivered so the caller can notify the
// listener after unlocking.
func (t *Topic) requeMessage(m *Message) bool {
	if !t.store.Contains(m.ID) {
		return false
	}
	switch {
	case !m.EverAcknowledged() && !m.hasHolders():
		m.resetAssignment()
		if m.SubscriptionType == TypePublisher {
			t.undelivered.Enqueue(m)
		} else {
			t.unassigned.Enqueue(m)
		}
	case m.delivered():
		t.delivered.Enqueue(m)
		return true
	}
	return false
}

// AcknowledgeMessageReceipt confirms the client received the message. When the
// last holder acknowledges, the message moves to the delivered queue for
// removal by the assignment loop.
func (t *Topic) AcknowledgeMessageReceipt(clientID, messageID string) bool {
	t.mu.Lock()
	m, ok := t.store.Get(messageID)
	if !ok {
		t.mu.Unlock()
		return false
	}
	cs, ok := t.clients[clientID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if !cs.AcknowledgeMessageReceipt(m) {
		t.mu.Unlock()
		return false
	}
	deliveredNow := m.delivered() && !t.delivered.Contains(m.ID)
	if deliveredNow {
		t.delivered.Enqueue(m)
	}
	t.mu.Unlock()

	if deliveredNow && t.listener != nil {
		t.listener.OnMessageDelivered(t.name)
	}
	return true
}

// GetAssignedMessages snapshots the client's queues, doubling as its poll
// heartbeat.
func (t *Topic) GetAssignedMessages(clientID string) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.clients[clientID]
	if !ok {
		return nil
	}
	return cs.GetAssignedMessages()
}

// GetDeliveredMessages returns the messages awaiting delivered-removal.
func (t *Topic) GetDeliveredMessages() []MessageInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MessageInfo, 0, t.delivered.Len())
	t.delivered.Each(func(m *Message) bool {
		out = append(out, t.infoLocked(m))
		return true
	})
	return out
}

// GetExpiredMessages pops the ids whose expiry has passed.
func (t *Topic) GetExpiredMessages(now time.Time) []MessageInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []MessageInfo
	for _, id := range t.expiration.Expired(now) {
		if m, ok := t.store.Get(id); ok {
			out = append(out, t.infoLocked(m))
		}
	}
	return out
}

// GetNeverAcknowledgedMessages unions the per-client unacknowledged sets,
// de-duplicated by message id.
func (t *Topic) GetNeverAcknowledgedMessages(timeAfterAssignment time.Duration) []MessageInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	var out []MessageInfo
	for _, cs := range t.clients {
		for _, m := range cs.GetNeverAcknowledgedMessages(timeAfterAssignment) {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, t.infoLocked(m))
		}
	}
	return out
}

// RemoveMessage deletes the message, except for the expired-unacknowledged
// notification case: a message removed as Expired that requested failure
// notification and was never acknowledged is converted in place into a
// Publisher-type delivery-failure message and requeued, so the failure can be
// consumed like ordinary traffic.
func (t *Topic) RemoveMessage(id string, reason RemoveReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.store.Get(id)
	if !ok {
		return false
	}

	if reason == RemovedExpired && m.NotifyOnFailure && !m.EverAcknowledged() && m.SubscriptionType == TypeSubscriber {
		t.convertToFailureNotificationLocked(m, FailureExpired)
		return true
	}

	for _, clientID := range m.holderIDs() {
		if cs, ok := t.clients[clientID]; ok {
			cs.ReleaseMessage(m)
		} else {
			m.unregisterHolder(clientID)
		}
	}
	t.store.Remove(id)
	t.unassigned.Remove(id)
	t.undelivered.Remove(id)
	t.delivered.Remove(id)
	t.expiration.Remove(id)
	t.count--
	t.size -= m.Size()
	return true
}

func (t *Topic) convertToFailureNotificationLocked(m *Message, reason FailureReason) {
	for _, clientID := range m.holderIDs() {
		if cs, ok := t.clients[clientID]; ok {
			cs.ReleaseMessage(m)
		} else {
			m.unregisterHolder(clientID)
		}
	}
	for id := range m.recipients {
		delete(m.recipients, id)
	}
	for key := range m.recipientKeys {
		delete(m.recipientKeys, key)
	}
	t.unassigned.Remove(m.ID)
	t.delivered.Remove(m.ID)
	t.expiration.Remove(m.ID)

	m.resetAssignment()
	m.SubscriptionType = TypePublisher
	m.DeliveryFailed = true
	m.FailureReason = reason
	m.AbsoluteExpiry = nil
	m.TTL = 0
	t.undelivered.Enqueue(m)
}

// GetEvictableMessages walks the store oldest-first, accumulating size until
// the requested budget is met.
func (t *Topic) GetEvictableMessages(sizeToEvict int64) ([]MessageInfo, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []MessageInfo
	var evicted int64
	t.store.Each(func(m *Message) bool {
		if evicted >= sizeToEvict {
			return false
		}
		out = append(out, t.infoLocked(m))
		evicted += m.Size()
		return true
	})
	return out, evicted
}

// MessageIDs returns every stored message id in insertion order. Snapshot
// persistence walks this to export transferable envelopes.
func (t *Topic) MessageIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, t.store.Len())
	t.store.Each(func(m *Message) bool {
		ids = append(ids, m.ID)
		return true
	})
	return ids
}

func (t *Topic) messageSize(id string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.store.Get(id)
	if !ok {
		return 0, false
	}
	return m.Size(), true
}

// RemoveInactiveClients tears down every client aggregate that showed no
// activity within the threshold, releasing its held messages for reassignment.
func (t *Topic) RemoveInactiveClients(threshold time.Duration) []string {
	t.mu.Lock()
	var removed []string
	var deliveredNow bool
	for clientID, cs := range t.clients {
		if cs.IsActive(threshold) {
			continue
		}
		released := cs.dispose()
		for _, m := range released {
			if t.requeMessage(m) {
				deliveredNow = true
			}
		}
		delete(t.clients, clientID)
		t.balancer.Remove(clientID)
		removed = append(removed, clientID)
	}
	for key, sub := range t.subscriptions {
		if !sub.IsActive() {
			delete(t.subscriptions, key)
		}
	}
	t.mu.Unlock()

	if deliveredNow && t.listener != nil {
		t.listener.OnMessageDelivered(t.name)
	}
	return removed
}

// GetActiveClientSubscriptions returns the clients that kept polling without
// other activity within the interval; they get a keep-alive refresh.
func (t *Topic) GetActiveClientSubscriptions(interval time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for clientID, cs := range t.clients {
		if cs.HasPollingOnlyActivityPerformed(interval) {
			out = append(out, clientID)
		}
	}
	return out
}

// RefreshClientSubscriptions touches every subscription slot of the client,
// the keep-alive applied to poll-only-active clients.
func (t *Topic) RefreshClientSubscriptions(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.clients[clientID]
	if !ok {
		return false
	}
	cs.RefreshSubscriptions()
	return true
}

// GetNotifiableClients returns the clients with newly assigned messages
// waiting to be polled.
func (t *Topic) GetNotifiableClients() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for clientID, cs := range t.clients {
		if cs.HasNewMessages() {
			out = append(out, clientID)
		}
	}
	return out
}

// Clear wipes every message while preserving subscriptions.
func (t *Topic) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	var held []*Message
	t.store.Each(func(m *Message) bool {
		held = append(held, m)
		return true
	})
	for _, m := range held {
		for _, clientID := range m.holderIDs() {
			if cs, ok := t.clients[clientID]; ok {
				cs.ReleaseMessage(m)
			}
		}
	}
	t.store.Clear()
	t.unassigned.Clear()
	t.undelivered.Clear()
	t.delivered.Clear()
	t.expiration = newExpirationIndex()
	t.count = 0
	t.size = 0
}

// Stats snapshots the topic's counters.
func (t *Topic) Stats() TopicStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := TopicStats{
		Topic:        t.name,
		MessageCount: t.count,
		Size:         t.size,
	}
	for _, cs := range t.clients {
		if cs.HasMessageSubscriptions() {
			stats.SubscriberCount++
		}
		if cs.HasDeliverySubscriptions() {
			stats.PublisherCount++
		}
	}
	for key := range t.subscriptions {
		switch key.Policy {
		case PolicyExclusive:
			stats.ExclusiveSubscriptions++
		case PolicyEvent:
			stats.EventSubscriptions++
		default:
			stats.SharedSubscriptions++
		}
	}
	return stats
}

// dispose releases all state on topic removal.
func (t *Topic) dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for clientID, cs := range t.clients {
		cs.dispose()
		delete(t.clients, clientID)
		t.balancer.Remove(clientID)
	}
	t.subscriptions = make(map[SubscriptionKey]*Subscription)
	t.store.Clear()
	t.unassigned.Clear()
	t.undelivered.Clear()
	t.delivered.Clear()
	t.expiration = newExpirationIndex()
	t.count = 0
	t.size = 0
}
