// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"sync"
	"time"
)

// ClientSubscriptions aggregates one client's subscriptions on one topic: the
// consumer and delivery-notification subscription maps, round-robin balancers
// over their ids, and the ordered queues of messages currently assigned to the
// client. Created on the client's first subscription, disposed when the last
// one is removed.
//
// It has its own lock; callers inside Topic acquire the Topic lock first, then
// this one. That ordering must hold everywhere.
type ClientSubscriptions struct {
	mu sync.Mutex

	clientID string
	topic    string

	messageSubs  map[string]*Subscription
	deliverySubs map[string]*Subscription

	msgBalancer   *roundRobin[string]
	notifBalancer *roundRobin[string]

	// assigned holds consumer messages, notifications holds Publisher-type
	// delivery-failure messages awaiting this client's poll.
	assigned      *messageQueue
	notifications *messageQueue

	lastActivity time.Time
	updateTime   time.Time
	pollTime     time.Time

	disposed bool
}

// NewClientSubscriptions creates an empty aggregate for the (topic, client) pair.
func NewClientSubscriptions(topic, clientID string) *ClientSubscriptions {
	now := time.Now()
	return &ClientSubscriptions{
		clientID:      clientID,
		topic:         topic,
		messageSubs:   make(map[string]*Subscription),
		deliverySubs:  make(map[string]*Subscription),
		msgBalancer:   newRoundRobin[string](),
		notifBalancer: newRoundRobin[string](),
		assigned:      newMessageQueue(),
		notifications: newMessageQueue(),
		lastActivity:  now,
		updateTime:    now,
		pollTime:      now,
	}
}

// ClientID returns the owning client id.
func (cs *ClientSubscriptions) ClientID() string {
	return cs.clientID
}

// Disposed reports whether the aggregate has been torn down.
func (cs *ClientSubscriptions) Disposed() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.disposed
}

func (cs *ClientSubscriptions) subsFor(typ SubscriptionType) (map[string]*Subscription, *roundRobin[string]) {
	if typ == TypePublisher {
		return cs.deliverySubs, cs.notifBalancer
	}
	return cs.messageSubs, cs.msgBalancer
}

func (cs *ClientSubscriptions) queueFor(typ SubscriptionType) *messageQueue {
	if typ == TypePublisher {
		return cs.notifications
	}
	return cs.assigned
}

// AddSubscription registers the subscription slot under this client. Idempotent
// per subscription id. Returns false when the info names a different client or
// the aggregate is disposed.
func (cs *ClientSubscriptions) AddSubscription(sub *Subscription, info SubscriptionInfo) bool {
	if info.ClientID != cs.clientID {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.disposed {
		return false
	}
	subs, balancer := cs.subsFor(info.Type)
	if _, ok := subs[info.SubscriptionID]; !ok {
		subs[info.SubscriptionID] = sub
		balancer.Add(info.SubscriptionID)
	}
	now := time.Now()
	cs.lastActivity = now
	cs.updateTime = now
	return true
}

// RemoveSubscription unregisters the subscription id and drops its recipient
// earmarks. Messages left with no earmarked recipient are dequeued and
// returned so the Topic can requeue or drop them; found reports whether the
// subscription id was registered, disposed whether the aggregate tore itself
// down because no subscriptions remain.
func (cs *ClientSubscriptions) RemoveSubscription(info SubscriptionInfo) (released []*Message, found, disposed bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	subs, balancer := cs.subsFor(info.Type)
	if _, ok := subs[info.SubscriptionID]; !ok {
		return nil, false, false
	}
	delete(subs, info.SubscriptionID)
	balancer.Remove(info.SubscriptionID)

	queue := cs.queueFor(info.Type)
	var held []*Message
	queue.Each(func(m *Message) bool {
		held = append(held, m)
		return true
	})
	for _, m := range held {
		m.removeRecipient(info.SubscriptionID, info.Key())
		// A message earmarked for a surviving subscription stays queued and
		// held; only messages with no recipient left are handed back.
		if m.removable() {
			queue.Remove(m.ID)
			m.unregisterHolder(cs.clientID)
			released = append(released, m)
		}
	}

	now := time.Now()
	cs.lastActivity = now
	cs.updateTime = now

	if len(cs.messageSubs) == 0 && len(cs.deliverySubs) == 0 {
		cs.disposed = true
	}
	return released, true, cs.disposed
}

// HasMessageSubscriptions reports whether the client consumes ordinary messages,
// which makes it eligible for DeliverAll fan-out.
func (cs *ClientSubscriptions) HasMessageSubscriptions() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.disposed && len(cs.messageSubs) > 0
}

// HasDeliverySubscriptions reports whether the client consumes delivery-failure
// notifications.
func (cs *ClientSubscriptions) HasDeliverySubscriptions() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.disposed && len(cs.deliverySubs) > 0
}

// GetNextAvailableSubscription round-robin picks among this client's
// subscriptions of the requested type.
func (cs *ClientSubscriptions) GetNextAvailableSubscription(typ SubscriptionType) (SubscriptionInfo, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.disposed {
		return SubscriptionInfo{}, false
	}
	subs, balancer := cs.subsFor(typ)
	for i := 0; i < balancer.Len(); i++ {
		id, ok := balancer.Next()
		if !ok {
			break
		}
		sub, ok := subs[id]
		if !ok || !sub.IsActive() {
			continue
		}
		return SubscriptionInfo{
			ClientID:       cs.clientID,
			SubscriptionID: id,
			Type:           typ,
			Policy:         sub.Policy,
			Expiration:     sub.Expiration,
		}, true
	}
	return SubscriptionInfo{}, false
}

// AssignMessageToSubscription binds the message to one of this client's
// subscriptions. Fails if the message type does not match the subscription
// type or the subscription id is unknown.
func (cs *ClientSubscriptions) AssignMessageToSubscription(m *Message, info SubscriptionInfo) bool {
	if m.SubscriptionType != info.Type {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.disposed {
		return false
	}
	subs, _ := cs.subsFor(info.Type)
	if _, ok := subs[info.SubscriptionID]; !ok {
		return false
	}
	queue := cs.queueFor(info.Type)
	queue.Enqueue(m)
	m.registerHolder(cs.clientID)
	// Only single-recipient deliveries earmark the chosen subscription; a
	// DeliverAll fan-out tracks holders alone.
	if m.DeliveryOption == DeliverAny || m.SubscriptionType == TypePublisher {
		m.addRecipient(info.SubscriptionID, info.Key())
	}
	return true
}

// GetAssignedMessages snapshots both per-client queues. The call doubles as
// the poll heartbeat: it refreshes the activity and poll timestamps.
func (cs *ClientSubscriptions) GetAssignedMessages() []*Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := time.Now()
	cs.lastActivity = now
	cs.pollTime = now
	out := make([]*Message, 0, cs.assigned.Len()+cs.notifications.Len())
	cs.assigned.Each(func(m *Message) bool {
		out = append(out, m)
		return true
	})
	cs.notifications.Each(func(m *Message) bool {
		out = append(out, m)
		return true
	})
	return out
}

// HasNewMessages reports whether anything is waiting in either queue.
func (cs *ClientSubscriptions) HasNewMessages() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.assigned.Len() > 0 || cs.notifications.Len() > 0
}

// GetNeverAcknowledgedMessages returns held messages whose assignment is older
// than the given timeout.
func (cs *ClientSubscriptions) GetNeverAcknowledgedMessages(timeout time.Duration) []*Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := time.Now()
	var out []*Message
	collect := func(m *Message) bool {
		if at := m.AssignmentTime(); at != nil && now.Sub(*at) > timeout {
			out = append(out, m)
		}
		return true
	}
	cs.assigned.Each(collect)
	cs.notifications.Each(collect)
	return out
}

// AcknowledgeMessageReceipt confirms receipt: the message leaves this client's
// queues, the client's hold and recipient earmarks are dropped, and the
// message is marked as acknowledged.
func (cs *ClientSubscriptions) AcknowledgeMessageReceipt(m *Message) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	removed := cs.assigned.Remove(m.ID)
	if cs.notifications.Remove(m.ID) {
		removed = true
	}
	if !removed {
		return false
	}
	m.unregisterHolder(cs.clientID)
	m.everAcked = true
	subs, _ := cs.subsFor(m.SubscriptionType)
	for id, sub := range subs {
		m.removeRecipient(id, sub.Key())
	}
	now := time.Now()
	cs.lastActivity = now
	cs.updateTime = now
	return true
}

// ReleaseMessage drops the client's hold without acknowledging, used by the
// revocation sweep.
func (cs *ClientSubscriptions) ReleaseMessage(m *Message) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.assigned.Remove(m.ID)
	cs.notifications.Remove(m.ID)
	m.unregisterHolder(cs.clientID)
}

// IsActive reports whether the client showed any activity within the idle
// timeout.
func (cs *ClientSubscriptions) IsActive(idleTimeout time.Duration) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return time.Since(cs.lastActivity) < idleTimeout
}

// HasPollingOnlyActivityPerformed distinguishes a client that kept polling but
// made no subscription changes within the interval from one that is genuinely
// idle. Poll-only clients get a keep-alive refresh instead of teardown.
func (cs *ClientSubscriptions) HasPollingOnlyActivityPerformed(interval time.Duration) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return time.Since(cs.pollTime) < interval && time.Since(cs.updateTime) >= interval
}

// RefreshSubscriptions touches every subscription slot held by this client,
// keeping poll-only clients alive.
func (cs *ClientSubscriptions) RefreshSubscriptions() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, sub := range cs.messageSubs {
		sub.Refresh()
	}
	for _, sub := range cs.deliverySubs {
		sub.Refresh()
	}
	cs.lastActivity = time.Now()
}

// SubscriptionIDs returns the ids of this client's subscriptions of the given
// type, used by the topic-state snapshot.
func (cs *ClientSubscriptions) SubscriptionIDs(typ SubscriptionType) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	subs, _ := cs.subsFor(typ)
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}

// SubscriptionCount returns the number of subscriptions of the given type.
func (cs *ClientSubscriptions) SubscriptionCount(typ SubscriptionType) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	subs, _ := cs.subsFor(typ)
	return len(subs)
}

// HasSubscription reports whether the subscription id is registered under the
// given type.
func (cs *ClientSubscriptions) HasSubscription(typ SubscriptionType, id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	subs, _ := cs.subsFor(typ)
	_, ok := subs[id]
	return ok
}

// dispose tears the aggregate down unconditionally, releasing every held
// message. Returned messages carry no remaining recipients and are candidates
// for requeue.
func (cs *ClientSubscriptions) dispose() (released []*Message) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.disposed {
		return nil
	}
	drain := func(q *messageQueue, subs map[string]*Subscription) {
		var held []*Message
		q.Each(func(m *Message) bool {
			held = append(held, m)
			return true
		})
		for _, m := range held {
			q.Remove(m.ID)
			m.unregisterHolder(cs.clientID)
			for id, sub := range subs {
				m.removeRecipient(id, sub.Key())
			}
			if m.removable() {
				released = append(released, m)
			}
		}
	}
	drain(cs.assigned, cs.messageSubs)
	drain(cs.notifications, cs.deliverySubs)
	for id, sub := range cs.messageSubs {
		sub.Remove(cs.clientID)
		delete(cs.messageSubs, id)
	}
	for id, sub := range cs.deliverySubs {
		sub.Remove(cs.clientID)
		delete(cs.deliverySubs, id)
	}
	cs.disposed = true
	return released
}
