// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import "time"

// Subscription is the per-(topic, subscription id) record of which client or
// clients currently own the slot. The policy enum replaces a class hierarchy:
// exclusive slots hold at most one connected client, shared and event slots
// hold a set. Guarded by the owning Topic's lock.
type Subscription struct {
	ID         string
	Policy     SubscriptionPolicy
	Type       SubscriptionType
	Expiration time.Duration

	clients     map[string]struct{}
	refreshedAt time.Time
}

// NewSubscription creates an empty subscription slot.
func NewSubscription(id string, policy SubscriptionPolicy, typ SubscriptionType, expiration time.Duration) *Subscription {
	return &Subscription{
		ID:          id,
		Policy:      policy,
		Type:        typ,
		Expiration:  expiration,
		clients:     make(map[string]struct{}),
		refreshedAt: time.Now(),
	}
}

// Key returns the identifying key of this subscription within its topic.
func (s *Subscription) Key() SubscriptionKey {
	return SubscriptionKey{ID: s.ID, Policy: s.Policy}
}

// AddSubscriber connects a client to the slot. For exclusive subscriptions it
// returns false while another client holds the slot. Empty client ids are
// rejected.
func (s *Subscription) AddSubscriber(clientID string) bool {
	if clientID == "" {
		return false
	}
	if s.Policy == PolicyExclusive {
		if len(s.clients) > 0 {
			_, held := s.clients[clientID]
			if !held {
				return false
			}
		}
		s.refresh()
	}
	s.clients[clientID] = struct{}{}
	return true
}

// Remove disconnects the client. No-op if the client is not connected.
func (s *Subscription) Remove(clientID string) {
	if _, ok := s.clients[clientID]; !ok {
		return
	}
	delete(s.clients, clientID)
	if s.Policy == PolicyExclusive {
		s.refresh()
	}
}

// IsActive reports whether any client is connected.
func (s *Subscription) IsActive() bool {
	return len(s.clients) > 0
}

// HasSubscriber reports whether the client is connected to the slot.
func (s *Subscription) HasSubscriber(clientID string) bool {
	_, ok := s.clients[clientID]
	return ok
}

// SubscriberList returns the connected client ids.
func (s *Subscription) SubscriberList() []string {
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// refresh resets the idle-expiration hint, tying slot lifetime to activity.
func (s *Subscription) refresh() {
	s.refreshedAt = time.Now()
}

// Refresh updates the activity hint, used by keep-alive touches.
func (s *Subscription) Refresh() {
	s.refresh()
}

// IdleSince returns the time of the last activity on the slot.
func (s *Subscription) IdleSince() time.Time {
	return s.refreshedAt
}
