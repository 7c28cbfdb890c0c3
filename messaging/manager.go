// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"math"
	"sync"
	"time"
)

// TopicManager is the registry of all topics plus the cross-topic concerns:
// fairness-balanced selection of the next topic to service, proportional
// eviction budgeting, and aggregate stats. Lookups take the read lock; topic
// create/remove, bulk restore and the fairness selectors (which advance a
// balancer cursor) take the write lock.
type TopicManager struct {
	mu sync.RWMutex

	topics map[string]*Topic

	unassignedBalancer  *roundRobin[string]
	undeliveredBalancer *roundRobin[string]

	listener TopicListener
}

// NewTopicManager creates an empty registry. The listener is handed to every
// topic it creates and may be nil.
func NewTopicManager(listener TopicListener) *TopicManager {
	return &TopicManager{
		topics:              make(map[string]*Topic),
		unassignedBalancer:  newRoundRobin[string](),
		undeliveredBalancer: newRoundRobin[string](),
		listener:            listener,
	}
}

// CreateTopic returns the topic with the given name, creating it if absent.
func (tm *TopicManager) CreateTopic(name string) *Topic {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t, ok := tm.topics[name]; ok {
		return t
	}
	t := NewTopic(name, tm.listener)
	tm.topics[name] = t
	tm.unassignedBalancer.Add(name)
	tm.undeliveredBalancer.Add(name)
	return t
}

// GetTopic looks up a topic by name.
func (tm *TopicManager) GetTopic(name string) (*Topic, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.topics[name]
	return t, ok
}

// RemoveTopic disposes the topic and evicts it from both balancers.
// Idempotent.
func (tm *TopicManager) RemoveTopic(name string) bool {
	tm.mu.Lock()
	t, ok := tm.topics[name]
	if !ok {
		tm.mu.Unlock()
		return false
	}
	delete(tm.topics, name)
	tm.unassignedBalancer.Remove(name)
	tm.undeliveredBalancer.Remove(name)
	tm.mu.Unlock()

	t.dispose()
	return true
}

// TopicNames returns the registered topic names.
func (tm *TopicManager) TopicNames() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	names := make([]string, 0, len(tm.topics))
	for name := range tm.topics {
		names = append(names, name)
	}
	return names
}

// Topics snapshots the registered topics.
func (tm *TopicManager) Topics() []*Topic {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*Topic, 0, len(tm.topics))
	for _, t := range tm.topics {
		out = append(out, t)
	}
	return out
}

// TopicCount returns the number of registered topics.
func (tm *TopicManager) TopicCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.topics)
}

// GetNextUnassignedMessage round-robins over topics looking for a pending
// consumer message on a topic with eligible subscribers. One full cycle
// without success returns false, so the caller never spins when nothing is
// assignable.
func (tm *TopicManager) GetNextUnassignedMessage() (MessageInfo, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for i := 0; i < tm.unassignedBalancer.Len(); i++ {
		name, ok := tm.unassignedBalancer.Next()
		if !ok {
			break
		}
		t, ok := tm.topics[name]
		if !ok || !t.HasMessageSubscribers() {
			continue
		}
		if mi, ok := t.GetNextUnassignedMessage(); ok {
			return mi, true
		}
	}
	return MessageInfo{}, false
}

// GetNextUndeliveredMessage round-robins over topics looking for a pending
// delivery-failure notification on a topic with notification subscribers.
func (tm *TopicManager) GetNextUndeliveredMessage() (MessageInfo, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for i := 0; i < tm.undeliveredBalancer.Len(); i++ {
		name, ok := tm.undeliveredBalancer.Next()
		if !ok {
			break
		}
		t, ok := tm.topics[name]
		if !ok || !t.HasDeliverySubscribers() {
			continue
		}
		if mi, ok := t.GetNextUndeliveredMessage(); ok {
			return mi, true
		}
	}
	return MessageInfo{}, false
}

// TotalSize returns the accounted size across all topics.
func (tm *TopicManager) TotalSize() int64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	var total int64
	for _, t := range tm.topics {
		total += t.Size()
	}
	return total
}

// TotalCount returns the live message count across all topics.
func (tm *TopicManager) TotalCount() int64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	var total int64
	for _, t := range tm.topics {
		total += t.Count()
	}
	return total
}

// GetEvictableMessages spreads the eviction budget proportionally: each topic
// gets a quota of ceil(topicSize/totalSize * budget), and topics are drained
// oldest-first until the cumulative evicted size meets the budget. The ceil
// rounding can overshoot slightly, which favors evicting a little more under
// memory pressure.
func (tm *TopicManager) GetEvictableMessages(sizeToEvict int64) ([]MessageInfo, int64) {
	tm.mu.RLock()
	topics := make([]*Topic, 0, len(tm.topics))
	for _, t := range tm.topics {
		topics = append(topics, t)
	}
	tm.mu.RUnlock()

	var totalSize int64
	for _, t := range topics {
		totalSize += t.Size()
	}
	if totalSize == 0 || sizeToEvict <= 0 {
		return nil, 0
	}

	var out []MessageInfo
	var evicted int64
	for _, t := range topics {
		if evicted >= sizeToEvict {
			break
		}
		topicSize := t.Size()
		if topicSize == 0 {
			continue
		}
		quota := int64(math.Ceil(float64(topicSize) / float64(totalSize) * float64(sizeToEvict)))
		infos, size := t.GetEvictableMessages(quota)
		out = append(out, infos...)
		evicted += size
	}
	return out, evicted
}

// GetNeverAcknowledgedMessages unions the unacknowledged sets across topics.
func (tm *TopicManager) GetNeverAcknowledgedMessages(timeAfterAssignment time.Duration) []MessageInfo {
	var out []MessageInfo
	for _, t := range tm.Topics() {
		out = append(out, t.GetNeverAcknowledgedMessages(timeAfterAssignment)...)
	}
	return out
}

// GetDeliveredMessages collects delivered-queue entries across topics.
func (tm *TopicManager) GetDeliveredMessages() []MessageInfo {
	var out []MessageInfo
	for _, t := range tm.Topics() {
		out = append(out, t.GetDeliveredMessages()...)
	}
	return out
}

// GetExpiredMessages collects expired entries across topics.
func (tm *TopicManager) GetExpiredMessages(now time.Time) []MessageInfo {
	var out []MessageInfo
	for _, t := range tm.Topics() {
		out = append(out, t.GetExpiredMessages(now)...)
	}
	return out
}

// GetNotifiableClients returns the distinct client ids with newly assigned
// messages on any topic.
func (tm *TopicManager) GetNotifiableClients() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tm.Topics() {
		for _, clientID := range t.GetNotifiableClients() {
			if _, dup := seen[clientID]; dup {
				continue
			}
			seen[clientID] = struct{}{}
			out = append(out, clientID)
		}
	}
	return out
}

// RemoveInactiveClients sweeps every topic's idle client aggregates.
func (tm *TopicManager) RemoveInactiveClients(threshold time.Duration) map[string][]string {
	removed := make(map[string][]string)
	for _, t := range tm.Topics() {
		if clients := t.RemoveInactiveClients(threshold); len(clients) > 0 {
			removed[t.Name()] = clients
		}
	}
	return removed
}

// GetActiveClientSubscriptions returns the poll-only-active clients per topic.
func (tm *TopicManager) GetActiveClientSubscriptions(interval time.Duration) map[string][]string {
	active := make(map[string][]string)
	for _, t := range tm.Topics() {
		if clients := t.GetActiveClientSubscriptions(interval); len(clients) > 0 {
			active[t.Name()] = clients
		}
	}
	return active
}

// GetTopicsStats snapshots every topic's counters.
func (tm *TopicManager) GetTopicsStats() []TopicStats {
	topics := tm.Topics()
	out := make([]TopicStats, 0, len(topics))
	for _, t := range topics {
		out = append(out, t.Stats())
	}
	return out
}

// Clear wipes messages on every topic, preserving subscriptions.
func (tm *TopicManager) Clear() {
	for _, t := range tm.Topics() {
		t.Clear()
	}
}
