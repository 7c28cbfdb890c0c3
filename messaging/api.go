// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import "time"

// This file is the logical API the surrounding cache and RPC layer call into.
// All calls are short lock-held critical sections with no unbounded blocking.

// StoreMessage publishes a message to the topic. Reserved system topics force
// DeliverAll regardless of what the publisher requested.
func (e *Engine) StoreMessage(topic string, m *Message, ctx OpContext) error {
	if e.isStopped() {
		return ErrEngineStopped
	}
	if e.limit != nil && !ctx.Replicated && !e.limit.AllowPublish(ctx.ClientID) {
		return ErrRateLimited
	}
	if IsReservedTopic(topic) {
		m.DeliveryOption = DeliverAll
	}
	t, ok := e.topics.GetTopic(topic)
	if !ok {
		if !IsReservedTopic(topic) {
			return ErrTopicNotFound
		}
		t = e.topics.CreateTopic(topic)
	}
	if err := t.StoreMessage(m, ctx); err != nil {
		return err
	}
	e.stats.MessagePublished(1)
	e.stats.StoreSize(e.topics.TotalSize())
	if e.events != nil {
		e.events.MessagePublished(topic, m.ID)
	}
	return nil
}

// TopicOperation performs a topic or subscription lifecycle change.
func (e *Engine) TopicOperation(op TopicOperation, ctx OpContext) error {
	if e.isStopped() {
		return ErrEngineStopped
	}
	switch op.Type {
	case OpCreateTopic:
		e.topics.CreateTopic(op.Topic)
		e.stats.TopicCount(int64(e.topics.TopicCount()))
		if e.events != nil {
			e.events.TopicCreated(op.Topic)
		}
		return nil
	case OpRemoveTopic:
		if !e.topics.RemoveTopic(op.Topic) {
			return ErrTopicNotFound
		}
		e.stats.TopicCount(int64(e.topics.TopicCount()))
		if e.events != nil {
			e.events.TopicRemoved(op.Topic)
		}
		return nil
	}

	if e.limit != nil && !ctx.Replicated && !e.limit.AllowSubscribe(op.Subscription.ClientID) {
		return ErrRateLimited
	}
	t, ok := e.topics.GetTopic(op.Topic)
	if !ok {
		if !IsReservedTopic(op.Topic) {
			return ErrTopicNotFound
		}
		t = e.topics.CreateTopic(op.Topic)
	}
	switch op.Type {
	case OpCreateSubscription:
		info := op.Subscription
		if IsReservedTopic(op.Topic) {
			// Event topics share one well-known fan-out subscription.
			info.Policy = PolicyEvent
			if info.SubscriptionID == "" {
				info.SubscriptionID = EventsSubscriptionID
			}
		}
		return t.CreateSubscription(info)
	case OpRemoveSubscription:
		if !t.RemoveSubscription(op.Subscription) {
			return ErrSubscriptionNotFound
		}
		return nil
	case OpRefreshSubscription:
		if !t.RefreshSubscription(op.Subscription) {
			return ErrSubscriptionNotFound
		}
		return nil
	case OpRemoveInactiveSubscriber:
		t.RemoveInactiveClients(e.opts.InactiveClientThreshold)
		return nil
	default:
		return ErrSubscriptionNotFound
	}
}

// GetNextUnassignedMessage returns the next fairly-chosen pending consumer
// message across all topics.
func (e *Engine) GetNextUnassignedMessage() (MessageInfo, bool) {
	return e.topics.GetNextUnassignedMessage()
}

// GetNextUndeliveredMessage returns the next pending delivery-failure
// notification across all topics.
func (e *Engine) GetNextUndeliveredMessage() (MessageInfo, bool) {
	return e.topics.GetNextUndeliveredMessage()
}

// GetSubscriber round-robin picks a subscription of the requested type on the
// topic.
func (e *Engine) GetSubscriber(topic string, typ SubscriptionType) (SubscriptionInfo, bool) {
	t, ok := e.topics.GetTopic(topic)
	if !ok {
		return SubscriptionInfo{}, false
	}
	return t.GetSubscriber(typ)
}

// GetAllSubscribers returns one active subscription per subscribed client.
func (e *Engine) GetAllSubscribers(topic string, typ SubscriptionType) []SubscriptionInfo {
	t, ok := e.topics.GetTopic(topic)
	if !ok {
		return nil
	}
	return t.GetAllSubscribers(typ)
}

// AssignmentOperation assigns or revokes one message/subscription binding.
func (e *Engine) AssignmentOperation(mi MessageInfo, si SubscriptionInfo, op AssignmentOperationType) bool {
	t, ok := e.topics.GetTopic(mi.Topic)
	if !ok {
		return false
	}
	switch op {
	case OpAssign:
		return t.AssignSubscription(mi, si)
	case OpRevoke:
		t.RevokeAssignment(mi, &si)
		return true
	default:
		return false
	}
}

// RevokeAssignment revokes every hold on the message.
func (e *Engine) RevokeAssignment(mi MessageInfo) bool {
	t, ok := e.topics.GetTopic(mi.Topic)
	if !ok {
		return false
	}
	t.RevokeAssignment(mi, nil)
	return true
}

// GetAssignedMessages snapshots the client's assigned messages on the topic.
// The call is the client's poll heartbeat.
func (e *Engine) GetAssignedMessages(topic, clientID string) []*Message {
	t, ok := e.topics.GetTopic(topic)
	if !ok {
		return nil
	}
	return t.GetAssignedMessages(clientID)
}

// AcknowledgeMessageReceipt acknowledges messages per topic for one client.
// Unknown topics and ids are skipped.
func (e *Engine) AcknowledgeMessageReceipt(clientID string, topicWiseIDs map[string][]string) {
	for topic, ids := range topicWiseIDs {
		t, ok := e.topics.GetTopic(topic)
		if !ok {
			continue
		}
		for _, id := range ids {
			t.AcknowledgeMessageReceipt(clientID, id)
		}
	}
	e.signal()
}

// GetUnacknowledgedMessages returns messages assigned longer ago than timeout.
func (e *Engine) GetUnacknowledgedMessages(timeout time.Duration) []MessageInfo {
	return e.topics.GetNeverAcknowledgedMessages(timeout)
}

// GetDeliveredMessages returns the messages awaiting delivered-removal.
func (e *Engine) GetDeliveredMessages() []MessageInfo {
	return e.topics.GetDeliveredMessages()
}

// GetExpiredMessages returns the messages whose expiry has passed.
func (e *Engine) GetExpiredMessages() []MessageInfo {
	return e.topics.GetExpiredMessages(time.Now())
}

// GetEvictableMessages selects messages proportionally across topics up to
// the requested size.
func (e *Engine) GetEvictableMessages(sizeToEvict int64) ([]MessageInfo, int64) {
	return e.topics.GetEvictableMessages(sizeToEvict)
}

// GetNotifiableClients returns the clients with assigned messages waiting.
func (e *Engine) GetNotifiableClients() []string {
	return e.topics.GetNotifiableClients()
}

// RemoveMessages removes the listed messages for the given reason, subject to
// the expired-conversion rule.
func (e *Engine) RemoveMessages(infos []MessageInfo, reason RemoveReason) int {
	removed := 0
	for _, mi := range infos {
		t, ok := e.topics.GetTopic(mi.Topic)
		if !ok {
			continue
		}
		if t.RemoveMessage(mi.ID, reason) {
			removed++
		}
	}
	return removed
}

// Evict removes messages proportionally across topics until the requested
// size is reclaimed, returning the evicted size.
func (e *Engine) Evict(sizeToEvict int64) int64 {
	infos, _ := e.topics.GetEvictableMessages(sizeToEvict)
	var evicted int64
	var count int64
	for _, mi := range infos {
		t, ok := e.topics.GetTopic(mi.Topic)
		if !ok {
			continue
		}
		size, ok := t.messageSize(mi.ID)
		if !ok {
			continue
		}
		if t.RemoveMessage(mi.ID, RemovedEvicted) {
			evicted += size
			count++
		}
	}
	if count > 0 {
		e.stats.MessageEvicted(count)
		e.stats.StoreSize(e.topics.TotalSize())
	}
	return evicted
}

// GetTopicsState snapshots subscription membership across topics.
func (e *Engine) GetTopicsState() TopicsState {
	return e.topics.GetTopicsState()
}

// SetTopicsState restores a membership snapshot through the normal creation
// paths.
func (e *Engine) SetTopicsState(state TopicsState) {
	e.topics.SetTopicsState(state)
	e.signal()
}

// GetTransferrableMessage snapshots one message for node-to-node transfer.
func (e *Engine) GetTransferrableMessage(topic, id string) (*TransferableMessage, bool) {
	t, ok := e.topics.GetTopic(topic)
	if !ok {
		return nil, false
	}
	return t.GetTransferrableMessage(id)
}

// StoreTransferrableMessage restores a transferred message on this node.
func (e *Engine) StoreTransferrableMessage(topic string, env *TransferableMessage) bool {
	t, ok := e.topics.GetTopic(topic)
	if !ok {
		t = e.topics.CreateTopic(topic)
	}
	return t.StoreTransferrableMessage(env)
}

// GetTopicsStats snapshots every topic's counters.
func (e *Engine) GetTopicsStats() []TopicStats {
	return e.topics.GetTopicsStats()
}
