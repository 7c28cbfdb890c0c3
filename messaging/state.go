// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import "time"

// SubscriptionRecord is the serializable identity of one subscription held by
// one client, carried in topic-state snapshots.
type SubscriptionRecord struct {
	SubscriptionID string             `json:"subscription_id"`
	Type           SubscriptionType   `json:"type"`
	Policy         SubscriptionPolicy `json:"policy"`
	Expiration     time.Duration      `json:"expiration,omitempty"`
}

// TopicState snapshots one topic's subscription membership: client id to the
// subscriptions it holds. Message bodies are transferred separately.
type TopicState struct {
	Name    string                          `json:"name"`
	Clients map[string][]SubscriptionRecord `json:"clients"`
}

// TopicsState is the cross-topic membership snapshot moved between nodes.
type TopicsState struct {
	Topics []TopicState `json:"topics"`
}

// MessageEnvelope is the serializable form of one message, including its
// assignment metadata.
type MessageEnvelope struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Payload      []byte    `json:"payload"`
	Flags        uint16    `json:"flags,omitempty"`
	CreationTime time.Time `json:"creation_time"`

	DeliveryOption   DeliveryOption   `json:"delivery_option"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	NotifyOnFailure  bool             `json:"notify_on_failure,omitempty"`
	DeliveryFailed   bool             `json:"delivery_failed,omitempty"`
	FailureReason    FailureReason    `json:"failure_reason,omitempty"`

	TTL            time.Duration `json:"ttl,omitempty"`
	AbsoluteExpiry *time.Time    `json:"absolute_expiry,omitempty"`

	EverAcknowledged bool     `json:"ever_acknowledged,omitempty"`
	Recipients       []string `json:"recipients,omitempty"`
}

// TransferableMessage is the envelope used to move one message to a
// cooperating node: the message plus the clients subscribed to it. Restore
// replays the subscriber list through the normal assignment path so queue
// placement and balancer membership are re-established, never blindly
// deserialized.
type TransferableMessage struct {
	Message           MessageEnvelope `json:"message"`
	SubscribedClients []string        `json:"subscribed_clients"`
}

func (cs *ClientSubscriptions) subscriptionRecords() []SubscriptionRecord {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]SubscriptionRecord, 0, len(cs.messageSubs)+len(cs.deliverySubs))
	for id, sub := range cs.messageSubs {
		out = append(out, SubscriptionRecord{
			SubscriptionID: id,
			Type:           TypeSubscriber,
			Policy:         sub.Policy,
			Expiration:     sub.Expiration,
		})
	}
	for id, sub := range cs.deliverySubs {
		out = append(out, SubscriptionRecord{
			SubscriptionID: id,
			Type:           TypePublisher,
			Policy:         sub.Policy,
			Expiration:     sub.Expiration,
		})
	}
	return out
}

// GetTopicState snapshots the topic's subscription membership.
func (t *Topic) GetTopicState() TopicState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := TopicState{
		Name:    t.name,
		Clients: make(map[string][]SubscriptionRecord, len(t.clients)),
	}
	for clientID, cs := range t.clients {
		state.Clients[clientID] = cs.subscriptionRecords()
	}
	return state
}

// SetTopicState replays the membership snapshot through CreateSubscription so
// every invariant (balancer membership, aggregate creation) is re-established.
func (t *Topic) SetTopicState(state TopicState) {
	for clientID, records := range state.Clients {
		for _, rec := range records {
			_ = t.CreateSubscription(SubscriptionInfo{
				ClientID:       clientID,
				SubscriptionID: rec.SubscriptionID,
				Type:           rec.Type,
				Policy:         rec.Policy,
				Expiration:     rec.Expiration,
			})
		}
	}
}

// GetTransferrableMessage snapshots one message plus the clients currently
// holding it.
func (t *Topic) GetTransferrableMessage(id string) (*TransferableMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.store.Get(id)
	if !ok {
		return nil, false
	}
	env := MessageEnvelope{
		ID:               m.ID,
		Topic:            m.Topic,
		Payload:          m.Payload,
		Flags:            m.Flags,
		CreationTime:     m.CreationTime,
		DeliveryOption:   m.DeliveryOption,
		SubscriptionType: m.SubscriptionType,
		NotifyOnFailure:  m.NotifyOnFailure,
		DeliveryFailed:   m.DeliveryFailed,
		FailureReason:    m.FailureReason,
		TTL:              m.TTL,
		EverAcknowledged: m.EverAcknowledged(),
	}
	if m.AbsoluteExpiry != nil {
		at := *m.AbsoluteExpiry
		env.AbsoluteExpiry = &at
	}
	for rid := range m.recipients {
		env.Recipients = append(env.Recipients, rid)
	}
	return &TransferableMessage{
		Message:           env,
		SubscribedClients: m.holderIDs(),
	}, true
}

// StoreTransferrableMessage restores a transferred message: the body goes
// through the normal store path under a replicated context, then each
// subscribed client is re-assigned through AssignSubscription.
func (t *Topic) StoreTransferrableMessage(env *TransferableMessage) bool {
	m := NewMessage(env.Message.ID, env.Message.Topic, env.Message.Payload)
	m.Flags = env.Message.Flags
	m.CreationTime = env.Message.CreationTime
	m.DeliveryOption = env.Message.DeliveryOption
	m.SubscriptionType = env.Message.SubscriptionType
	m.NotifyOnFailure = env.Message.NotifyOnFailure
	m.DeliveryFailed = env.Message.DeliveryFailed
	m.FailureReason = env.Message.FailureReason
	m.TTL = env.Message.TTL
	if env.Message.AbsoluteExpiry != nil {
		at := *env.Message.AbsoluteExpiry
		m.AbsoluteExpiry = &at
	}
	if err := t.StoreMessage(m, OpContext{Replicated: true}); err != nil {
		return false
	}
	mi := MessageInfo{ID: m.ID, Topic: t.name, DeliveryOption: m.DeliveryOption}
	for _, clientID := range env.SubscribedClients {
		t.mu.Lock()
		cs, ok := t.clients[clientID]
		t.mu.Unlock()
		if !ok {
			continue
		}
		info, ok := cs.GetNextAvailableSubscription(m.SubscriptionType)
		if !ok {
			continue
		}
		t.AssignSubscription(mi, info)
	}
	if env.Message.EverAcknowledged {
		t.mu.Lock()
		if live, ok := t.store.Get(m.ID); ok {
			live.everAcked = true
		}
		t.mu.Unlock()
	}
	return true
}

// GetTopicsState snapshots membership across all topics.
func (tm *TopicManager) GetTopicsState() TopicsState {
	topics := tm.Topics()
	state := TopicsState{Topics: make([]TopicState, 0, len(topics))}
	for _, t := range topics {
		state.Topics = append(state.Topics, t.GetTopicState())
	}
	return state
}

// SetTopicsState replays the snapshot: topics are created if absent and every
// subscription goes through the normal creation path.
func (tm *TopicManager) SetTopicsState(state TopicsState) {
	for _, ts := range state.Topics {
		t := tm.CreateTopic(ts.Name)
		t.SetTopicState(ts)
	}
}
