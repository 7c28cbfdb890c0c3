// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messaging implements the topic, subscription and message-assignment
// engine embedded in the cache: per-topic message stores, client subscription
// aggregates, fair assignment with at-most-one-active-assignment semantics,
// timeout-driven revocation, expiration and proportional eviction, and the
// snapshot/restore contract used to migrate pub/sub state between nodes.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryOption controls how many subscribers receive a message.
type DeliveryOption uint8

const (
	// DeliverAny delivers to exactly one load-balanced subscriber.
	DeliverAny DeliveryOption = iota
	// DeliverAll delivers to every active subscriber.
	DeliverAll
)

// SubscriptionType distinguishes ordinary consumers from delivery-notification
// consumers.
type SubscriptionType uint8

const (
	// TypeSubscriber consumes published messages.
	TypeSubscriber SubscriptionType = iota
	// TypePublisher consumes delivery-failure notifications.
	TypePublisher
)

// SubscriptionPolicy selects the subscription slot semantics.
type SubscriptionPolicy uint8

const (
	// PolicyShared allows many clients on one subscription id.
	PolicyShared SubscriptionPolicy = iota
	// PolicyExclusive holds at most one connected client at a time.
	PolicyExclusive
	// PolicyEvent accumulates an unbounded client set for fan-out eventing.
	PolicyEvent
)

// RemoveReason states why a message is being removed from its topic.
type RemoveReason uint8

const (
	RemovedDelivered RemoveReason = iota
	RemovedExpired
	RemovedEvicted
)

// FailureReason is carried by converted delivery-failure notifications.
type FailureReason uint8

const (
	FailureNone FailureReason = iota
	FailureExpired
	FailureEvicted
)

// Reserved system topics. Messages published to them are always treated as
// DeliverAll with an Event subscription policy, regardless of what the
// publisher requested: they carry cache-wide event notifications that must
// reach every subscribed client.
const (
	GeneralEventsTopic         = "$GeneralEvents$"
	ItemLevelEventsTopic       = "$ItemLevelEvents$"
	ContinuousQueryEventsTopic = "$ContinuousQueryEvents$"
	CollectionEventsTopic      = "$CollectionEvents$"
)

// EventsSubscriptionID is the well-known subscription id shared by all clients
// of an event-policy subscription on a reserved topic.
const EventsSubscriptionID = "$EventSubscription$"

// IsReservedTopic reports whether name is one of the reserved system topics.
func IsReservedTopic(name string) bool {
	switch name {
	case GeneralEventsTopic, ItemLevelEventsTopic, ContinuousQueryEventsTopic, CollectionEventsTopic:
		return true
	default:
		return false
	}
}

// SubscriptionKey identifies a subscription within a topic.
type SubscriptionKey struct {
	ID     string
	Policy SubscriptionPolicy
}

// Message is a published message owned by its Topic from creation until
// removal. Relationship state (holders, recipients) is guarded by the owning
// Topic's lock; Messages must not be mutated outside it.
type Message struct {
	ID           string
	Topic        string
	Payload      []byte
	Flags        uint16
	CreationTime time.Time

	DeliveryOption   DeliveryOption
	SubscriptionType SubscriptionType

	// NotifyOnFailure requests conversion into a delivery-failure
	// notification instead of deletion when the message expires unacked.
	NotifyOnFailure bool
	DeliveryFailed  bool
	FailureReason   FailureReason

	// TTL of zero means the message never expires.
	TTL            time.Duration
	AbsoluteExpiry *time.Time

	assigned       bool
	assignmentTime *time.Time
	everAcked      bool

	// recipients holds the subscription ids the message is earmarked for;
	// for DeliverAny it remembers the single chosen recipient.
	recipients    map[string]struct{}
	recipientKeys map[SubscriptionKey]struct{}

	// holders registers the client ids whose aggregates currently hold this
	// message. Registration, not ownership: an empty set means no one
	// references the message any more.
	holders map[string]struct{}
}

// NewMessage creates a message for the given topic. An empty id is replaced
// with a generated one.
func NewMessage(id, topic string, payload []byte) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	return &Message{
		ID:            id,
		Topic:         topic,
		Payload:       payload,
		CreationTime:  time.Now(),
		recipients:    make(map[string]struct{}),
		recipientKeys: make(map[SubscriptionKey]struct{}),
		holders:       make(map[string]struct{}),
	}
}

// Size returns the accounted in-memory size of the message.
func (m *Message) Size() int64 {
	return int64(len(m.Payload) + len(m.ID) + len(m.Topic) + 64)
}

// IsAssigned reports whether the message currently occupies an assignment slot.
func (m *Message) IsAssigned() bool {
	return m.assigned
}

// AssignmentTime returns the time of the first active assignment, or nil.
func (m *Message) AssignmentTime() *time.Time {
	return m.assignmentTime
}

// EverAcknowledged reports whether any recipient ever acknowledged the message.
func (m *Message) EverAcknowledged() bool {
	return m.everAcked
}

// initExpiration fixes the absolute expiry from TTL if not already set.
func (m *Message) initExpiration() {
	if m.TTL <= 0 || m.AbsoluteExpiry != nil {
		return
	}
	at := time.Now().Add(m.TTL)
	m.AbsoluteExpiry = &at
}

func (m *Message) registerHolder(clientID string) {
	if _, ok := m.holders[clientID]; ok {
		return
	}
	if m.assignmentTime == nil {
		now := time.Now()
		m.assignmentTime = &now
	}
	m.assigned = true
	m.holders[clientID] = struct{}{}
}

func (m *Message) unregisterHolder(clientID string) {
	delete(m.holders, clientID)
}

func (m *Message) hasHolders() bool {
	return len(m.holders) > 0
}

func (m *Message) holderIDs() []string {
	ids := make([]string, 0, len(m.holders))
	for id := range m.holders {
		ids = append(ids, id)
	}
	return ids
}

func (m *Message) addRecipient(subscriptionID string, key SubscriptionKey) {
	m.recipients[subscriptionID] = struct{}{}
	m.recipientKeys[key] = struct{}{}
}

func (m *Message) removeRecipient(subscriptionID string, key SubscriptionKey) {
	delete(m.recipients, subscriptionID)
	delete(m.recipientKeys, key)
}

// removable reports that no subscription is earmarked to receive the message.
func (m *Message) removable() bool {
	return len(m.recipients) == 0
}

// delivered reports that the message was assigned and every recipient has let
// go of it.
func (m *Message) delivered() bool {
	return m.assigned && len(m.holders) == 0 && len(m.recipients) == 0
}

// resetAssignment clears the assignment slot so the message can be requeued.
func (m *Message) resetAssignment() {
	m.assigned = false
	m.assignmentTime = nil
}

// firstRecipient returns an earmarked subscription id, if any.
func (m *Message) firstRecipient() (string, bool) {
	for id := range m.recipients {
		return id, true
	}
	return "", false
}

// Clone returns a copy with shallow payload and deep relationship metadata,
// used when transferring the message to a cooperating node.
func (m *Message) Clone() *Message {
	clone := *m
	clone.recipients = make(map[string]struct{}, len(m.recipients))
	for id := range m.recipients {
		clone.recipients[id] = struct{}{}
	}
	clone.recipientKeys = make(map[SubscriptionKey]struct{}, len(m.recipientKeys))
	for key := range m.recipientKeys {
		clone.recipientKeys[key] = struct{}{}
	}
	clone.holders = make(map[string]struct{}, len(m.holders))
	for id := range m.holders {
		clone.holders[id] = struct{}{}
	}
	if m.AbsoluteExpiry != nil {
		at := *m.AbsoluteExpiry
		clone.AbsoluteExpiry = &at
	}
	if m.assignmentTime != nil {
		at := *m.assignmentTime
		clone.assignmentTime = &at
	}
	return &clone
}

// MessageInfo is a lightweight reference to a stored message, passed between
// the engine loops and the topic store.
type MessageInfo struct {
	ID              string
	Topic           string
	DeliveryOption  DeliveryOption
	NotifyOnFailure bool
}

// SubscriptionInfo identifies a subscription across the API boundary. It is
// transient: the engine resolves it against the stored Subscription records.
type SubscriptionInfo struct {
	ClientID       string
	SubscriptionID string
	Type           SubscriptionType
	Policy         SubscriptionPolicy
	Expiration     time.Duration
}

// Key returns the SubscriptionKey this info resolves to.
func (si SubscriptionInfo) Key() SubscriptionKey {
	return SubscriptionKey{ID: si.SubscriptionID, Policy: si.Policy}
}
