// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/absmach/cachemq/scheduler"
)

type countingSink struct {
	published int64
	delivered int64
	expired   int64
	evicted   int64
}

func (s *countingSink) MessagePublished(n int64) { atomic.AddInt64(&s.published, n) }
func (s *countingSink) MessageDelivered(n int64) { atomic.AddInt64(&s.delivered, n) }
func (s *countingSink) MessageExpired(n int64)   { atomic.AddInt64(&s.expired, n) }
func (s *countingSink) MessageEvicted(n int64)   { atomic.AddInt64(&s.evicted, n) }
func (s *countingSink) TopicCount(int64)         {}
func (s *countingSink) StoreSize(int64)          {}

type recordingPoll struct {
	mu       sync.Mutex
	notified map[string]int
}

func newRecordingPoll() *recordingPoll {
	return &recordingPoll{notified: make(map[string]int)}
}

func (p *recordingPoll) OnPollNotify(clientID string, code int, event EventType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified[clientID]++
}

func (p *recordingPoll) count(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notified[clientID]
}

type denyLimiter struct{}

func (denyLimiter) AllowPublish(string) bool   { return false }
func (denyLimiter) AllowSubscribe(string) bool { return false }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		AssignmentTimeout:       20 * time.Second,
		RevokeInterval:          10 * time.Millisecond,
		AssignmentBatch:         200,
		IdleWait:                20 * time.Millisecond,
		NotificationInterval:    10 * time.Millisecond,
		ExpirationInterval:      10 * time.Millisecond,
		ClientIdleTimeout:       30 * time.Second,
		InactiveClientThreshold: time.Hour,
	}
}

func startTestEngine(t *testing.T, poll PollListener, stats StatsSink) *Engine {
	t.Helper()
	e := NewEngine(fastOptions(), testLogger(), poll, stats, nil)
	e.Start(nil)
	t.Cleanup(e.Stop)
	return e
}

func TestEnginePublishAssignAcknowledge(t *testing.T) {
	sink := &countingSink{}
	poll := newRecordingPoll()
	e := startTestEngine(t, poll, sink)

	require.NoError(t, e.TopicOperation(TopicOperation{Type: OpCreateTopic, Topic: "orders"}, OpContext{}))
	require.NoError(t, e.TopicOperation(TopicOperation{
		Type:         OpCreateSubscription,
		Topic:        "orders",
		Subscription: subInfo("c1", "s1"),
	}, OpContext{ClientID: "c1"}))

	m := NewMessage("m1", "orders", []byte("hello"))
	m.DeliveryOption = DeliverAny
	require.NoError(t, e.StoreMessage("orders", m, OpContext{ClientID: "pub"}))

	require.Eventually(t, func() bool {
		return len(e.GetAssignedMessages("orders", "c1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The notification loop signals the client while the message waits.
	require.Eventually(t, func() bool {
		return poll.count("c1") > 0
	}, 2*time.Second, 5*time.Millisecond)

	e.AcknowledgeMessageReceipt("c1", map[string][]string{"orders": {"m1"}})

	require.Eventually(t, func() bool {
		topic, ok := e.Topics().GetTopic("orders")
		return ok && topic.Count() == 0 && atomic.LoadInt64(&sink.delivered) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&sink.published))
}

func TestEngineReservedTopicFanOut(t *testing.T) {
	e := startTestEngine(t, nil, nil)

	for _, c := range []string{"c1", "c2"} {
		require.NoError(t, e.TopicOperation(TopicOperation{
			Type:  OpCreateSubscription,
			Topic: GeneralEventsTopic,
			Subscription: SubscriptionInfo{
				ClientID: c,
				Type:     TypeSubscriber,
			},
		}, OpContext{ClientID: c}))
	}

	// DeliverAny is overridden for reserved topics.
	m := NewMessage("ev1", GeneralEventsTopic, []byte("event"))
	m.DeliveryOption = DeliverAny
	require.NoError(t, e.StoreMessage(GeneralEventsTopic, m, OpContext{}))
	assert.Equal(t, DeliverAll, m.DeliveryOption)

	for _, c := range []string{"c1", "c2"} {
		c := c
		require.Eventually(t, func() bool {
			got := e.GetAssignedMessages(GeneralEventsTopic, c)
			return len(got) == 1 && got[0].ID == "ev1"
		}, 2*time.Second, 5*time.Millisecond, "client %s", c)
	}
}

func TestEngineExpiredConversionReachesNotificationSubscriber(t *testing.T) {
	sink := &countingSink{}
	e := startTestEngine(t, nil, sink)

	require.NoError(t, e.TopicOperation(TopicOperation{Type: OpCreateTopic, Topic: "orders"}, OpContext{}))
	require.NoError(t, e.TopicOperation(TopicOperation{
		Type:         OpCreateSubscription,
		Topic:        "orders",
		Subscription: subInfo("c1", "s1"),
	}, OpContext{}))
	require.NoError(t, e.TopicOperation(TopicOperation{
		Type:  OpCreateSubscription,
		Topic: "orders",
		Subscription: SubscriptionInfo{
			ClientID:       "c1",
			SubscriptionID: "notif",
			Type:           TypePublisher,
			Policy:         PolicyShared,
		},
	}, OpContext{}))

	m := NewMessage("m1", "orders", []byte("x"))
	m.DeliveryOption = DeliverAny
	m.NotifyOnFailure = true
	m.TTL = 10 * time.Millisecond
	require.NoError(t, e.StoreMessage("orders", m, OpContext{}))

	time.Sleep(30 * time.Millisecond)
	e.SweepExpired()
	assert.Equal(t, int64(1), atomic.LoadInt64(&sink.expired))

	require.Eventually(t, func() bool {
		for _, got := range e.GetAssignedMessages("orders", "c1") {
			if got.ID == "m1" && got.DeliveryFailed && got.SubscriptionType == TypePublisher {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngineEvict(t *testing.T) {
	sink := &countingSink{}
	e := NewEngine(fastOptions(), testLogger(), nil, sink, nil)

	require.NoError(t, e.TopicOperation(TopicOperation{Type: OpCreateTopic, Topic: "orders"}, OpContext{}))
	var total int64
	for i := 0; i < 4; i++ {
		m := NewMessage("", "orders", make([]byte, 100))
		require.NoError(t, e.StoreMessage("orders", m, OpContext{}))
		total += m.Size()
	}

	evicted := e.Evict(total / 2)
	assert.GreaterOrEqual(t, evicted, total/2)
	assert.Greater(t, atomic.LoadInt64(&sink.evicted), int64(0))
}

func TestEngineRateLimited(t *testing.T) {
	e := NewEngine(fastOptions(), testLogger(), nil, nil, denyLimiter{})
	require.NoError(t, e.TopicOperation(TopicOperation{Type: OpCreateTopic, Topic: "orders"}, OpContext{}))

	err := e.StoreMessage("orders", NewMessage("m1", "orders", nil), OpContext{ClientID: "c1"})
	require.True(t, errors.Is(err, ErrRateLimited))

	err = e.TopicOperation(TopicOperation{
		Type:         OpCreateSubscription,
		Topic:        "orders",
		Subscription: subInfo("c1", "s1"),
	}, OpContext{ClientID: "c1"})
	require.True(t, errors.Is(err, ErrRateLimited))

	// Replicated replays bypass the limiter.
	require.NoError(t, e.StoreMessage("orders", NewMessage("m2", "orders", nil), OpContext{Replicated: true}))
}

func TestEngineUnknownTopic(t *testing.T) {
	e := NewEngine(fastOptions(), testLogger(), nil, nil, nil)
	err := e.StoreMessage("missing", NewMessage("m1", "missing", nil), OpContext{})
	require.True(t, errors.Is(err, ErrTopicNotFound))
}

func TestEngineStoppedRejectsOperations(t *testing.T) {
	e := NewEngine(fastOptions(), testLogger(), nil, nil, nil)
	e.Start(nil)
	e.Stop()

	err := e.StoreMessage("orders", NewMessage("m1", "orders", nil), OpContext{})
	require.True(t, errors.Is(err, ErrEngineStopped))
	err = e.TopicOperation(TopicOperation{Type: OpCreateTopic, Topic: "orders"}, OpContext{})
	require.True(t, errors.Is(err, ErrEngineStopped))
}

func TestEngineShutdownNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	sched := scheduler.New(testLogger())
	e := NewEngine(fastOptions(), testLogger(), newRecordingPoll(), &countingSink{}, nil)
	e.Start(sched)

	require.NoError(t, e.TopicOperation(TopicOperation{Type: OpCreateTopic, Topic: "orders"}, OpContext{}))
	require.NoError(t, e.TopicOperation(TopicOperation{
		Type:         OpCreateSubscription,
		Topic:        "orders",
		Subscription: subInfo("c1", "s1"),
	}, OpContext{}))
	require.NoError(t, e.StoreMessage("orders", NewMessage("m1", "orders", nil), OpContext{}))

	time.Sleep(50 * time.Millisecond)
	e.Stop()
	sched.Stop()
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) record(kind, topic, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+topic+":"+id)
}

func (r *recordingEvents) has(want string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev == want {
			return true
		}
	}
	return false
}

func (r *recordingEvents) TopicCreated(topic string)         { r.record("topic_created", topic, "") }
func (r *recordingEvents) TopicRemoved(topic string)         { r.record("topic_removed", topic, "") }
func (r *recordingEvents) MessagePublished(topic, id string) { r.record("published", topic, id) }
func (r *recordingEvents) MessageDelivered(topic, id string) { r.record("delivered", topic, id) }
func (r *recordingEvents) MessageExpired(topic, id string)   { r.record("expired", topic, id) }
func (r *recordingEvents) DeliveryFailed(topic, id string)   { r.record("delivery_failed", topic, id) }

func TestEngineEventSink(t *testing.T) {
	events := &recordingEvents{}
	e := NewEngine(fastOptions(), testLogger(), nil, nil, nil)
	e.SetEventSink(events)
	e.Start(nil)
	t.Cleanup(e.Stop)

	require.NoError(t, e.TopicOperation(TopicOperation{Type: OpCreateTopic, Topic: "orders"}, OpContext{}))
	require.NoError(t, e.TopicOperation(TopicOperation{
		Type:         OpCreateSubscription,
		Topic:        "orders",
		Subscription: subInfo("c1", "s1"),
	}, OpContext{}))

	m := NewMessage("m1", "orders", []byte("hello"))
	m.DeliveryOption = DeliverAny
	require.NoError(t, e.StoreMessage("orders", m, OpContext{}))

	assert.True(t, events.has("topic_created:orders:"))
	assert.True(t, events.has("published:orders:m1"))

	require.Eventually(t, func() bool {
		return len(e.GetAssignedMessages("orders", "c1")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	e.AcknowledgeMessageReceipt("c1", map[string][]string{"orders": {"m1"}})

	require.Eventually(t, func() bool {
		return events.has("delivered:orders:m1")
	}, 2*time.Second, 5*time.Millisecond)

	// Expiration sweep emits expired for plain messages and delivery_failed
	// for ones converted into failure notifications.
	plain := NewMessage("m2", "orders", nil)
	plain.TTL = time.Nanosecond
	require.NoError(t, e.StoreMessage("orders", plain, OpContext{}))
	notify := NewMessage("m3", "orders", nil)
	notify.TTL = time.Nanosecond
	notify.NotifyOnFailure = true
	require.NoError(t, e.StoreMessage("orders", notify, OpContext{}))

	time.Sleep(5 * time.Millisecond)
	e.SweepExpired()

	require.Eventually(t, func() bool {
		return events.has("expired:orders:m2") && events.has("delivery_failed:orders:m3")
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.TopicOperation(TopicOperation{Type: OpRemoveTopic, Topic: "orders"}, OpContext{}))
	assert.True(t, events.has("topic_removed:orders:"))
}
