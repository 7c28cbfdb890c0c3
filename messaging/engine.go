// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/cachemq/scheduler"
)

// Options holds the engine's timing knobs.
type Options struct {
	// AssignmentTimeout is how long an assignment may stay unacknowledged
	// before the revocation sweep takes it back.
	AssignmentTimeout time.Duration
	// RevokeInterval bounds how often the revocation sweep runs.
	RevokeInterval time.Duration
	// AssignmentBatch caps messages assigned per loop cycle so the loop never
	// starves other work sharing the process.
	AssignmentBatch int
	// IdleWait caps how long the assignment loop sleeps between cycles when
	// no listener callback wakes it earlier.
	IdleWait time.Duration
	// NotificationInterval is the poll-signal loop period.
	NotificationInterval time.Duration
	// ExpirationInterval is the expiration sweep period.
	ExpirationInterval time.Duration
	// ClientIdleTimeout is the activity window for the client IsActive check.
	ClientIdleTimeout time.Duration
	// InactiveClientThreshold is how long a client may stay silent before its
	// subscriptions are torn down.
	InactiveClientThreshold time.Duration
}

// DefaultOptions returns the stock engine timings.
func DefaultOptions() Options {
	return Options{
		AssignmentTimeout:       20 * time.Second,
		RevokeInterval:          10 * time.Second,
		AssignmentBatch:         200,
		IdleWait:                5 * time.Second,
		NotificationInterval:    500 * time.Millisecond,
		ExpirationInterval:      15 * time.Second,
		ClientIdleTimeout:       30 * time.Second,
		InactiveClientThreshold: 90 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.AssignmentTimeout <= 0 {
		o.AssignmentTimeout = def.AssignmentTimeout
	}
	if o.RevokeInterval <= 0 {
		o.RevokeInterval = def.RevokeInterval
	}
	if o.AssignmentBatch <= 0 {
		o.AssignmentBatch = def.AssignmentBatch
	}
	if o.IdleWait <= 0 {
		o.IdleWait = def.IdleWait
	}
	if o.NotificationInterval <= 0 {
		o.NotificationInterval = def.NotificationInterval
	}
	if o.ExpirationInterval <= 0 {
		o.ExpirationInterval = def.ExpirationInterval
	}
	if o.ClientIdleTimeout <= 0 {
		o.ClientIdleTimeout = def.ClientIdleTimeout
	}
	if o.InactiveClientThreshold <= 0 {
		o.InactiveClientThreshold = def.InactiveClientThreshold
	}
	return o
}

// RateLimiter gates client operations. A nil limiter admits everything.
type RateLimiter interface {
	AllowPublish(clientID string) bool
	AllowSubscribe(clientID string) bool
}

// TopicOperationType selects the operation performed by TopicOperation.
type TopicOperationType uint8

const (
	OpCreateTopic TopicOperationType = iota
	OpRemoveTopic
	OpCreateSubscription
	OpRemoveSubscription
	OpRefreshSubscription
	OpRemoveInactiveSubscriber
)

// TopicOperation is the single entry point for topic and subscription
// lifecycle changes coming over the API boundary.
type TopicOperation struct {
	Type         TopicOperationType
	Topic        string
	Subscription SubscriptionInfo
}

// AssignmentOperationType selects assign versus revoke.
type AssignmentOperationType uint8

const (
	OpAssign AssignmentOperationType = iota
	OpRevoke
)

// Engine is the background pub/sub engine: an assignment loop, a client
// notification loop, and a periodic expiration sweep driving all topics
// forward. It registers itself as the topic listener so that new work bumps a
// version counter and wakes the assignment loop out of its idle wait, giving
// low-latency assignment without busy polling.
type Engine struct {
	opts   Options
	topics *TopicManager
	logger *slog.Logger
	poll   PollListener
	stats  StatsSink
	limit  RateLimiter
	events EventSink

	mu         sync.Mutex
	version    uint64
	lastRevoke time.Time
	stopped    bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates a stopped engine. logger, poll, stats and limit may be
// nil.
func NewEngine(opts Options, logger *slog.Logger, poll PollListener, stats StatsSink, limit RateLimiter) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NopStatsSink{}
	}
	e := &Engine{
		opts:   opts.withDefaults(),
		logger: logger,
		poll:   poll,
		stats:  stats,
		limit:  limit,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	e.topics = NewTopicManager(e)
	return e
}

// SetEventSink registers an outbound event sink. Must be called before Start.
func (e *Engine) SetEventSink(sink EventSink) {
	e.events = sink
}

// Topics exposes the registry, used by the health server and tests.
func (e *Engine) Topics() *TopicManager {
	return e.topics
}

// Start launches the assignment and notification loops and registers the
// expiration sweep on the shared scheduler. A nil scheduler skips the sweep;
// tests drive it directly.
func (e *Engine) Start(sched *scheduler.TimeScheduler) {
	e.wg.Add(2)
	go e.assignmentLoop()
	go e.notificationLoop()
	if sched != nil {
		sched.Schedule(&expirationTask{engine: e})
	}
}

// Stop shuts the loops down. Loops exit within one wait interval.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// signal bumps the version and wakes the assignment loop. The buffered
// channel coalesces any number of notifications into a single wake.
func (e *Engine) signal() {
	e.mu.Lock()
	e.version++
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) currentVersion() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// OnMessageArrived implements TopicListener.
func (e *Engine) OnMessageArrived(string) { e.signal() }

// OnSubscriptionCreated implements TopicListener.
func (e *Engine) OnSubscriptionCreated(string) { e.signal() }

// OnSubscriptionRemoved implements TopicListener.
func (e *Engine) OnSubscriptionRemoved(string) { e.signal() }

// OnMessageDelivered implements TopicListener.
func (e *Engine) OnMessageDelivered(string) { e.signal() }

func (e *Engine) assignmentLoop() {
	defer e.wg.Done()
	for {
		seen := e.currentVersion()
		e.assignmentCycle()
		if e.currentVersion() != seen {
			// New work arrived during the cycle; go again right away.
			select {
			case <-e.stop:
				return
			default:
				continue
			}
		}
		timer := time.NewTimer(e.opts.IdleWait)
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// assignmentCycle runs one pass: revoke expired assignments, drop inactive
// clients, assign a bounded batch of pending messages, remove delivered ones.
// A panic is confined to the cycle.
func (e *Engine) assignmentCycle() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("assignment cycle panicked", slog.Any("panic", r))
		}
	}()

	e.mu.Lock()
	dueRevoke := time.Since(e.lastRevoke) >= e.opts.RevokeInterval
	if dueRevoke {
		e.lastRevoke = time.Now()
	}
	e.mu.Unlock()
	if dueRevoke {
		e.revokeExpiredAssignments()
		e.removeInactiveClients()
	}

	e.assignPending()
	e.removeDelivered()
}

func (e *Engine) revokeExpiredAssignments() {
	for _, mi := range e.topics.GetNeverAcknowledgedMessages(e.opts.AssignmentTimeout) {
		t, ok := e.topics.GetTopic(mi.Topic)
		if !ok {
			continue
		}
		t.RevokeAssignment(mi, nil)
		e.logger.Debug("assignment revoked on timeout",
			slog.String("topic", mi.Topic),
			slog.String("message", mi.ID))
	}
}

func (e *Engine) removeInactiveClients() {
	// Poll-only clients are refreshed instead of torn down.
	for topic, clients := range e.topics.GetActiveClientSubscriptions(e.opts.InactiveClientThreshold) {
		t, ok := e.topics.GetTopic(topic)
		if !ok {
			continue
		}
		for _, clientID := range clients {
			t.RefreshClientSubscriptions(clientID)
		}
	}
	for topic, clients := range e.topics.RemoveInactiveClients(e.opts.InactiveClientThreshold) {
		e.logger.Info("inactive clients removed",
			slog.String("topic", topic),
			slog.Int("count", len(clients)))
	}
}

func (e *Engine) assignPending() {
	for i := 0; i < e.opts.AssignmentBatch; i++ {
		mi, ok := e.topics.GetNextUnassignedMessage()
		if !ok {
			break
		}
		if !e.assignOne(mi, TypeSubscriber) {
			break
		}
	}
	for i := 0; i < e.opts.AssignmentBatch; i++ {
		mi, ok := e.topics.GetNextUndeliveredMessage()
		if !ok {
			break
		}
		if !e.assignOne(mi, TypePublisher) {
			break
		}
	}
}

func (e *Engine) assignOne(mi MessageInfo, typ SubscriptionType) bool {
	t, ok := e.topics.GetTopic(mi.Topic)
	if !ok {
		return false
	}
	if typ == TypeSubscriber && mi.DeliveryOption == DeliverAll {
		// Empty subscription fans out to every active subscriber.
		return t.AssignSubscription(mi, SubscriptionInfo{})
	}
	si, ok := t.GetSubscriber(typ)
	if !ok {
		return false
	}
	return t.AssignSubscription(mi, si)
}

func (e *Engine) removeDelivered() {
	var delivered int64
	for _, mi := range e.topics.GetDeliveredMessages() {
		t, ok := e.topics.GetTopic(mi.Topic)
		if !ok {
			continue
		}
		if t.RemoveMessage(mi.ID, RemovedDelivered) {
			delivered++
			if e.events != nil {
				e.events.MessageDelivered(mi.Topic, mi.ID)
			}
		}
	}
	if delivered > 0 {
		e.stats.MessageDelivered(delivered)
	}
}

func (e *Engine) notificationLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.NotificationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.notifyClients()
		}
	}
}

func (e *Engine) notifyClients() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notification cycle panicked", slog.Any("panic", r))
		}
	}()
	if e.poll == nil {
		return
	}
	for _, clientID := range e.topics.GetNotifiableClients() {
		e.poll.OnPollNotify(clientID, PollNotifyCode, EventTypePubSub)
	}
}

// SweepExpired removes every expired message, converting the eligible ones
// into delivery-failure notifications. Normally driven by the scheduler task;
// exposed for direct invocation.
func (e *Engine) SweepExpired() {
	var expired int64
	for _, mi := range e.topics.GetExpiredMessages(time.Now()) {
		t, ok := e.topics.GetTopic(mi.Topic)
		if !ok {
			continue
		}
		if t.RemoveMessage(mi.ID, RemovedExpired) {
			expired++
			if e.events != nil {
				// A message still present after removal was converted into a
				// delivery-failure notification rather than dropped.
				if _, converted := t.messageSize(mi.ID); converted {
					e.events.DeliveryFailed(mi.Topic, mi.ID)
				} else {
					e.events.MessageExpired(mi.Topic, mi.ID)
				}
			}
		}
	}
	if expired > 0 {
		e.stats.MessageExpired(expired)
		// Converted failure notifications are new assignable work.
		e.signal()
	}
}

type expirationTask struct {
	engine *Engine
}

func (t *expirationTask) Run()                        { t.engine.SweepExpired() }
func (t *expirationTask) NextInterval() time.Duration { return t.engine.opts.ExpirationInterval }
func (t *expirationTask) IsCancelled() bool           { return t.engine.isStopped() }
