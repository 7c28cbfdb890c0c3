// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import "errors"

var (
	// ErrMessageExists is returned when a message id is stored twice on the
	// same topic outside of a replication replay.
	ErrMessageExists = errors.New("message id already exists")

	// ErrTopicNotFound is returned for operations on unknown topics.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrSubscriptionNotFound is returned when an assignment or acknowledgment
	// names a subscription the topic does not know about.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionOccupied is returned when a client tries to take an
	// exclusive subscription slot already held by another client.
	ErrSubscriptionOccupied = errors.New("exclusive subscription already occupied")

	// ErrNoSubscribers is returned when a message is stored on a reserved
	// system topic that currently has no subscribed clients.
	ErrNoSubscribers = errors.New("topic has no subscribers")

	// ErrEngineStopped is returned for operations submitted after shutdown.
	ErrEngineStopped = errors.New("messaging engine stopped")

	// ErrRateLimited is returned when a client exceeds its publish or
	// subscribe rate allowance.
	ErrRateLimited = errors.New("client rate limited")
)
