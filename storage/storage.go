// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage persists pub/sub engine state: the topics-state membership
// snapshot saved on shutdown and restored on start, and staged message
// envelopes for node-to-node transfer. Restores always replay through the
// engine's create/subscribe/assign primitives, never into live structures.
package storage

import (
	"errors"

	"github.com/absmach/cachemq/messaging"
)

// Common errors.
var (
	ErrNotFound  = errors.New("not found")
	ErrCorrupted = errors.New("corrupted record")
)

// SnapshotStore is the persistence backend for engine state.
type SnapshotStore interface {
	// SaveTopicsState persists the membership snapshot, replacing any
	// previous one.
	SaveTopicsState(state messaging.TopicsState) error

	// LoadTopicsState returns the persisted snapshot, or ErrNotFound.
	LoadTopicsState() (messaging.TopicsState, error)

	// SaveMessage stages a transferable message envelope under its topic.
	SaveMessage(topic string, env *messaging.TransferableMessage) error

	// LoadMessages returns all staged envelopes for a topic.
	LoadMessages(topic string) ([]*messaging.TransferableMessage, error)

	// DeleteMessage removes one staged envelope.
	DeleteMessage(topic, id string) error

	// DeleteTopic removes every staged envelope of a topic.
	DeleteTopic(topic string) error

	// Close releases the backend.
	Close() error
}
