// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-memory snapshot store used for single-node
// deployments and tests.
package memory

import (
	"encoding/json"
	"sync"

	"github.com/absmach/cachemq/messaging"
	"github.com/absmach/cachemq/storage"
)

var _ storage.SnapshotStore = (*Store)(nil)

// Store keeps snapshots in process memory. Values are deep-copied through
// JSON so callers never share state with the store.
type Store struct {
	mu       sync.RWMutex
	state    []byte
	messages map[string]map[string][]byte // topic -> message id -> envelope
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		messages: make(map[string]map[string][]byte),
	}
}

// SaveTopicsState persists the membership snapshot.
func (s *Store) SaveTopicsState(state messaging.TopicsState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = data
	return nil
}

// LoadTopicsState returns the persisted snapshot.
func (s *Store) LoadTopicsState() (messaging.TopicsState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var state messaging.TopicsState
	if s.state == nil {
		return state, storage.ErrNotFound
	}
	if err := json.Unmarshal(s.state, &state); err != nil {
		return state, storage.ErrCorrupted
	}
	return state, nil
}

// SaveMessage stages a transferable message envelope.
func (s *Store) SaveMessage(topic string, env *messaging.TransferableMessage) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.messages[topic]
	if !ok {
		byID = make(map[string][]byte)
		s.messages[topic] = byID
	}
	byID[env.Message.ID] = data
	return nil
}

// LoadMessages returns all staged envelopes for a topic.
func (s *Store) LoadMessages(topic string) ([]*messaging.TransferableMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.messages[topic]
	if !ok {
		return nil, nil
	}
	out := make([]*messaging.TransferableMessage, 0, len(byID))
	for _, data := range byID {
		var env messaging.TransferableMessage
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, storage.ErrCorrupted
		}
		out = append(out, &env)
	}
	return out, nil
}

// DeleteMessage removes one staged envelope.
func (s *Store) DeleteMessage(topic, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.messages[topic]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(s.messages, topic)
		}
	}
	return nil
}

// DeleteTopic removes every staged envelope of a topic.
func (s *Store) DeleteTopic(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, topic)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
