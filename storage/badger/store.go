// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides the BadgerDB-backed snapshot store. Values are
// versioned JSON records compressed with s2 before they hit the value log.
package badger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"

	"github.com/absmach/cachemq/messaging"
	"github.com/absmach/cachemq/storage"
)

var _ storage.SnapshotStore = (*Store)(nil)

const recordVersion = 1

const (
	stateKey      = "state/topics"
	messagePrefix = "msg/"
)

// record wraps every stored value so the layout can evolve across releases.
type record struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
}

// Store is the BadgerDB-backed snapshot store.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the database and starts background value log GC.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	// Snapshots are re-creatable from the live engine; fsync per write is
	// not worth the cost.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	wrapped, err := json.Marshal(record{Version: recordVersion, Data: data})
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, wrapped), nil
}

func decode(val []byte, v any) error {
	wrapped, err := s2.Decode(nil, val)
	if err != nil {
		return storage.ErrCorrupted
	}
	var rec record
	if err := json.Unmarshal(wrapped, &rec); err != nil {
		return storage.ErrCorrupted
	}
	if rec.Version > recordVersion {
		return fmt.Errorf("%w: unsupported record version %d", storage.ErrCorrupted, rec.Version)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return storage.ErrCorrupted
	}
	return nil
}

func messageKey(topic, id string) []byte {
	return []byte(messagePrefix + topic + "/" + id)
}

// SaveTopicsState persists the membership snapshot.
func (s *Store) SaveTopicsState(state messaging.TopicsState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stateKey), data)
	})
}

// LoadTopicsState returns the persisted snapshot.
func (s *Store) LoadTopicsState() (messaging.TopicsState, error) {
	var state messaging.TopicsState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(stateKey))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return decode(val, &state)
		})
	})
	return state, err
}

// SaveMessage stages a transferable message envelope.
func (s *Store) SaveMessage(topic string, env *messaging.TransferableMessage) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(topic, env.Message.ID), data)
	})
}

// LoadMessages returns all staged envelopes for a topic.
func (s *Store) LoadMessages(topic string) ([]*messaging.TransferableMessage, error) {
	var out []*messaging.TransferableMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix + topic + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var env messaging.TransferableMessage
				if err := decode(val, &env); err != nil {
					return err
				}
				out = append(out, &env)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// DeleteMessage removes one staged envelope.
func (s *Store) DeleteMessage(topic, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(topic, id))
	})
}

// DeleteTopic removes every staged envelope of a topic.
func (s *Store) DeleteTopic(topic string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix + topic + "/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
