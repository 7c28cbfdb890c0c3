// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"container/heap"
	"time"
)

type expiryEntry struct {
	id string
	at time.Time
}

type expiryHeap []expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// expirationIndex is a time-ordered index from message id to absolute expiry.
// Removed ids are dropped lazily when their heap entry surfaces. Not
// thread-safe; guarded by the owning Topic's lock.
type expirationIndex struct {
	entries expiryHeap
	expiry  map[string]time.Time
}

func newExpirationIndex() *expirationIndex {
	return &expirationIndex{expiry: make(map[string]time.Time)}
}

// Add indexes the message id under the given absolute expiry, replacing any
// previous entry for the same id.
func (idx *expirationIndex) Add(id string, at time.Time) {
	idx.expiry[id] = at
	heap.Push(&idx.entries, expiryEntry{id: id, at: at})
}

// Remove unindexes the id. The heap entry stays behind as a tombstone.
func (idx *expirationIndex) Remove(id string) {
	delete(idx.expiry, id)
}

// Expired pops and returns the ids whose expiry is at or before now.
func (idx *expirationIndex) Expired(now time.Time) []string {
	var expired []string
	for idx.entries.Len() > 0 {
		head := idx.entries[0]
		current, ok := idx.expiry[head.id]
		if !ok || !current.Equal(head.at) {
			// Tombstone from Remove or a re-Add with a new expiry.
			heap.Pop(&idx.entries)
			continue
		}
		if head.at.After(now) {
			break
		}
		heap.Pop(&idx.entries)
		delete(idx.expiry, head.id)
		expired = append(expired, head.id)
	}
	return expired
}

// Contains reports whether the id is indexed.
func (idx *expirationIndex) Contains(id string) bool {
	_, ok := idx.expiry[id]
	return ok
}

// Len returns the number of indexed ids.
func (idx *expirationIndex) Len() int {
	return len(idx.expiry)
}
