// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

// roundRobin is a cursor over a set of ids that returns each id once per full
// cycle before repeating. It is not thread-safe: the owning Topic, client
// aggregate or TopicManager mutates it under its own lock.
type roundRobin[T comparable] struct {
	ids    []T
	index  map[T]int
	cursor int
}

func newRoundRobin[T comparable]() *roundRobin[T] {
	return &roundRobin[T]{index: make(map[T]int)}
}

// Add registers an id. Duplicates are ignored.
func (rr *roundRobin[T]) Add(id T) {
	if _, ok := rr.index[id]; ok {
		return
	}
	rr.index[id] = len(rr.ids)
	rr.ids = append(rr.ids, id)
}

// Remove unregisters an id, keeping the cyclic order of the rest stable.
func (rr *roundRobin[T]) Remove(id T) {
	pos, ok := rr.index[id]
	if !ok {
		return
	}
	delete(rr.index, id)
	rr.ids = append(rr.ids[:pos], rr.ids[pos+1:]...)
	for i := pos; i < len(rr.ids); i++ {
		rr.index[rr.ids[i]] = i
	}
	if rr.cursor > pos {
		rr.cursor--
	}
	if len(rr.ids) == 0 {
		rr.cursor = 0
	} else {
		rr.cursor %= len(rr.ids)
	}
}

// Next returns the next id in cyclic order. ok is false when empty.
func (rr *roundRobin[T]) Next() (id T, ok bool) {
	if len(rr.ids) == 0 {
		return id, false
	}
	id = rr.ids[rr.cursor]
	rr.cursor = (rr.cursor + 1) % len(rr.ids)
	return id, true
}

// Len returns the number of registered ids.
func (rr *roundRobin[T]) Len() int {
	return len(rr.ids)
}

// Contains reports whether id is registered.
func (rr *roundRobin[T]) Contains(id T) bool {
	_, ok := rr.index[id]
	return ok
}
