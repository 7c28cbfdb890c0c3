// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import "container/list"

// messageQueue is a FIFO of messages keyed by id, with O(1) keyed removal.
// Insertion order is preserved for iteration, which the eviction walk and the
// unassigned queue rely on. Not thread-safe; guarded by the owning Topic or
// client aggregate lock.
type messageQueue struct {
	order *list.List
	index map[string]*list.Element
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Enqueue appends the message unless its id is already queued.
func (q *messageQueue) Enqueue(msg *Message) {
	if _, ok := q.index[msg.ID]; ok {
		return
	}
	q.index[msg.ID] = q.order.PushBack(msg)
}

// Remove deletes the message with the given id, reporting whether it was queued.
func (q *messageQueue) Remove(id string) bool {
	elem, ok := q.index[id]
	if !ok {
		return false
	}
	delete(q.index, id)
	q.order.Remove(elem)
	return true
}

// Peek returns the head of the queue without dequeuing it.
func (q *messageQueue) Peek() (*Message, bool) {
	front := q.order.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*Message), true
}

// Get returns the queued message with the given id.
func (q *messageQueue) Get(id string) (*Message, bool) {
	elem, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Message), true
}

// Contains reports whether the id is queued.
func (q *messageQueue) Contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued messages.
func (q *messageQueue) Len() int {
	return q.order.Len()
}

// Each calls fn for every message in insertion order until fn returns false.
func (q *messageQueue) Each(fn func(*Message) bool) {
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(*Message)) {
			return
		}
	}
}

// Clear drops all queued messages.
func (q *messageQueue) Clear() {
	q.order.Init()
	q.index = make(map[string]*list.Element)
}
