// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueueFIFO(t *testing.T) {
	q := newMessageQueue()
	m1 := NewMessage("m1", "t", nil)
	m2 := NewMessage("m2", "t", nil)
	q.Enqueue(m1)
	q.Enqueue(m2)

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "m1", head.ID)
	// Peek does not dequeue.
	assert.Equal(t, 2, q.Len())
}

func TestMessageQueueDedup(t *testing.T) {
	q := newMessageQueue()
	m := NewMessage("m1", "t", nil)
	q.Enqueue(m)
	q.Enqueue(m)
	assert.Equal(t, 1, q.Len())
}

func TestMessageQueueKeyedRemove(t *testing.T) {
	q := newMessageQueue()
	q.Enqueue(NewMessage("m1", "t", nil))
	q.Enqueue(NewMessage("m2", "t", nil))
	q.Enqueue(NewMessage("m3", "t", nil))

	require.True(t, q.Remove("m2"))
	assert.False(t, q.Remove("m2"))
	assert.False(t, q.Contains("m2"))

	var order []string
	q.Each(func(m *Message) bool {
		order = append(order, m.ID)
		return true
	})
	assert.Equal(t, []string{"m1", "m3"}, order)
}

func TestMessageQueueClear(t *testing.T) {
	q := newMessageQueue()
	q.Enqueue(NewMessage("m1", "t", nil))
	q.Clear()
	assert.Equal(t, 0, q.Len())
	_, ok := q.Peek()
	assert.False(t, ok)
}
