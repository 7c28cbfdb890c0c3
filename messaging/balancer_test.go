// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinCyclesAllOnce(t *testing.T) {
	rr := newRoundRobin[string]()
	rr.Add("a")
	rr.Add("b")
	rr.Add("c")

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		id, ok := rr.Next()
		require.True(t, ok)
		seen[id]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)

	// Second full cycle repeats the same stable order.
	first, _ := rr.Next()
	assert.Equal(t, "a", first)
}

func TestRoundRobinEmpty(t *testing.T) {
	rr := newRoundRobin[string]()
	_, ok := rr.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, rr.Len())
}

func TestRoundRobinDuplicateAdd(t *testing.T) {
	rr := newRoundRobin[string]()
	rr.Add("a")
	rr.Add("a")
	assert.Equal(t, 1, rr.Len())
}

func TestRoundRobinRemoveKeepsOrder(t *testing.T) {
	rr := newRoundRobin[int]()
	for i := 1; i <= 4; i++ {
		rr.Add(i)
	}
	// Advance past 1 and 2, then remove 2 (already served) and 4 (pending).
	rr.Next()
	rr.Next()
	rr.Remove(2)
	rr.Remove(4)

	id, ok := rr.Next()
	require.True(t, ok)
	assert.Equal(t, 3, id)
	id, ok = rr.Next()
	require.True(t, ok)
	assert.Equal(t, 1, id)
	assert.False(t, rr.Contains(2))
	assert.True(t, rr.Contains(3))
}

func TestRoundRobinRemoveLast(t *testing.T) {
	rr := newRoundRobin[string]()
	rr.Add("only")
	rr.Next()
	rr.Remove("only")
	_, ok := rr.Next()
	assert.False(t, ok)
	rr.Add("again")
	id, ok := rr.Next()
	require.True(t, ok)
	assert.Equal(t, "again", id)
}
