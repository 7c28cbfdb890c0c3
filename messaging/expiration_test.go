// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpirationIndexOrder(t *testing.T) {
	idx := newExpirationIndex()
	base := time.Now()
	idx.Add("late", base.Add(time.Hour))
	idx.Add("early", base.Add(time.Minute))

	expired := idx.Expired(base.Add(2 * time.Minute))
	assert.Equal(t, []string{"early"}, expired)
	assert.True(t, idx.Contains("late"))
	assert.Equal(t, 1, idx.Len())
}

func TestExpirationIndexRemoveTombstone(t *testing.T) {
	idx := newExpirationIndex()
	base := time.Now()
	idx.Add("gone", base.Add(time.Minute))
	idx.Remove("gone")

	assert.Empty(t, idx.Expired(base.Add(time.Hour)))
	assert.Equal(t, 0, idx.Len())
}

func TestExpirationIndexReAdd(t *testing.T) {
	idx := newExpirationIndex()
	base := time.Now()
	idx.Add("m", base.Add(time.Minute))
	idx.Add("m", base.Add(time.Hour))

	// The stale heap entry must not surface the id early.
	assert.Empty(t, idx.Expired(base.Add(2*time.Minute)))
	assert.Equal(t, []string{"m"}, idx.Expired(base.Add(2*time.Hour)))
}

func TestExpirationIndexNothingDue(t *testing.T) {
	idx := newExpirationIndex()
	idx.Add("m", time.Now().Add(time.Hour))
	assert.Empty(t, idx.Expired(time.Now()))
}
