// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestClientRateLimiter_AllowPublish(t *testing.T) {
	// 5 publishes per second, burst of 2.
	limiter := NewClientRateLimiter(5, 2, 100, 10)

	if !limiter.AllowPublish("client1") {
		t.Error("First publish should be allowed")
	}
	if !limiter.AllowPublish("client1") {
		t.Error("Second publish (within burst) should be allowed")
	}
	if limiter.AllowPublish("client1") {
		t.Error("Third publish should be rate limited (burst exhausted)")
	}

	// Wait for token refill.
	time.Sleep(250 * time.Millisecond)
	if !limiter.AllowPublish("client1") {
		t.Error("Publish after token refill should be allowed")
	}
}

func TestClientRateLimiter_DifferentClients(t *testing.T) {
	limiter := NewClientRateLimiter(1, 1, 1, 1)

	if !limiter.AllowPublish("client1") {
		t.Error("First publish from client1 should be allowed")
	}
	if !limiter.AllowPublish("client2") {
		t.Error("First publish from client2 should be allowed")
	}
	if limiter.AllowPublish("client1") {
		t.Error("Second publish from client1 should be rate limited")
	}
	if limiter.AllowPublish("client2") {
		t.Error("Second publish from client2 should be rate limited")
	}
}

func TestClientRateLimiter_SubscribeIndependentOfPublish(t *testing.T) {
	limiter := NewClientRateLimiter(1, 1, 1, 1)

	if !limiter.AllowPublish("client1") {
		t.Error("Publish should be allowed")
	}
	// Subscription bucket is separate from the publish bucket.
	if !limiter.AllowSubscribe("client1") {
		t.Error("Subscribe should be allowed even with publish bucket drained")
	}
	if limiter.AllowSubscribe("client1") {
		t.Error("Second subscribe should be rate limited")
	}
}

func TestClientRateLimiter_RemoveClient(t *testing.T) {
	limiter := NewClientRateLimiter(1, 1, 1, 1)

	if !limiter.AllowPublish("client1") {
		t.Error("First publish should be allowed")
	}
	if limiter.AllowPublish("client1") {
		t.Error("Second publish should be rate limited")
	}

	// Removal resets the client's buckets.
	limiter.RemoveClient("client1")
	if !limiter.AllowPublish("client1") {
		t.Error("Publish after removal should be allowed")
	}
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	for i := 0; i < 100; i++ {
		if !m.AllowPublish("client1") {
			t.Fatal("Disabled manager must allow everything")
		}
		if !m.AllowSubscribe("client1") {
			t.Fatal("Disabled manager must allow everything")
		}
	}
}

func TestManagerEnforcesLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Message.Rate = 1
	cfg.Message.Burst = 1
	m := NewManager(cfg)

	if !m.AllowPublish("client1") {
		t.Error("First publish should be allowed")
	}
	if m.AllowPublish("client1") {
		t.Error("Second publish should be rate limited")
	}

	m.OnClientDisconnect("client1")
	if !m.AllowPublish("client1") {
		t.Error("Publish after disconnect cleanup should be allowed")
	}
}
