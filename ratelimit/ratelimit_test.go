// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestListenerLimiter_Allow(t *testing.T) {
	// 5 deliveries per second, burst of 2
	limiter := NewListenerLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow("orders") {
		t.Error("First delivery should be allowed")
	}
	if !limiter.Allow("orders") {
		t.Error("Second delivery (within burst) should be allowed")
	}
	if limiter.Allow("orders") {
		t.Error("Third delivery should be rate limited (burst exhausted)")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow("orders") {
		t.Error("Delivery after token refill should be allowed")
	}
}

func TestListenerLimiter_DifferentListeners(t *testing.T) {
	limiter := NewListenerLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow("orders") {
		t.Error("First delivery for orders should be allowed")
	}
	if !limiter.Allow("billing") {
		t.Error("First delivery for billing should be allowed")
	}
	if limiter.Allow("orders") {
		t.Error("Second delivery for orders should be rate limited")
	}

	limiter.Forget("orders")
	if !limiter.Allow("orders") {
		t.Error("Forgotten listener should start with a full bucket")
	}
}

func TestListenerLimiter_Unlimited(t *testing.T) {
	limiter := NewListenerLimiter(0, 0, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		if !limiter.Allow("orders") {
			t.Fatalf("Delivery %d should be allowed without a rate", i)
		}
	}
	if err := limiter.Wait(context.Background(), "orders"); err != nil {
		t.Errorf("Wait should not fail without a rate: %v", err)
	}

	var nilLimiter *ListenerLimiter
	if !nilLimiter.Allow("orders") {
		t.Error("Nil limiter should allow everything")
	}
	nilLimiter.Stop()
}

func TestListenerLimiter_WaitCancelled(t *testing.T) {
	limiter := NewListenerLimiter(0.1, 1, time.Minute)
	defer limiter.Stop()

	if err := limiter.Wait(context.Background(), "orders"); err != nil {
		t.Fatalf("First wait should succeed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "orders"); err == nil {
		t.Error("Wait should fail once the context expires")
	}
}

func TestListenerLimiter_Cleanup(t *testing.T) {
	limiter := NewListenerLimiter(10, 1, 10*time.Millisecond)
	defer limiter.Stop()

	limiter.Allow("orders")
	time.Sleep(60 * time.Millisecond)

	limiter.mu.Lock()
	n := len(limiter.limiters)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("Stale listener should be removed, have %d entries", n)
	}
	limiter.Stop()
}
