// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ListenerLimiter paces messages per key, a listener name for deliveries or
// a service and destination for ingress. Each key gets its own token bucket;
// entries idle for two cleanup intervals are dropped. A non-positive rate
// disables limiting.
type ListenerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewListenerLimiter creates a limiter allowing r deliveries per second with
// the given burst for every listener.
func NewListenerLimiter(r float64, burst int, cleanupInterval time.Duration) *ListenerLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &ListenerLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if r > 0 && cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

func (l *ListenerLimiter) unlimited() bool {
	return l == nil || l.rate <= 0
}

func (l *ListenerLimiter) get(listener string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[listener]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[listener] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Wait blocks until listener may deliver another message or ctx is done.
func (l *ListenerLimiter) Wait(ctx context.Context, listener string) error {
	if l.unlimited() {
		return ctx.Err()
	}
	return l.get(listener).Wait(ctx)
}

// Allow reports whether key may take a message now without waiting.
func (l *ListenerLimiter) Allow(listener string) bool {
	if l.unlimited() {
		return true
	}
	return l.get(listener).Allow()
}

// Forget drops the bucket of a deactivated listener.
func (l *ListenerLimiter) Forget(listener string) {
	if l.unlimited() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, listener)
}

func (l *ListenerLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ListenerLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for name, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, name)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *ListenerLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}
