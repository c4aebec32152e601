// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Announcer publishes dependency keys bound to one lease. The keys disappear
// when the announcer is closed or its process stops renewing the lease, so
// every Tracker watching them sees the dependencies withdrawn.
type Announcer struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *slog.Logger
}

// NewAnnouncer grants a lease of ttl, rounded up to whole seconds, and keeps
// it alive until Close.
func NewAnnouncer(client *clientv3.Client, ttl time.Duration, logger *slog.Logger) (*Announcer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secs := int((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	s, err := concurrency.NewSession(client, concurrency.WithTTL(secs))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	return &Announcer{client: client, session: s, logger: logger}, nil
}

// Announce puts <prefix><id> with value under the announcer's lease.
func (a *Announcer) Announce(ctx context.Context, prefix, id, value string) error {
	key := prefix + id
	if _, ok := keyID(prefix, key); !ok {
		return fmt.Errorf("invalid dependency id %q", id)
	}
	if _, err := a.client.Put(ctx, key, value, clientv3.WithLease(a.session.Lease())); err != nil {
		return fmt.Errorf("failed to announce %s: %w", key, err)
	}
	a.logger.Debug("dependency announced", slog.String("key", key))
	return nil
}

// Withdraw deletes <prefix><id> before the lease ends.
func (a *Announcer) Withdraw(ctx context.Context, prefix, id string) error {
	if _, err := a.client.Delete(ctx, prefix+id); err != nil {
		return fmt.Errorf("failed to withdraw %s%s: %w", prefix, id, err)
	}
	return nil
}

// Close revokes the lease, deleting every announced key.
func (a *Announcer) Close() error {
	return a.session.Close()
}
