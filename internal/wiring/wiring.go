// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds the daemon's stores, resource adapters and
// dependency trackers from configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/absmach/fluxra/activation"
	"github.com/absmach/fluxra/adapter"
	"github.com/absmach/fluxra/config"
	"github.com/absmach/fluxra/endpoint"
	"github.com/absmach/fluxra/ratelimit"
	"github.com/absmach/fluxra/registry/etcd"
	"github.com/absmach/fluxra/registry/memory"
	"github.com/absmach/fluxra/storage"
	badgerstore "github.com/absmach/fluxra/storage/badger"
	memorystore "github.com/absmach/fluxra/storage/memory"
)

// ErrUnknownService is returned when a registry announces a service no
// adapter is configured for.
var ErrUnknownService = errors.New("unknown activation service")

// NewRecoveryStore opens the configured recovery-id store.
func NewRecoveryStore(cfg config.StorageConfig) (storage.RecoveryStore, error) {
	switch cfg.Type {
	case "memory":
		return memorystore.New(), nil
	case "badger":
		store, err := badgerstore.New(badgerstore.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Services holds the configured resource adapters and the activation
// services the coordinator sees for them.
type Services struct {
	Adapters   map[string]*adapter.ResourceAdapter
	Activators map[string]endpoint.ActivationService
	Breakers   map[string]*adapter.Breaker
}

// NewServices builds one resource adapter per configured service.
// Transactional adapters allocate recovery ids from store.
func NewServices(cfg *config.Config, store storage.RecoveryStore, limiter *ratelimit.ListenerLimiter, logger *slog.Logger) *Services {
	s := &Services{
		Adapters:   make(map[string]*adapter.ResourceAdapter, len(cfg.Services)),
		Activators: make(map[string]endpoint.ActivationService, len(cfg.Services)),
		Breakers:   make(map[string]*adapter.Breaker),
	}
	for _, sc := range cfg.Services {
		maxEndpoints := cfg.Adapter.MaxEndpoints
		if sc.MaxEndpoints > 0 {
			maxEndpoints = sc.MaxEndpoints
		}
		opts := []adapter.Option{
			adapter.WithLimiter(limiter),
			adapter.WithLogger(logger),
			adapter.WithDeliveryFunc(logDelivery(logger)),
		}
		if sc.Transactional {
			opts = append(opts, adapter.WithRecoveryStore(store))
		}
		a := adapter.New(adapter.Config{
			Name:          sc.Name,
			MaxEndpoints:  maxEndpoints,
			Method:        endpoint.Method(cfg.Adapter.Method),
			Buffer:        cfg.Adapter.Buffer,
			RetryInterval: cfg.Adapter.RetryInterval,
		}, opts...)
		s.Adapters[sc.Name] = a

		var svc endpoint.ActivationService = a
		if cb := cfg.Adapter.CircuitBreaker; cb.Enabled {
			b := adapter.NewBreaker(sc.Name, a, adapter.BreakerConfig{
				FailureThreshold: uint32(cb.FailureThreshold),
				ResetTimeout:     cb.ResetTimeout,
			}, logger)
			s.Breakers[sc.Name] = b
			svc = b
		}
		s.Activators[sc.Name] = svc
	}
	return s
}

// logDelivery traces successful deliveries; the adapter logs failures.
func logDelivery(logger *slog.Logger) adapter.DeliveryFunc {
	return func(listener string, msg adapter.Message, err error) {
		if err == nil {
			logger.Debug("message delivered",
				slog.String("listener", listener),
				slog.String("message", msg.ID))
		}
	}
}

// Trackers holds the dependency trackers the coordinator subscribes to.
type Trackers struct {
	Services     activation.Tracker
	Destinations activation.Tracker
	closers      []func() error
}

// NewTrackers builds the configured registries. The memory registry is
// seeded with every configured service and destination. The etcd registries
// announce them under a lease when configured to, and always when etcd runs
// embedded.
func NewTrackers(ctx context.Context, cfg *config.Config, services *Services, logger *slog.Logger) (*Trackers, error) {
	switch cfg.Registry.Type {
	case "memory":
		svcReg := memory.New(activation.KindActivationService)
		destReg := memory.New(activation.KindDestination)
		for _, name := range slices.Sorted(maps.Keys(services.Activators)) {
			svcReg.Publish(ctx, name, services.Activators[name])
		}
		for _, d := range cfg.Destinations {
			destReg.Publish(ctx, d.Name, d)
		}
		return &Trackers{Services: svcReg, Destinations: destReg}, nil

	case "etcd", "embedded":
		t := &Trackers{}
		if err := t.startEtcd(ctx, cfg, services, logger); err != nil {
			return nil, errors.Join(err, t.Close())
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unknown registry type: %s", cfg.Registry.Type)
	}
}

func (t *Trackers) startEtcd(ctx context.Context, cfg *config.Config, services *Services, logger *slog.Logger) error {
	ec := cfg.Registry.Etcd
	endpoints := ec.Endpoints
	announce := ec.Announce
	if cfg.Registry.Type == "embedded" {
		emb := cfg.Registry.Embedded
		srv, err := etcd.StartEmbedded(etcd.EmbeddedConfig{
			Name:         emb.Name,
			DataDir:      emb.DataDir,
			ClientAddr:   emb.ClientAddr,
			PeerAddr:     emb.PeerAddr,
			StartTimeout: emb.StartTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded etcd: %w", err)
		}
		t.closers = append(t.closers, srv.Close)
		endpoints = srv.Endpoints()
		announce = true
	}

	client, err := etcd.Dial(etcd.Config{Endpoints: endpoints, DialTimeout: ec.DialTimeout})
	if err != nil {
		return err
	}
	t.closers = append(t.closers, client.Close)

	// Announce before watching so the initial load already sees our own
	// services and destinations.
	if announce {
		a, err := etcd.NewAnnouncer(client, ec.LeaseTTL, logger)
		if err != nil {
			return err
		}
		t.closers = append(t.closers, a.Close)
		for _, name := range slices.Sorted(maps.Keys(services.Activators)) {
			if err := a.Announce(ctx, ec.ServicesPrefix, name, name); err != nil {
				return err
			}
		}
		for _, d := range cfg.Destinations {
			if err := a.Announce(ctx, ec.DestinationsPrefix, d.Name, d.Address); err != nil {
				return err
			}
		}
	}

	svcTracker, err := etcd.NewWithClient(ctx, client, ec.ServicesPrefix, activation.KindActivationService, ServiceResolver(services.Activators), logger)
	if err != nil {
		return fmt.Errorf("failed to start service tracker: %w", err)
	}
	t.closers = append(t.closers, svcTracker.Close)
	destTracker, err := etcd.NewWithClient(ctx, client, ec.DestinationsPrefix, activation.KindDestination, DestinationResolver, logger)
	if err != nil {
		return fmt.Errorf("failed to start destination tracker: %w", err)
	}
	t.closers = append(t.closers, destTracker.Close)

	t.Services = svcTracker
	t.Destinations = destTracker
	return nil
}

// Close stops the trackers and then whatever they were built on.
func (t *Trackers) Close() error {
	var errs []error
	for _, c := range slices.Backward(t.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// PruneRecoveryIDs releases the recovery ids of listeners that are no longer
// configured on a transactional service and returns the released keys.
func PruneRecoveryIDs(ctx context.Context, store storage.RecoveryStore, cfg *config.Config, logger *slog.Logger) ([]string, error) {
	ids, err := store.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery ids: %w", err)
	}

	transactional := make(map[string]bool, len(cfg.Services))
	for _, sc := range cfg.Services {
		transactional[sc.Name] = sc.Transactional
	}
	keep := make(map[string]bool, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		// Services announced through etcd may not be configured here.
		tx, known := transactional[lc.Service]
		keep[lc.Name] = tx || !known
	}

	var released []string
	for _, key := range slices.Sorted(maps.Keys(ids)) {
		if keep[key] {
			continue
		}
		if err := store.Release(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return released, fmt.Errorf("failed to release recovery id of %s: %w", key, err)
		}
		logger.Info("released recovery id of removed listener",
			slog.String("listener", key),
			slog.Int("recovery_id", ids[key]))
		released = append(released, key)
	}
	return released, nil
}

// ServiceResolver maps an announced service id to its configured adapter.
// The announced value is ignored.
func ServiceResolver(services map[string]endpoint.ActivationService) etcd.Resolver {
	return func(id string, _ []byte) (any, error) {
		svc, ok := services[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, id)
		}
		return svc, nil
	}
}

// DestinationResolver turns an announced destination into its configuration;
// the value is the destination address.
func DestinationResolver(id string, value []byte) (any, error) {
	return config.DestinationConfig{Name: id, Address: string(value)}, nil
}
