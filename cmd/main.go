// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxra/activation"
	"github.com/absmach/fluxra/config"
	"github.com/absmach/fluxra/endpoint"
	"github.com/absmach/fluxra/internal/wiring"
	"github.com/absmach/fluxra/ratelimit"
	"github.com/absmach/fluxra/server/health"
	httpserver "github.com/absmach/fluxra/server/http"
	"github.com/absmach/fluxra/server/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting fluxra", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"registry", cfg.Registry.Type,
		"services", len(cfg.Services),
		"listeners", len(cfg.Listeners),
		"health_enabled", cfg.Health.Enabled,
		"http_enabled", cfg.HTTP.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled)

	var otelShutdown otel.Shutdown
	var endpointMetrics *endpoint.Metrics
	var activationMetrics *activation.Metrics
	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Telemetry, cfg.Coordinator.ScopePrefix)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			if endpointMetrics, err = endpoint.NewMetrics(); err != nil {
				slog.Error("Failed to create endpoint metrics", "error", err)
				os.Exit(1)
			}
			if activationMetrics, err = activation.NewMetrics(); err != nil {
				slog.Error("Failed to create activation metrics", "error", err)
				os.Exit(1)
			}
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	store, err := wiring.NewRecoveryStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize recovery store", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := wiring.PruneRecoveryIDs(ctx, store, cfg, logger); err != nil {
		slog.Error("Failed to prune recovery ids", "error", err)
		os.Exit(1)
	}

	rl := cfg.Adapter.RateLimit
	limiter := ratelimit.NewListenerLimiter(rl.Rate, rl.Burst, rl.CleanupInterval)
	defer limiter.Stop()
	if rl.Rate > 0 {
		slog.Info("Delivery rate limiting enabled", slog.Float64("rate", rl.Rate), slog.Int("burst", rl.Burst))
	}

	services := wiring.NewServices(cfg, store, limiter, logger)
	trackers, err := wiring.NewTrackers(ctx, cfg, services, logger)
	if err != nil {
		slog.Error("Failed to initialize dependency registry", "type", cfg.Registry.Type, "error", err)
		os.Exit(1)
	}
	defer trackers.Close()

	var scope activation.Scope = activation.ScopeAll
	if cfg.Coordinator.ScopePrefix != "" {
		scope = activation.ScopePrefix(cfg.Coordinator.ScopePrefix)
	}
	coord := activation.New(
		activation.WithLogger(logger),
		activation.WithMetrics(activationMetrics),
		activation.WithScope(scope),
		activation.WithTrackers(trackers.Services, trackers.Destinations),
		activation.WithWarnInterval(cfg.Coordinator.WarnInterval),
	)

	factories := make([]*endpoint.Factory, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		f, err := newListener(lc, logger, endpointMetrics)
		if err != nil {
			slog.Error("Skipping listener", "listener", lc.Name, "error", err)
			continue
		}
		if err := coord.RegisterFactory(ctx, f); err != nil {
			slog.Error("Listener activation failed", "listener", lc.Name, "error", err)
		}
		factories = append(factories, f)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	if cfg.Health.Enabled {
		breakers := make(map[string]health.BreakerState, len(services.Breakers))
		for name, b := range services.Breakers {
			breakers[name] = b
		}
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Address,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, coord, factories, logger, health.WithBreakers(breakers), health.WithRecoveryIDs(store))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.HTTP.Enabled {
		hl := cfg.HTTP.RateLimit
		ingressLimiter := ratelimit.NewListenerLimiter(hl.Rate, hl.Burst, hl.CleanupInterval)
		defer ingressLimiter.Stop()

		senders := make(map[string]httpserver.Sender, len(services.Adapters))
		for name, a := range services.Adapters {
			senders[name] = a
		}
		ingress := httpserver.New(httpserver.Config{
			Address:         cfg.HTTP.Address,
			ShutdownTimeout: cfg.ShutdownTimeout,
			SendTimeout:     cfg.HTTP.SendTimeout,
		}, senders, ingressLimiter, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingress.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("fluxra started", "listeners", len(factories))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := coord.Close(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("fluxra stopped")
}

// newListener builds the factory for one configured listener. The daemon has
// no transaction manager, so only non-transacted listeners can run here;
// messages are logged.
func newListener(lc config.ListenerConfig, logger *slog.Logger, metrics *endpoint.Metrics) (*endpoint.Factory, error) {
	ecfg, err := lc.EndpointConfig()
	if err != nil {
		return nil, err
	}
	if ecfg.TransactionMode != endpoint.TxNone {
		return nil, fmt.Errorf("transaction mode %s needs a transaction manager", ecfg.TransactionMode)
	}

	target := endpoint.TargetFunc(func(ctx context.Context, m endpoint.Method, msg any) error {
		logger.Info("message received",
			slog.String("listener", lc.Name),
			slog.String("method", string(m)),
			slog.Any("message", msg))
		return nil
	})

	return endpoint.NewFactory(ecfg, target, nil,
		endpoint.WithLogger(logger),
		endpoint.WithMetrics(metrics))
}
