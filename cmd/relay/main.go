// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package main is the entry point for the Tablewire relay.
//
// Tablewire is a real-time fan-out relay for service calls and
// notifications. Clients hold a WebSocket connection and join scopes
// (user, organization, role); backend services dispatch events at a
// scope and the relay fans them out, deduplicating near-identical
// deliveries and relaying peer-to-peer signaling frames between users.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layered sources (defaults, config.yaml, env)
//  2. Fallback store: BadgerDB at store.fallback_path (in-memory if empty)
//  3. NATS JetStream: embedded server by default, or nats.url for external
//  4. Hybrid store: durable KV fronted by a circuit breaker, with the
//     Badger fallback and a sync queue replayed on recovery
//  5. Relay core: scope registry, dedup cache, dispatcher, signaling relay
//  6. Push brokering: subscription manager and backlog pruner
//  7. HTTP boundary: chi router, WebSocket handshake, Prometheus metrics
//
// All background work runs under a suture supervision tree; SIGINT and
// SIGTERM trigger a graceful drain.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/tablewire/tablewire/internal/api"
	"github.com/tablewire/tablewire/internal/config"
	"github.com/tablewire/tablewire/internal/dedup"
	"github.com/tablewire/tablewire/internal/dispatch"
	"github.com/tablewire/tablewire/internal/hub"
	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/natsembed"
	"github.com/tablewire/tablewire/internal/push"
	"github.com/tablewire/tablewire/internal/scope"
	"github.com/tablewire/tablewire/internal/signal"
	"github.com/tablewire/tablewire/internal/store"
	"github.com/tablewire/tablewire/internal/supervisor"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("relay exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("starting tablewire relay")

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local fallback store. Empty path means in-memory, which loses the
	// sync queue contents on restart; fine for development.
	db, err := store.OpenBadger(cfg.Store.FallbackPath)
	if err != nil {
		return fmt.Errorf("open fallback store: %w", err)
	}
	defer db.Close()
	local := store.NewBadgerStore(db)

	// NATS JetStream, embedded or external.
	var natsOpts []nats.Option
	natsURL := cfg.NATS.URL
	var embedded *natsembed.Server
	if cfg.NATS.EmbeddedServer {
		embedded, err = natsembed.Start(natsembed.Config{
			StoreDir:  cfg.NATS.StoreDir,
			MaxMemory: cfg.NATS.MaxMemory,
			MaxStore:  cfg.NATS.MaxStore,
		})
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Warn().Err(err).Msg("embedded NATS shutdown incomplete")
			}
		}()
		natsURL = embedded.ClientURL()
		natsOpts = append(natsOpts, nats.InProcessServer(embedded.NATSServer()))
		logging.Info().Str("store_dir", cfg.NATS.StoreDir).Msg("embedded NATS server ready")
	}

	nc, err := nats.Connect(natsURL, natsOpts...)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := store.NewNATSKV(ctx, js, cfg.NATS.Bucket)
	if err != nil {
		return fmt.Errorf("open KV bucket: %w", err)
	}

	hybrid := store.NewHybrid(ctx, kv, local, store.Config{
		ProbeInterval:    cfg.Store.ProbeInterval,
		ProbeTimeout:     cfg.Store.ProbeTimeout,
		BreakerThreshold: cfg.Store.BreakerThreshold,
		BreakerTimeout:   cfg.Store.BreakerTimeout,
		ReplayRate:       rate.Limit(cfg.Store.ReplayRate),
	})

	// Relay core.
	registry := scope.NewRegistry()
	cache := dedup.New(cfg.Dedup.Retention, cfg.Dedup.SweepInterval)
	dispatcher := dispatch.New(registry, cache)
	signaler := signal.New(registry)
	wsHub := hub.NewHub(registry, signaler, cfg.Security.CORSOrigins)

	// Push brokering.
	pushMgr := push.NewManager(hybrid, cfg.Backlog.Horizon)
	pruner := push.NewPruner(pushMgr, cfg.Backlog.PruneInterval, local.RunGC)

	// HTTP boundary.
	handler := api.NewHandler(dispatcher, registry, hybrid, pushMgr, wsHub)
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins:       cfg.Security.CORSOrigins,
		RateLimitRequests: cfg.Security.RateLimitReqs,
		RateLimitWindow:   cfg.Security.RateLimitWindow,
		RateLimitDisabled: cfg.Security.RateLimitDisabled,
	})
	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, cfg.Server.Timeout, router)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddStoreService(hybrid)
	tree.AddStoreService(pruner)
	tree.AddRelayService(cache)
	tree.AddAPIService(server)

	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Bool("embedded_nats", cfg.NATS.EmbeddedServer).
		Msg("relay ready")

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}

	logging.Info().Msg("relay stopped")
	return nil
}
