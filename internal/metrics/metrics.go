// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package metrics registers the Prometheus instruments for the relay:
// connection and scope gauges, delivery counters, dedup cache state and
// hybrid-store health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection layer
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Current number of live WebSocket connections",
		},
	)

	ActiveScopes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_scopes",
			Help: "Current number of non-empty delivery scopes",
		},
	)

	// Dispatch path
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_delivered_total",
			Help: "Total per-connection event deliveries",
		},
		[]string{"kind"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_deduplicated_total",
			Help: "Total events rejected as duplicates within the retention window",
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Total sends dropped due to a full or closed connection buffer",
		},
	)

	SignalsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_signals_relayed_total",
			Help: "Total peer-to-peer signaling messages forwarded",
		},
		[]string{"kind"},
	)

	DedupCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_dedup_cache_entries",
			Help: "Current number of fingerprints held by the dedup cache",
		},
	)

	// Hybrid store
	StoreHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_store_healthy",
			Help: "1 while the durable store is confirmed reachable, 0 while degraded",
		},
	)

	SyncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_store_sync_queue_depth",
			Help: "Number of writes queued for replay against the durable store",
		},
	)

	SyncReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_sync_replays_total",
			Help: "Sync queue replay outcomes per entry",
		},
		[]string{"outcome"}, // "ok", "discarded"
	)

	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_operations_total",
			Help: "Hybrid store operations by backend and result",
		},
		[]string{"backend", "op", "result"},
	)

	// Backlog
	BacklogPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_backlog_pruned_total",
			Help: "Offline backlog entries removed past the retention horizon",
		},
	)
)
