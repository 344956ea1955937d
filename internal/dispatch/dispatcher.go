// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package dispatch fans an event envelope out to every connection resolved
// for its target scope, exactly once per admitted event.
package dispatch

import (
	"fmt"

	"github.com/tablewire/tablewire/internal/dedup"
	"github.com/tablewire/tablewire/internal/event"
	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/metrics"
	"github.com/tablewire/tablewire/internal/scope"
)

// Dispatcher resolves target connections via the scope registry, consults
// the dedup cache, and pushes admitted envelopes to each member.
type Dispatcher struct {
	registry *scope.Registry
	dedup    *dedup.Cache
}

// New creates a dispatcher over the given registry and dedup cache.
func New(registry *scope.Registry, cache *dedup.Cache) *Dispatcher {
	return &Dispatcher{registry: registry, dedup: cache}
}

// Deliver pushes the envelope once to every connection in its target scope
// and returns the delivered count. Zero is a valid non-error result: nobody
// was listening. A duplicate envelope (fingerprint already admitted within
// the retention window) delivers to nobody.
//
// Membership is resolved first and the registry lock is released before any
// write: a slow client never blocks delivery to the rest of the scope. A
// connection whose buffer is full or closed is treated as implicitly
// disconnected and removed; there are no retries at this layer.
func (d *Dispatcher) Deliver(env event.Envelope) (int, error) {
	conns := d.registry.Members(env.Target)

	if !d.dedup.Admit(env.Fingerprint()) {
		logging.Debug().
			Str("kind", string(env.Kind)).
			Str("target", env.Target.String()).
			Msg("duplicate event suppressed")
		return 0, nil
	}

	if len(conns) == 0 {
		return 0, nil
	}

	msg, err := env.MarshalWire()
	if err != nil {
		return 0, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}

	delivered := 0
	for _, c := range conns {
		if c.TrySend(msg) {
			delivered++
			continue
		}
		// Fire-and-forget: a failed push means the transport is gone or
		// hopelessly backed up. Drop the connection, never block the scope.
		metrics.DeliveryFailures.Inc()
		d.registry.Remove(c.ID())
		_ = c.Close()
		logging.Warn().
			Str("conn", c.ID()).
			Str("target", env.Target.String()).
			Msg("send buffer unavailable, connection dropped")
	}

	metrics.EventsDelivered.WithLabelValues(string(env.Kind)).Add(float64(delivered))
	metrics.ActiveConnections.Set(float64(d.registry.ConnCount()))
	metrics.ActiveScopes.Set(float64(d.registry.ScopeCount()))

	logging.Debug().
		Str("kind", string(env.Kind)).
		Str("target", env.Target.String()).
		Int("delivered", delivered).
		Msg("event dispatched")
	return delivered, nil
}
