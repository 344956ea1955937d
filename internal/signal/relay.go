// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package signal is the stateless pass-through for peer-to-peer session
// messages: call-bell requests and WebRTC offer/answer/ICE exchange. The
// relay never inspects the payload and holds no session state beyond what
// the scope registry already tracks; the two peers own their session
// entirely.
package signal

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/metrics"
	"github.com/tablewire/tablewire/internal/scope"
)

// Relay forwards signaling payloads to a target user's live connections.
type Relay struct {
	registry *scope.Registry
}

// New creates a relay over the given registry.
func New(registry *scope.Registry) *Relay {
	return &Relay{registry: registry}
}

// Relay forwards the payload verbatim to every connection joined as the
// target user and returns the forwarded count. No queuing, no push
// fallback: signaling is latency-sensitive and stale delivery is worse than
// no delivery, so an offline target is a silent drop (count 0, no error).
func (r *Relay) Relay(targetUserID, kind string, payload json.RawMessage) (int, error) {
	msg, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}{Type: kind, Data: payload})
	if err != nil {
		return 0, fmt.Errorf("encode signaling frame: %w", err)
	}

	forwarded := 0
	for _, c := range r.registry.Members(scope.ForUser(targetUserID)) {
		if c.TrySend(msg) {
			forwarded++
			continue
		}
		r.registry.Remove(c.ID())
		_ = c.Close()
	}

	metrics.SignalsRelayed.WithLabelValues(kind).Add(float64(forwarded))
	logging.Debug().
		Str("target_user", targetUserID).
		Str("kind", kind).
		Int("forwarded", forwarded).
		Msg("signaling message relayed")
	return forwarded, nil
}
