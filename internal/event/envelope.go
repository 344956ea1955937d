// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package event defines the delivery envelope and its deduplication
// fingerprint. The payload is opaque to the relay except for the bytes used
// in fingerprinting and logging.
package event

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tablewire/tablewire/internal/scope"
)

// Kind tags the event envelope.
type Kind string

const (
	KindNotification    Kind = "notification"
	KindContentRefresh  Kind = "content-refresh"
	KindContentUpdate   Kind = "content-update"
	KindCacheInvalidate Kind = "cache-invalidate"
	KindSignaling       Kind = "signaling-message"
)

// Valid reports whether the kind is one of the defined envelope kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNotification, KindContentRefresh, KindContentUpdate, KindCacheInvalidate, KindSignaling:
		return true
	}
	return false
}

// fingerprintPayloadLen bounds how much of the payload participates in the
// fingerprint. Enough to separate distinct events, cheap under load.
const fingerprintPayloadLen = 64

// fingerprintBucket is the coarse timestamp bucket. Retries of the same
// logical event land in the same bucket; legitimately different events
// emitted in rapid succession differ in payload or target instead.
const fingerprintBucket = time.Second

// Envelope is the unit of delivery. ID and Timestamp are synthesized at
// ingress; the payload travels verbatim to every resolved connection.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Kind      Kind            `json:"kind"`
	Target    scope.Scope     `json:"-"`
	Payload   json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// New synthesizes an envelope at ingress.
func New(kind Kind, target scope.Scope, payload json.RawMessage) Envelope {
	return Envelope{
		ID:        uuid.New(),
		Kind:      kind,
		Target:    target,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Fingerprint derives the deduplication key: stable for logically-identical
// retries of the same event, distinct for different events. Built from the
// target, the kind, a truncated payload prefix and a coarse timestamp bucket.
func (e Envelope) Fingerprint() string {
	p := e.Payload
	if len(p) > fingerprintPayloadLen {
		p = p[:fingerprintPayloadLen]
	}
	bucket := e.Timestamp.Truncate(fingerprintBucket).Unix()
	return fmt.Sprintf("%s|%s|%d|%s", e.Target, e.Kind, bucket, p)
}

// WireMessage is the frame written to a connection.
type WireMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// MarshalWire encodes the envelope once so fan-out writes share the same
// byte slice.
func (e Envelope) MarshalWire() ([]byte, error) {
	msg := WireMessage{
		Type:      string(e.Kind),
		Data:      e.Payload,
		ID:        e.ID.String(),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal wire message: %w", err)
	}
	return b, nil
}
