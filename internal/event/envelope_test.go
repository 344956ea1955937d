// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package event

import (
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tablewire/tablewire/internal/scope"
)

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindNotification, KindContentRefresh, KindContentUpdate, KindCacheInvalidate, KindSignaling} {
		if !k.Valid() {
			t.Errorf("kind %q must be valid", k)
		}
	}
	if Kind("order-created").Valid() {
		t.Error("unknown kind must be invalid")
	}
	if Kind("").Valid() {
		t.Error("empty kind must be invalid")
	}
}

func TestNewSynthesizesIdentity(t *testing.T) {
	a := New(KindNotification, scope.ForUser("42"), json.RawMessage(`{"x":1}`))
	b := New(KindNotification, scope.ForUser("42"), json.RawMessage(`{"x":1}`))

	if a.ID == b.ID {
		t.Error("each envelope must get a distinct ID")
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp must be synthesized at ingress")
	}
}

func TestFingerprintStableForRetries(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 100_000_000, time.UTC)
	a := Envelope{Kind: KindNotification, Target: scope.ForUser("42"), Payload: json.RawMessage(`{"x":1}`), Timestamp: at}
	b := Envelope{Kind: KindNotification, Target: scope.ForUser("42"), Payload: json.RawMessage(`{"x":1}`), Timestamp: at.Add(500 * time.Millisecond)}

	// Same logical event retried inside the same one-second bucket.
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("retries within the same bucket must share a fingerprint")
	}
}

func TestFingerprintDistinguishesEvents(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	base := Envelope{Kind: KindNotification, Target: scope.ForUser("42"), Payload: json.RawMessage(`{"x":1}`), Timestamp: at}

	tests := []struct {
		name string
		env  Envelope
	}{
		{"different target", Envelope{Kind: KindNotification, Target: scope.ForUser("43"), Payload: base.Payload, Timestamp: at}},
		{"different kind", Envelope{Kind: KindContentUpdate, Target: base.Target, Payload: base.Payload, Timestamp: at}},
		{"different payload", Envelope{Kind: KindNotification, Target: base.Target, Payload: json.RawMessage(`{"x":2}`), Timestamp: at}},
		{"different bucket", Envelope{Kind: KindNotification, Target: base.Target, Payload: base.Payload, Timestamp: at.Add(2 * time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env.Fingerprint() == base.Fingerprint() {
				t.Error("fingerprints must differ")
			}
		})
	}
}

func TestFingerprintTruncatesPayload(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	prefix := strings.Repeat("a", fingerprintPayloadLen)
	a := Envelope{Kind: KindNotification, Target: scope.ForOrg("acme"), Payload: json.RawMessage(prefix + "tail-one"), Timestamp: at}
	b := Envelope{Kind: KindNotification, Target: scope.ForOrg("acme"), Payload: json.RawMessage(prefix + "tail-two"), Timestamp: at}

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("payload bytes past the prefix must not affect the fingerprint")
	}
}

func TestMarshalWire(t *testing.T) {
	env := New(KindContentRefresh, scope.ForOrg("acme"), json.RawMessage(`{"menu":"lunch"}`))
	b, err := env.MarshalWire()
	if err != nil {
		t.Fatalf("MarshalWire: %v", err)
	}

	var msg WireMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("unmarshal wire frame: %v", err)
	}
	if msg.Type != string(KindContentRefresh) {
		t.Errorf("type = %q, want %q", msg.Type, KindContentRefresh)
	}
	if msg.ID != env.ID.String() {
		t.Errorf("id = %q, want %q", msg.ID, env.ID)
	}
	if string(msg.Data) != `{"menu":"lunch"}` {
		t.Errorf("data = %s, payload must travel verbatim", msg.Data)
	}
	if _, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339Nano: %v", msg.Timestamp, err)
	}
}
