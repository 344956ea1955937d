// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package signal

import (
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tablewire/tablewire/internal/scope"
)

type fakeConn struct {
	id     string
	reject bool

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) TrySend(msg []byte) bool {
	if f.reject {
		return false
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return true
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestRelayForwardsToTargetUser(t *testing.T) {
	reg := scope.NewRegistry()
	r := New(reg)

	target := &fakeConn{id: "t1"}
	bystander := &fakeConn{id: "b1"}
	reg.Join(target, scope.ForUser("bob"))
	reg.Join(bystander, scope.ForUser("carol"))

	n, err := r.Relay("bob", "call-bell", json.RawMessage(`{"table":7}`))
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if n != 1 {
		t.Errorf("forwarded = %d, want 1", n)
	}
	if len(bystander.sent) != 0 {
		t.Error("non-target user must receive nothing")
	}

	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(target.sent[0], &frame); err != nil {
		t.Fatalf("unmarshal forwarded frame: %v", err)
	}
	if frame.Type != "call-bell" {
		t.Errorf("frame type = %q, want call-bell", frame.Type)
	}
	if string(frame.Data) != `{"table":7}` {
		t.Errorf("payload = %s, must pass through verbatim", frame.Data)
	}
}

func TestRelayOfflineTargetSilentDrop(t *testing.T) {
	r := New(scope.NewRegistry())
	n, err := r.Relay("ghost", "webrtc-offer", json.RawMessage(`{"sdp":"..."}`))
	if err != nil {
		t.Fatalf("offline target must not error, got %v", err)
	}
	if n != 0 {
		t.Errorf("forwarded = %d, want 0", n)
	}
}

func TestRelayPayloadNotInspected(t *testing.T) {
	reg := scope.NewRegistry()
	r := New(reg)
	target := &fakeConn{id: "t1"}
	reg.Join(target, scope.ForUser("bob"))

	// Arbitrary kind strings and nested payloads pass through unchanged.
	if _, err := r.Relay("bob", "webrtc-ice-candidate", json.RawMessage(`{"candidate":{"sdpMid":"0"}}`)); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if len(target.sent) != 1 {
		t.Fatalf("frames = %d, want 1", len(target.sent))
	}
}

func TestRelayDropsFailedConnection(t *testing.T) {
	reg := scope.NewRegistry()
	r := New(reg)
	bad := &fakeConn{id: "bad", reject: true}
	reg.Join(bad, scope.ForUser("bob"))

	n, err := r.Relay("bob", "call-bell", nil)
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if n != 0 {
		t.Errorf("forwarded = %d, want 0", n)
	}
	if !bad.closed {
		t.Error("failed connection must be closed")
	}
	if got := reg.MembersCount(scope.ForUser("bob")); got != 0 {
		t.Errorf("members after drop = %d, want 0", got)
	}
}
