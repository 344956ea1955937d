// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package natsembed

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestStartAndShutdown(t *testing.T) {
	srv, err := Start(Config{StoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !srv.Running() {
		t.Error("server must be running after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if srv.Running() {
		t.Error("server must be stopped after Shutdown")
	}
}

func TestInProcessClientConnects(t *testing.T) {
	srv, err := Start(Config{StoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	nc, err := nats.Connect("", nats.InProcessServer(srv.NATSServer()))
	if err != nil {
		t.Fatalf("in-process connect: %v", err)
	}
	defer nc.Close()

	if !nc.IsConnected() {
		t.Error("client must be connected")
	}

	// JetStream must be available on the embedded server.
	if !srv.NATSServer().JetStreamEnabled() {
		t.Error("JetStream must be enabled")
	}
}
