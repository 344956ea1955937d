// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package natsembed runs an in-process NATS JetStream server so a single
// relay instance needs no external broker. Deployments with an existing
// NATS cluster point nats.url at it and skip the embedded server entirely.
package natsembed

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 30 * time.Second

// Config holds the embedded server limits.
type Config struct {
	StoreDir  string
	MaxMemory int64
	MaxStore  int64
}

// Server wraps the NATS server with lifecycle management.
type Server struct {
	srv       *server.Server
	clientURL string
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// Returns an error if the server fails to become ready within 30 seconds.
func Start(cfg Config) (*Server, error) {
	opts := &server.Options{
		ServerName:         "tablewire-relay",
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.MaxMemory,
		JetStreamMaxStore:  cfg.MaxStore,
		// In-process only: the relay is the sole client.
		DontListen: true,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within %s", readyTimeout)
	}

	return &Server{srv: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for the relay's NATS client.
func (s *Server) ClientURL() string { return s.clientURL }

// NATSServer exposes the underlying server for nats.InProcessServer dialing.
func (s *Server) NATSServer() *server.Server { return s.srv }

// Shutdown stops the server and waits for it to drain, or until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srv.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the server is up.
func (s *Server) Running() bool { return s.srv.Running() }
