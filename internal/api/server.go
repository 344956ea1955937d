// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tablewire/tablewire/internal/logging"
)

const shutdownGrace = 10 * time.Second

// Server runs the HTTP boundary as a supervised service.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP server around the given router.
func NewServer(host string, port int, timeout time.Duration, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
			Handler:           handler,
			ReadHeaderTimeout: timeout,
			// No WriteTimeout or ReadTimeout: /ws connections are long-lived
			// and pace themselves with their own deadlines.
		},
	}
}

// Serve implements suture.Service. It blocks until ctx is cancelled, then
// drains in-flight requests before returning.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http server shutdown incomplete, forcing close")
			_ = s.srv.Close()
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string { return "http-server" }
