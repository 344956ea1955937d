// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tablewire/tablewire/internal/logging"
)

// RouterConfig carries the HTTP-boundary knobs.
type RouterConfig struct {
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitDisabled bool
}

// NewRouter builds the chi router for the relay's HTTP boundary.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied in order to every route.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// WebSocket handshake sits outside the rate limiter: a single long-lived
	// connection per client, limited instead by the registry.
	r.Get("/ws", h.WebSocket)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if !cfg.RateLimitDisabled {
			r.Use(httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/health", h.Health)
		r.Get("/stats", h.Stats)

		r.Post("/notify", h.Notify)
		r.Post("/events", h.ContentEvent)

		r.Route("/store", func(r chi.Router) {
			r.Get("/status", h.StoreStatus)
			r.Post("/reconcile", h.StoreReconcile)
		})

		r.Route("/push", func(r chi.Router) {
			r.Get("/subscriptions", h.PushSubscriptions)
			r.Post("/subscriptions", h.AddPushSubscription)
			r.Get("/subscriptions/{userID}", h.PushSubscription)
			r.Post("/failures", h.PushDeliveryFailure)
			r.Post("/backlog", h.QueueOffline)
			r.Get("/backlog/{userID}", h.Backlog)
			r.Delete("/backlog/{userID}", h.ClearBacklog)
		})
	})

	return r
}

// requestLogger logs each request at debug level with method, path, status
// and duration. Debug rather than info: the dispatch endpoints are hot.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
