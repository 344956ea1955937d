// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package api exposes the relay's boundary operations: event dispatch for
// the backend collaborator, push-subscription lookups for the push-delivery
// collaborator, and read-only introspection. Handlers are thin adapters
// over in-process calls; the relay core never parses HTTP itself.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tablewire/tablewire/internal/dispatch"
	"github.com/tablewire/tablewire/internal/event"
	"github.com/tablewire/tablewire/internal/hub"
	"github.com/tablewire/tablewire/internal/push"
	"github.com/tablewire/tablewire/internal/scope"
	"github.com/tablewire/tablewire/internal/store"
)

// maxBodyBytes bounds request bodies on dispatch endpoints.
const maxBodyBytes = 256 * 1024

// Handler wires the boundary operations to the relay core.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	registry   *scope.Registry
	hybrid     *store.Hybrid
	push       *push.Manager
	hub        *hub.Hub
	startTime  time.Time
}

// NewHandler creates the boundary handler.
func NewHandler(d *dispatch.Dispatcher, r *scope.Registry, h *store.Hybrid, p *push.Manager, wsHub *hub.Hub) *Handler {
	return &Handler{
		dispatcher: d,
		registry:   r,
		hybrid:     h,
		push:       p,
		hub:        wsHub,
		startTime:  time.Now(),
	}
}

// DispatchNotification delivers a user-facing notification to a scope and
// returns the delivered count. Zero means nobody was listening; the caller
// decides whether to fall back to offline push delivery.
func (h *Handler) DispatchNotification(target scope.Scope, message, level string) (int, error) {
	payload, err := json.Marshal(struct {
		Message string `json:"message"`
		Level   string `json:"level,omitempty"`
	}{Message: message, Level: level})
	if err != nil {
		return 0, fmt.Errorf("encode notification: %w", err)
	}
	return h.dispatcher.Deliver(event.New(event.KindNotification, target, payload))
}

// DispatchContentEvent delivers a content event (refresh, update,
// cache-invalidate) to a scope and returns the delivered count.
func (h *Handler) DispatchContentEvent(kind event.Kind, target scope.Scope, payload json.RawMessage) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown event kind %q", kind)
	}
	return h.dispatcher.Deliver(event.New(kind, target, payload))
}

// targetPayload is the structured target descriptor accepted on the wire.
type targetPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Org  string `json:"org,omitempty"`
	Role string `json:"role,omitempty"`
}

func parseTarget(t targetPayload) (scope.Scope, error) {
	switch t.Kind {
	case "all", "":
		return scope.Broadcast(), nil
	case "user":
		if t.ID == "" {
			return scope.Scope{}, errors.New("target user id required")
		}
		return scope.ForUser(t.ID), nil
	case "org":
		if t.ID == "" {
			return scope.Scope{}, errors.New("target org id required")
		}
		return scope.ForOrg(t.ID), nil
	case "role":
		if t.Org == "" || t.Role == "" {
			return scope.Scope{}, errors.New("target org and role required")
		}
		return scope.ForRole(t.Org, t.Role), nil
	default:
		return scope.Scope{}, fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// Notify handles POST /api/v1/notify.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target  targetPayload `json:"target"`
		Message string        `json:"message"`
		Level   string        `json:"level"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "message required")
		return
	}
	target, err := parseTarget(req.Target)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_TARGET", err.Error())
		return
	}

	delivered, err := h.DispatchNotification(target, req.Message, req.Level)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "DISPATCH_FAILED", err.Error())
		return
	}
	// Zero delivered is a success: "nobody was listening" is a valid outcome.
	respondJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

// ContentEvent handles POST /api/v1/events.
func (h *Handler) ContentEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string          `json:"kind"`
		Target  targetPayload   `json:"target"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	target, err := parseTarget(req.Target)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_TARGET", err.Error())
		return
	}

	delivered, err := h.DispatchContentEvent(event.Kind(req.Kind), target, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_KIND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"connection_count": h.registry.ConnCount(),
		"scopes":           h.registry.ScopeList(),
	})
}

// StoreStatus handles GET /api/v1/store/status.
func (h *Handler) StoreStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.hybrid.Status())
}

// StoreReconcile handles POST /api/v1/store/reconcile, forcing an immediate
// probe-and-replay pass.
func (h *Handler) StoreReconcile(w http.ResponseWriter, r *http.Request) {
	h.hybrid.Reconcile(r.Context())
	respondJSON(w, http.StatusOK, h.hybrid.Status())
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.hybrid.Status()
	status := "healthy"
	if !st.Healthy {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"store":          st,
		"connections":    h.registry.ConnCount(),
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	})
}

// PushSubscriptions handles GET /api/v1/push/subscriptions.
func (h *Handler) PushSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.push.GetAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, subs)
}

// PushSubscription handles GET /api/v1/push/subscriptions/{userID}.
func (h *Handler) PushSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sub, err := h.push.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, push.ErrNoSubscription) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "no subscription for user")
			return
		}
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// AddPushSubscription handles POST /api/v1/push/subscriptions.
func (h *Handler) AddPushSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string          `json:"userId"`
		Endpoint json.RawMessage `json:"endpoint"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.UserID == "" || len(req.Endpoint) == 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "userId and endpoint required")
		return
	}
	if err := h.push.Add(r.Context(), req.UserID, req.Endpoint); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"user_id": req.UserID})
}

// PushDeliveryFailure handles POST /api/v1/push/failures, the push
// collaborator's report of a failed delivery attempt.
func (h *Handler) PushDeliveryFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"userId"`
		StatusCode int    `json:"statusCode"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "userId required")
		return
	}
	if err := h.push.OnDeliveryFailure(r.Context(), req.UserID, req.StatusCode); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID})
}

// QueueOffline handles POST /api/v1/push/backlog, storing a message for a
// disconnected user after a zero-delivery dispatch.
func (h *Handler) QueueOffline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string          `json:"userId"`
		MessageID string          `json:"messageId"`
		Message   json.RawMessage `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.UserID == "" || req.MessageID == "" || len(req.Message) == 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "userId, messageId and message required")
		return
	}
	if err := h.push.QueueOffline(r.Context(), req.UserID, req.MessageID, req.Message); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"user_id": req.UserID, "message_id": req.MessageID})
}

// Backlog handles GET /api/v1/push/backlog/{userID}.
func (h *Handler) Backlog(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	msgs, err := h.push.Backlog(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

// ClearBacklog handles DELETE /api/v1/push/backlog/{userID}, called once the
// push collaborator has flushed the backlog to the client.
func (h *Handler) ClearBacklog(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.push.ClearBacklog(r.Context(), userID); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID})
}

// WebSocket handles GET /ws, the client handshake.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "success",
		"data":   data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"error":  map[string]string{"code": code, "message": message},
	})
}
