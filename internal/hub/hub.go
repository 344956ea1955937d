// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package hub owns the WebSocket connection layer: handshake, the
// per-connection read/write pumps, and the client-facing room-join
// vocabulary that maps onto scope registry joins.
package hub

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/metrics"
	"github.com/tablewire/tablewire/internal/scope"
	"github.com/tablewire/tablewire/internal/signal"
)

// Client-facing message vocabulary.
const (
	msgJoinAsUser      = "join-as-user"
	msgJoinAsOrgMember = "join-as-organization-member"
	msgJoinRoleRoom    = "join-role-room"
	msgJoinWaiterRoom  = "join-waiter-room"
	msgSignal          = "signal"
	msgPing            = "ping"
	msgPong            = "pong"
	msgJoined          = "joined"
	msgError           = "error"
)

// waiterRole is the role scope behind join-waiter-room.
const waiterRole = "waiter"

// clientMessage is the frame clients send. Fields are populated per type;
// signaling payloads stay opaque.
type clientMessage struct {
	Type         string          `json:"type"`
	UserID       string          `json:"userId,omitempty"`
	OrgID        string          `json:"orgId,omitempty"`
	Role         string          `json:"role,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Hub accepts connections and routes their control messages. Fan-out state
// lives entirely in the scope registry; the hub holds no membership maps of
// its own.
type Hub struct {
	registry *scope.Registry
	signaler *signal.Relay
	upgrader websocket.Upgrader
}

// NewHub creates the connection layer. allowedOrigins gates the handshake;
// "*" or an empty list allows any origin.
func NewHub(registry *scope.Registry, signaler *signal.Relay, allowedOrigins []string) *Hub {
	h := &Hub{
		registry: registry,
		signaler: signaler,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// ServeWS upgrades the request and registers the connection. Scope
// membership is established only by explicit join messages; clients are
// expected to re-join immediately after every reconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(h, ws)
	h.registry.Register(c)
	metrics.ActiveConnections.Set(float64(h.registry.ConnCount()))
	logging.Info().Str("conn", c.id).Int("total", h.registry.ConnCount()).Msg("websocket client connected")
	c.Start()
}

// unregister removes the connection and all its scope memberships in one
// step; no stale entries survive a disconnect.
func (h *Hub) unregister(c *Conn) {
	h.registry.Remove(c.id)
	metrics.ActiveConnections.Set(float64(h.registry.ConnCount()))
	metrics.ActiveScopes.Set(float64(h.registry.ScopeCount()))
	logging.Info().Str("conn", c.id).Int("total", h.registry.ConnCount()).Msg("websocket client disconnected")
}

// handleMessage dispatches one client frame. Malformed join requests are
// rejected synchronously with an error event and mutate no state.
func (h *Hub) handleMessage(c *Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(c, "malformed message")
		return
	}

	switch msg.Type {
	case msgPing:
		h.sendFrame(c, msgPong, nil)

	case msgJoinAsUser:
		if msg.UserID == "" {
			h.sendError(c, "userId required")
			return
		}
		c.setUserID(msg.UserID)
		h.join(c, scope.ForUser(msg.UserID))

	case msgJoinAsOrgMember:
		if msg.OrgID == "" {
			h.sendError(c, "orgId required")
			return
		}
		c.setOrgID(msg.OrgID)
		h.join(c, scope.ForOrg(msg.OrgID))

	case msgJoinRoleRoom:
		if msg.OrgID == "" || msg.Role == "" {
			h.sendError(c, "orgId and role required")
			return
		}
		h.join(c, scope.ForRole(msg.OrgID, msg.Role))

	case msgJoinWaiterRoom:
		if msg.OrgID == "" {
			h.sendError(c, "orgId required")
			return
		}
		h.join(c, scope.ForRole(msg.OrgID, waiterRole))

	case msgSignal:
		if msg.TargetUserID == "" || msg.Kind == "" {
			h.sendError(c, "targetUserId and kind required")
			return
		}
		// Pass-through; a target with no live connection is a silent drop.
		if _, err := h.signaler.Relay(msg.TargetUserID, msg.Kind, msg.Payload); err != nil {
			h.sendError(c, "signaling relay failed")
		}

	default:
		h.sendError(c, "unknown message type")
	}
}

func (h *Hub) join(c *Conn, s scope.Scope) {
	h.registry.Join(c, s)
	metrics.ActiveScopes.Set(float64(h.registry.ScopeCount()))

	ack, _ := json.Marshal(struct {
		Scope string `json:"scope"`
	}{Scope: s.String()})
	h.sendFrame(c, msgJoined, ack)
	logging.Debug().Str("conn", c.id).Str("scope", s.String()).Msg("scope joined")
}

func (h *Hub) sendError(c *Conn, message string) {
	data, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	h.sendFrame(c, msgError, data)
}

func (h *Hub) sendFrame(c *Conn, frameType string, data json.RawMessage) {
	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}{Type: frameType, Data: data})
	if err != nil {
		return
	}
	if !c.TrySend(frame) {
		h.registry.Remove(c.id)
		_ = c.Close()
	}
}

// originChecker builds the handshake origin gate.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
