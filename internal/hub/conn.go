// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tablewire/tablewire/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB

	// sendBuffer is the per-connection outbound queue. A client that falls
	// further behind than this is treated as disconnected.
	sendBuffer = 256
)

// Conn is one open bidirectional channel to a client process. A single
// writer pump serializes outbound frames, so distinct events to the same
// connection are delivered in emission order.
type Conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	// mu guards the identity fields set by join operations.
	mu     sync.Mutex
	userID string
	orgID  string
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
}

// ID returns the opaque connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// TrySend queues a frame without blocking. False means the buffer is full
// or the connection is effectively gone; callers treat that as an implicit
// disconnect. The send channel is never closed, so TrySend is always safe
// to call concurrently with teardown.
func (c *Conn) TrySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close tears down the transport once. The pumps observe the closed socket
// and exit on their own.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// Start begins the read and write pumps.
func (c *Conn) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump consumes client frames until the transport errors, then removes
// the connection from the registry in the same step.
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("conn", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.hub.handleMessage(c, raw)
	}
}

// writePump drains the send queue to the socket and keeps the transport
// alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *Conn) setOrgID(id string) {
	c.mu.Lock()
	c.orgID = id
	c.mu.Unlock()
}

// UserID returns the user identifier set by a join-as-user operation, or "".
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OrgID returns the organization identifier set by a join operation, or "".
func (c *Conn) OrgID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orgID
}
