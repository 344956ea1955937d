// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package push brokers push-notification state for disconnected clients:
// subscription records keyed by user and a bounded offline-message backlog.
// The push-delivery wire protocol itself lives outside the relay; this
// package only answers the collaborator's lookups and reacts to its
// delivery failures.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/store"
)

// Key prefixes inside the shared hybrid store. NATS KV keys are
// dot-separated, so user identifiers must not contain dots.
const (
	subKeyPrefix     = "sub."
	backlogKeyPrefix = "backlog."
)

// ErrNoSubscription is returned when a user has no live subscription record.
var ErrNoSubscription = errors.New("push: no subscription for user")

// Subscription is one push-delivery registration. At most one live record
// exists per user; inserting a new one supersedes the old atomically since
// both backing stores upsert on the user-derived key.
type Subscription struct {
	UserID    string          `json:"user_id"`
	Endpoint  json.RawMessage `json:"endpoint"`
	CreatedAt time.Time       `json:"created_at"`
}

// Manager owns subscription records and the offline backlog, both persisted
// through the hybrid store.
type Manager struct {
	store *store.Hybrid

	// horizon bounds backlog retention; entries older are pruned.
	horizon time.Duration
}

// DefaultBacklogHorizon is the offline-backlog retention bound.
const DefaultBacklogHorizon = 24 * time.Hour

// NewManager creates a manager over the hybrid store.
func NewManager(h *store.Hybrid, horizon time.Duration) *Manager {
	if horizon <= 0 {
		horizon = DefaultBacklogHorizon
	}
	return &Manager{store: h, horizon: horizon}
}

func subKey(userID string) string {
	return subKeyPrefix + userID
}

// Add upserts the subscription record for a user.
func (m *Manager) Add(ctx context.Context, userID string, endpoint json.RawMessage) error {
	if userID == "" {
		return errors.New("push: user id required")
	}
	rec := Subscription{
		UserID:    userID,
		Endpoint:  endpoint,
		CreatedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return m.store.Write(ctx, store.Op{Kind: store.OpUpsert, Key: subKey(userID), Value: value})
}

// Get returns the live subscription record for a user.
func (m *Manager) Get(ctx context.Context, userID string) (*Subscription, error) {
	value, err := m.store.Read(ctx, subKey(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	var rec Subscription
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal subscription %s: %w", userID, err)
	}
	return &rec, nil
}

// GetAll returns every live subscription record.
func (m *Manager) GetAll(ctx context.Context) ([]Subscription, error) {
	keys, err := m.store.Keys(ctx, subKeyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]Subscription, 0, len(keys))
	for _, key := range keys {
		value, err := m.store.Read(ctx, key)
		if err != nil {
			continue // removed between scan and read
		}
		var rec Subscription
		if err := json.Unmarshal(value, &rec); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("skipping malformed subscription record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Remove deletes the subscription record for a user.
func (m *Manager) Remove(ctx context.Context, userID string) error {
	return m.store.Write(ctx, store.Op{Kind: store.OpDelete, Key: subKey(userID)})
}

// OnDeliveryFailure reacts to a push-delivery status code. Gone and
// not-found endpoints are permanently dead, so the record is removed; other
// statuses are transient and leave the record alone.
func (m *Manager) OnDeliveryFailure(ctx context.Context, userID string, statusCode int) error {
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		logging.Info().Str("user", userID).Int("status", statusCode).Msg("push endpoint gone, removing subscription")
		return m.Remove(ctx, userID)
	default:
		return nil
	}
}

// backlogEntry pairs a stored offline message with its enqueue time.
type backlogEntry struct {
	UserID   string          `json:"user_id"`
	Message  json.RawMessage `json:"message"`
	QueuedAt time.Time       `json:"queued_at"`
}

// QueueOffline stores a message for a disconnected user. The caller (the
// HTTP boundary) decides when a zero delivered-count warrants an offline
// copy; the relay itself never makes that call.
func (m *Manager) QueueOffline(ctx context.Context, userID, messageID string, message json.RawMessage) error {
	entry := backlogEntry{
		UserID:   userID,
		Message:  message,
		QueuedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal backlog entry: %w", err)
	}
	key := backlogKeyPrefix + userID + "." + messageID
	return m.store.Write(ctx, store.Op{Kind: store.OpUpsert, Key: key, Value: value})
}

// Backlog returns the undelivered messages for a user that are still inside
// the retention horizon, oldest first.
func (m *Manager) Backlog(ctx context.Context, userID string) ([]json.RawMessage, error) {
	keys, err := m.store.Keys(ctx, backlogKeyPrefix+userID+".")
	if err != nil {
		return nil, err
	}

	type aged struct {
		at  time.Time
		msg json.RawMessage
	}
	entries := make([]aged, 0, len(keys))
	cutoff := time.Now().UTC().Add(-m.horizon)
	for _, key := range keys {
		value, err := m.store.Read(ctx, key)
		if err != nil {
			continue
		}
		var entry backlogEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			continue
		}
		if entry.QueuedAt.Before(cutoff) {
			continue
		}
		entries = append(entries, aged{at: entry.QueuedAt, msg: entry.Message})
	}

	// Oldest first; keys carry no ordering of their own.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].at.Before(entries[j-1].at); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out, nil
}

// ClearBacklog removes every backlog entry for a user, called after the
// push collaborator confirms the backlog was flushed to the client.
func (m *Manager) ClearBacklog(ctx context.Context, userID string) error {
	keys, err := m.store.Keys(ctx, backlogKeyPrefix+userID+".")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.store.Write(ctx, store.Op{Kind: store.OpDelete, Key: key}); err != nil {
			return err
		}
	}
	return nil
}

// userFromBacklogKey extracts the user segment for logging.
func userFromBacklogKey(key string) string {
	rest := strings.TrimPrefix(key, backlogKeyPrefix)
	if i := strings.IndexByte(rest, '.'); i > 0 {
		return rest[:i]
	}
	return rest
}
