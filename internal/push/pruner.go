// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package push

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/metrics"
	"github.com/tablewire/tablewire/internal/store"
)

// DefaultPruneInterval is how often the backlog pruner sweeps.
const DefaultPruneInterval = time.Hour

// Pruner removes offline-backlog entries past the retention horizon and
// nudges the fallback store's garbage collection. Runs as a supervised
// service on the data layer.
type Pruner struct {
	manager  *Manager
	interval time.Duration

	// gc is the fallback store hook; nil when the fallback store manages
	// its own space.
	gc func() error
}

// NewPruner creates a pruner over the manager's backlog.
func NewPruner(m *Manager, interval time.Duration, gc func() error) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{manager: m, interval: interval, gc: gc}
}

// Serve sweeps on a fixed interval until the context is canceled.
// Satisfies suture.Service.
func (p *Pruner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pruned, err := p.Prune(ctx)
			if err != nil {
				logging.Warn().Err(err).Msg("backlog prune pass failed")
				continue
			}
			if pruned > 0 {
				logging.Info().Int("pruned", pruned).Msg("offline backlog pruned")
			}
			if p.gc != nil {
				if err := p.gc(); err != nil {
					logging.Warn().Err(err).Msg("fallback store gc failed")
				}
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (p *Pruner) String() string {
	return "backlog-pruner"
}

// Prune deletes every backlog entry older than the retention horizon and
// returns how many were removed.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	keys, err := p.manager.store.Keys(ctx, backlogKeyPrefix)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-p.manager.horizon)
	pruned := 0
	for _, key := range keys {
		value, err := p.manager.store.Read(ctx, key)
		if err != nil {
			continue
		}
		var entry backlogEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			// Malformed entries are pruned too; they can never be delivered.
			entry.QueuedAt = time.Time{}
		}
		if !entry.QueuedAt.After(cutoff) {
			if err := p.manager.store.Write(ctx, store.Op{Kind: store.OpDelete, Key: key}); err != nil {
				logging.Warn().Err(err).Str("user", userFromBacklogKey(key)).Msg("backlog entry delete failed")
				continue
			}
			pruned++
		}
	}

	metrics.BacklogPruned.Add(float64(pruned))
	return pruned, nil
}
