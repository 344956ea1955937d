// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package dedup provides the short-lived idempotency ledger that prevents
// duplicate delivery under retry. Entries are keyed by a caller-derived
// event fingerprint and evicted by a periodic time-based sweep, bounding the
// cache to the events seen within one retention window.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/metrics"
)

const (
	// DefaultRetention is how long an admitted fingerprint blocks retries.
	DefaultRetention = 5 * time.Minute

	// DefaultSweepInterval is how often expired entries are removed.
	DefaultSweepInterval = time.Minute
)

// Cache is the idempotency ledger. Admit is atomic with respect to
// concurrent callers: two concurrent Admit calls for the same fingerprint
// never both return true.
type Cache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	sweep     time.Duration

	// now is swapped in tests to control retention expiry.
	now func() time.Time
}

// New creates a cache with the given retention window and sweep interval.
// Non-positive values fall back to the defaults.
func New(retention, sweep time.Duration) *Cache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Cache{
		seen:      make(map[string]time.Time),
		retention: retention,
		sweep:     sweep,
		now:       time.Now,
	}
}

// Admit records the fingerprint and returns true if it was not already
// present, or if the existing record is older than the retention window.
// A false return means duplicate: the event must not be redelivered.
func (c *Cache) Admit(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[fingerprint]; ok && now.Sub(at) < c.retention {
		metrics.EventsDeduplicated.Inc()
		return false
	}
	c.seen[fingerprint] = now
	return true
}

// Len returns the current entry count, for observability.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep removes entries older than the retention window and returns how many
// were removed. Eviction is lazy: Admit never waits on a sweep.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for fp, at := range c.seen {
		if now.Sub(at) >= c.retention {
			delete(c.seen, fp)
			removed++
		}
	}
	metrics.DedupCacheSize.Set(float64(len(c.seen)))
	return removed
}

// Serve runs the background sweep until the context is canceled. It
// satisfies suture.Service and is supervised by the messaging layer.
func (c *Cache) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				logging.Debug().Int("removed", removed).Int("remaining", c.Len()).Msg("dedup sweep")
			}
		}
	}
}

// String identifies the service in supervisor logs.
func (c *Cache) String() string {
	return "dedup-sweeper"
}
