// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tablewire/tablewire/internal/logging"
	"github.com/tablewire/tablewire/internal/metrics"
)

// Config tunes the hybrid store's failure handling.
type Config struct {
	// ProbeInterval is how often durable-store reachability is tested.
	// Default: 30s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe or replay operation.
	// Default: 5s.
	ProbeTimeout time.Duration

	// BreakerThreshold is the consecutive durable failures before the
	// circuit opens. Default: 3.
	BreakerThreshold uint32

	// BreakerTimeout is how long the circuit stays open before a trial
	// request is allowed. Keep at or below ProbeInterval so the periodic
	// probe is the trial request. Default: 30s.
	BreakerTimeout time.Duration

	// ReplayRate caps replay operations per second against a durable store
	// that just recovered. Default: 100.
	ReplayRate rate.Limit
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.ReplayRate <= 0 {
		c.ReplayRate = 100
	}
}

// Status is the store state reported to the HTTP boundary.
type Status struct {
	Healthy    bool `json:"healthy"`
	QueueDepth int  `json:"queue_depth"`
}

// Hybrid keeps the durable store and the local fallback consistent. Every
// write lands in the fallback first; durable writes that fail are queued
// and replayed in enqueue order once the periodic health probe sees the
// durable store recover.
//
// The fallback store's content is always a superset-or-equal view of
// confirmed writes; the durable store may lag only while degraded or during
// a not-yet-completed replay.
type Hybrid struct {
	durable Durable
	local   Backend
	cb      *gobreaker.CircuitBreaker[[]byte]
	cfg     Config
	limiter *rate.Limiter

	// mu guards healthy, replaying and queue. Concurrent writers serialize
	// here, not through the backing store's own concurrency control.
	mu        sync.Mutex
	healthy   bool
	replaying bool
	queue     []Op
}

// NewHybrid builds the hybrid store and runs the initial health probe so
// the state flag is verified before first use.
func NewHybrid(ctx context.Context, durable Durable, local Backend, cfg Config) *Hybrid {
	cfg.applyDefaults()

	h := &Hybrid{
		durable: durable,
		local:   local,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.ReplayRate, 1),
	}

	h.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "durable-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		// A missing key is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("durable store breaker state changed")
		},
	})

	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	err := durable.Ping(probeCtx)
	h.healthy = err == nil
	if err != nil {
		logging.Warn().Err(err).Msg("durable store unreachable at startup, starting degraded")
	}
	h.publishStatus()
	return h
}

// Write applies the operation to the local fallback first, so it is never
// lost even if the process crashes immediately after. While healthy the
// operation is then attempted against the durable store; a failure flips
// the state to degraded and queues the op. While degraded, ops queue
// directly. Durable-store trouble is never surfaced as an error.
func (h *Hybrid) Write(ctx context.Context, op Op) error {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	if err := applyOp(ctx, h.local, op); err != nil {
		metrics.StoreOperations.WithLabelValues("local", string(op.Kind), "error").Inc()
		return fmt.Errorf("fallback store write: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("local", string(op.Kind), "ok").Inc()

	// While degraded or mid-replay the op queues under the same lock that
	// the replay loop dequeues under, so it lands behind every older queued
	// entry. A direct durable write during a replay pass could be clobbered
	// by an older queued op for the same key.
	h.mu.Lock()
	if !h.healthy || h.replaying {
		h.queue = append(h.queue, op)
		depth := len(h.queue)
		h.mu.Unlock()
		metrics.SyncQueueDepth.Set(float64(depth))
		return nil
	}
	h.mu.Unlock()

	if err := h.applyDurable(ctx, op); err != nil {
		metrics.StoreOperations.WithLabelValues("durable", string(op.Kind), "error").Inc()
		h.degrade(err)
		h.enqueue(op)
		return nil
	}
	metrics.StoreOperations.WithLabelValues("durable", string(op.Kind), "ok").Inc()
	return nil
}

// Read serves from the durable store while healthy and falls back to the
// local store transparently on any failure, including a transition detected
// mid-read. A durable miss also checks the fallback: the durable store may
// lag behind it during a not-yet-completed replay.
func (h *Hybrid) Read(ctx context.Context, key string) ([]byte, error) {
	h.mu.Lock()
	healthy := h.healthy
	h.mu.Unlock()

	if healthy {
		value, err := h.cb.Execute(func() ([]byte, error) {
			return h.durable.Get(ctx, key)
		})
		switch {
		case err == nil:
			return value, nil
		case errors.Is(err, ErrNotFound):
			// fall through to the local superset view
		default:
			h.degrade(err)
		}
	}

	return h.local.Get(ctx, key)
}

// Keys lists keys with the given prefix from the local fallback, which is
// always a superset-or-equal view of confirmed writes.
func (h *Hybrid) Keys(ctx context.Context, prefix string) ([]string, error) {
	return h.local.Keys(ctx, prefix)
}

// Status reports the health flag and sync queue depth.
func (h *Hybrid) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{Healthy: h.healthy, QueueDepth: len(h.queue)}
}

// Serve runs the periodic health probe until the context is canceled. A
// degraded-to-healthy transition triggers one replay pass over the sync
// queue. Satisfies suture.Service.
func (h *Hybrid) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

// String identifies the service in supervisor logs.
func (h *Hybrid) String() string {
	return "store-health-probe"
}

// Reconcile forces an immediate probe-and-replay pass. Exposed for the
// store status boundary and tests; the periodic probe does the same thing
// on its own schedule.
func (h *Hybrid) Reconcile(ctx context.Context) {
	h.probe(ctx)
}

// probe tests durable reachability through the circuit breaker so a
// successful trial request also closes the circuit before replay begins.
func (h *Hybrid) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	_, err := h.cb.Execute(func() ([]byte, error) {
		return nil, h.durable.Ping(probeCtx)
	})
	if err != nil {
		h.degrade(err)
		return
	}

	h.mu.Lock()
	recovered := !h.healthy
	h.healthy = true
	depth := len(h.queue)
	replayNeeded := depth > 0
	if replayNeeded {
		// Writes keep queueing until the pass drains; the flag and the
		// health flip happen under one lock so no write slips between them.
		h.replaying = true
	}
	h.mu.Unlock()
	h.publishStatus()

	if recovered {
		logging.Info().Int("queue_depth", depth).Msg("durable store recovered, replaying sync queue")
	}
	if replayNeeded {
		h.replay(ctx)
	}
}

// replay drains the sync queue strictly in enqueue order, including writes
// that arrive while the pass runs; those queue behind the older entries
// instead of hitting the durable store directly, so an older queued op can
// never overwrite a newer confirmed value. A failed entry is logged and
// discarded, not retried. Direct durable writes resume only once the queue
// is empty.
func (h *Hybrid) replay(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.replaying = false
		h.mu.Unlock()
	}()

	replayed, discarded := 0, 0
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			break
		}
		op := h.queue[0]
		h.mu.Unlock()

		if err := h.limiter.Wait(ctx); err != nil {
			return
		}

		opCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
		err := applyOp(opCtx, h.durable, op)
		cancel()

		if err != nil {
			discarded++
			metrics.SyncReplays.WithLabelValues("discarded").Inc()
			logging.Error().
				Err(err).
				Str("key", op.Key).
				Str("kind", string(op.Kind)).
				Time("enqueued_at", op.EnqueuedAt).
				Msg("sync queue replay failed, entry discarded")
		} else {
			replayed++
			metrics.SyncReplays.WithLabelValues("ok").Inc()
		}

		// Removed only after a successful replay or this explicit discard.
		h.mu.Lock()
		h.queue = h.queue[1:]
		depth := len(h.queue)
		h.mu.Unlock()
		metrics.SyncQueueDepth.Set(float64(depth))
	}

	logging.Info().
		Int("replayed", replayed).
		Int("discarded", discarded).
		Msg("sync queue replay finished")
}

// applyDurable runs one op against the durable store through the breaker.
func (h *Hybrid) applyDurable(ctx context.Context, op Op) error {
	_, err := h.cb.Execute(func() ([]byte, error) {
		return nil, applyOp(ctx, h.durable, op)
	})
	return err
}

// degrade flips the state flag; idempotent under repeated failures.
func (h *Hybrid) degrade(cause error) {
	h.mu.Lock()
	was := h.healthy
	h.healthy = false
	h.mu.Unlock()
	h.publishStatus()

	if was {
		logging.Warn().Err(cause).Msg("durable store unreachable, store degraded")
	}
}

func (h *Hybrid) enqueue(op Op) {
	h.mu.Lock()
	h.queue = append(h.queue, op)
	depth := len(h.queue)
	h.mu.Unlock()
	metrics.SyncQueueDepth.Set(float64(depth))
}

func (h *Hybrid) publishStatus() {
	h.mu.Lock()
	healthy := h.healthy
	h.mu.Unlock()
	if healthy {
		metrics.StoreHealthy.Set(1)
	} else {
		metrics.StoreHealthy.Set(0)
	}
}

// applyOp executes one write operation against a backend.
func applyOp(ctx context.Context, b Backend, op Op) error {
	switch op.Kind {
	case OpUpsert:
		return b.Put(ctx, op.Key, op.Value)
	case OpDelete:
		return b.Delete(ctx, op.Key)
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}
