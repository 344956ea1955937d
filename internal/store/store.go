// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package store implements the hybrid persistence layer: a durable external
// store behind a health-checked adapter, a local always-available fallback
// store, and a pending-operations queue replayed when the durable store
// recovers.
//
// The hybrid store is the sole writer to both backing stores and the
// exclusive owner of the sync queue. Callers never see which backend served
// a read; durable-store failures surface only as a status flag.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no record in the store queried.
var ErrNotFound = errors.New("store: key not found")

// OpKind tags a queued write operation.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// Op is one write operation. While the durable store is unreachable, ops
// are held in the sync queue with the payload snapshot taken at enqueue
// time and replayed in enqueue order on recovery.
type Op struct {
	Kind       OpKind    `json:"kind"`
	Key        string    `json:"key"`
	Value      []byte    `json:"value,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Backend is the operation set shared by the durable adapter and the local
// fallback store.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Keys lists keys with the given prefix. An empty prefix lists all.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Durable is the health-checked external store adapter.
type Durable interface {
	Backend

	// Ping tests reachability. The hybrid store's periodic probe drives
	// healthy/degraded transitions off this call.
	Ping(ctx context.Context) error
}
