// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memBackend is an in-memory Backend for hybrid store tests.
type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (m *memBackend) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *memBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memBackend) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// scriptedDurable is a Durable whose reachability and per-key write
// behavior the test controls. It records applied write keys in order.
type scriptedDurable struct {
	*memBackend

	mu         sync.Mutex
	down       bool
	failPuts   bool
	applied    []string
	putEntered chan struct{}
	putRelease chan struct{}
}

func newScriptedDurable() *scriptedDurable {
	return &scriptedDurable{memBackend: newMemBackend()}
}

var errUnreachable = errors.New("durable store unreachable")

func (d *scriptedDurable) setDown(down bool) {
	d.mu.Lock()
	d.down = down
	d.mu.Unlock()
}

func (d *scriptedDurable) isDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.down
}

func (d *scriptedDurable) Ping(context.Context) error {
	if d.isDown() {
		return errUnreachable
	}
	return nil
}

// gateNextPut makes the next Put close entered on arrival and block until
// release is closed. One-shot.
func (d *scriptedDurable) gateNextPut(entered, release chan struct{}) {
	d.mu.Lock()
	d.putEntered, d.putRelease = entered, release
	d.mu.Unlock()
}

func (d *scriptedDurable) Put(ctx context.Context, key string, value []byte) error {
	if d.isDown() {
		return errUnreachable
	}
	d.mu.Lock()
	fail := d.failPuts
	entered, release := d.putEntered, d.putRelease
	d.putEntered, d.putRelease = nil, nil
	d.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	if fail {
		return errors.New("durable put rejected")
	}
	d.mu.Lock()
	d.applied = append(d.applied, key)
	d.mu.Unlock()
	return d.memBackend.Put(ctx, key, value)
}

func (d *scriptedDurable) Delete(ctx context.Context, key string) error {
	if d.isDown() {
		return errUnreachable
	}
	d.mu.Lock()
	d.applied = append(d.applied, key)
	d.mu.Unlock()
	return d.memBackend.Delete(ctx, key)
}

func (d *scriptedDurable) Get(ctx context.Context, key string) ([]byte, error) {
	if d.isDown() {
		return nil, errUnreachable
	}
	return d.memBackend.Get(ctx, key)
}

func (d *scriptedDurable) appliedKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.applied...)
}

func testConfig() Config {
	return Config{
		ProbeInterval: time.Second,
		ProbeTimeout:  time.Second,
		ReplayRate:    1000,
	}
}

func newTestHybrid(t *testing.T) (*Hybrid, *scriptedDurable, *memBackend) {
	t.Helper()
	durable := newScriptedDurable()
	local := newMemBackend()
	h := NewHybrid(context.Background(), durable, local, testConfig())
	return h, durable, local
}

func TestWriteHealthyReachesBothStores(t *testing.T) {
	h, durable, local := newTestHybrid(t)
	ctx := context.Background()

	if err := h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.alice", Value: []byte("v1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !local.has("sub.alice") {
		t.Error("fallback store must hold the write")
	}
	if !durable.has("sub.alice") {
		t.Error("durable store must hold the write while healthy")
	}
	if st := h.Status(); !st.Healthy || st.QueueDepth != 0 {
		t.Errorf("Status = %+v, want healthy with empty queue", st)
	}
}

func TestDurableFailureDegradesSilently(t *testing.T) {
	h, durable, local := newTestHybrid(t)
	ctx := context.Background()
	durable.setDown(true)

	// Durable trouble never surfaces as a write error.
	if err := h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.alice", Value: []byte("v1")}); err != nil {
		t.Fatalf("degraded write must succeed, got %v", err)
	}
	if err := h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.bob", Value: []byte("v2")}); err != nil {
		t.Fatalf("degraded write must succeed, got %v", err)
	}

	st := h.Status()
	if st.Healthy {
		t.Error("store must report degraded after a durable failure")
	}
	if st.QueueDepth != 2 {
		t.Errorf("queue depth = %d, want 2", st.QueueDepth)
	}
	if !local.has("sub.alice") || !local.has("sub.bob") {
		t.Error("fallback store must hold all degraded writes")
	}
}

func TestReadFallsBackWhenDegraded(t *testing.T) {
	h, durable, _ := newTestHybrid(t)
	ctx := context.Background()

	if err := h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.alice", Value: []byte("v1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	durable.setDown(true)
	h.Reconcile(ctx) // probe notices the outage

	got, err := h.Read(ctx, "sub.alice")
	if err != nil {
		t.Fatalf("degraded read must be served from fallback, got %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Read = %q, want v1", got)
	}
}

func TestReadDurableMissChecksFallback(t *testing.T) {
	h, _, local := newTestHybrid(t)
	ctx := context.Background()

	// Present only in the fallback, as during a not-yet-replayed recovery.
	if err := local.Put(ctx, "sub.alice", []byte("v1")); err != nil {
		t.Fatalf("seed fallback: %v", err)
	}

	got, err := h.Read(ctx, "sub.alice")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Read = %q, want v1", got)
	}
}

func TestReadMissingKey(t *testing.T) {
	h, _, _ := newTestHybrid(t)
	if _, err := h.Read(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read absent key = %v, want ErrNotFound", err)
	}
}

func TestRecoveryReplaysQueueInOrder(t *testing.T) {
	h, durable, _ := newTestHybrid(t)
	ctx := context.Background()

	durable.setDown(true)
	ops := []Op{
		{Kind: OpUpsert, Key: "sub.a", Value: []byte("1")},
		{Kind: OpUpsert, Key: "sub.b", Value: []byte("2")},
		{Kind: OpDelete, Key: "sub.a"},
		{Kind: OpUpsert, Key: "sub.c", Value: []byte("3")},
	}
	for _, op := range ops {
		if err := h.Write(ctx, op); err != nil {
			t.Fatalf("Write %s: %v", op.Key, err)
		}
	}
	if st := h.Status(); st.QueueDepth != 4 {
		t.Fatalf("queue depth = %d, want 4", st.QueueDepth)
	}

	durable.setDown(false)
	h.Reconcile(ctx)

	st := h.Status()
	if !st.Healthy {
		t.Error("store must report healthy after recovery")
	}
	if st.QueueDepth != 0 {
		t.Errorf("queue depth after replay = %d, want 0", st.QueueDepth)
	}

	want := []string{"sub.a", "sub.b", "sub.a", "sub.c"}
	got := durable.appliedKeys()
	if len(got) != len(want) {
		t.Fatalf("replayed ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay order %v, want %v", got, want)
		}
	}

	// Net effect: delete of sub.a applied after its upsert.
	if durable.has("sub.a") {
		t.Error("replayed delete must win over the earlier upsert")
	}
	if !durable.has("sub.b") || !durable.has("sub.c") {
		t.Error("replayed upserts must land in the durable store")
	}
}

func TestWriteDuringReplayQueuesBehindOlderOps(t *testing.T) {
	h, durable, _ := newTestHybrid(t)
	ctx := context.Background()

	// One stale op queued while degraded.
	durable.setDown(true)
	if err := h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.alice", Value: []byte("v1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	durable.setDown(false)

	// Hold the replay pass mid-apply of the stale op.
	entered := make(chan struct{})
	release := make(chan struct{})
	durable.gateNextPut(entered, release)

	done := make(chan struct{})
	go func() {
		h.Reconcile(ctx)
		close(done)
	}()
	<-entered

	// A newer value for the same key arrives while the pass runs. It must
	// queue behind the stale op, never hit the durable store directly, or
	// the stale replay would overwrite it.
	if err := h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.alice", Value: []byte("v2")}); err != nil {
		t.Fatalf("Write during replay: %v", err)
	}
	close(release)
	<-done

	got, err := durable.Get(ctx, "sub.alice")
	if err != nil {
		t.Fatalf("durable Get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("durable value after replay = %q, want the newer v2", got)
	}
	if got, err := h.Read(ctx, "sub.alice"); err != nil || string(got) != "v2" {
		t.Errorf("Read = %q, %v, want v2", got, err)
	}
	if st := h.Status(); !st.Healthy || st.QueueDepth != 0 {
		t.Errorf("Status = %+v, want healthy with drained queue", st)
	}
}

func TestReplaySameEntryTwiceKeepsSingleRecord(t *testing.T) {
	h, durable, _ := newTestHybrid(t)
	ctx := context.Background()

	durable.setDown(true)
	op := Op{Kind: OpUpsert, Key: "sub.alice", Value: []byte("v1")}
	if err := h.Write(ctx, op); err != nil {
		t.Fatalf("Write: %v", err)
	}
	durable.setDown(false)
	h.Reconcile(ctx)

	// A crash between the durable apply and the queue trim leaves the same
	// entry queued; the next pass applies it a second time.
	h.enqueue(op)
	h.Reconcile(ctx)

	if got := durable.appliedKeys(); len(got) != 2 {
		t.Fatalf("applied ops = %v, want the entry applied twice", got)
	}
	keys, err := durable.Keys(ctx, "sub.")
	if err != nil {
		t.Fatalf("durable Keys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("durable records = %v, want a single record", keys)
	}
	if got, _ := durable.Get(ctx, "sub.alice"); string(got) != "v1" {
		t.Errorf("durable value = %q, want v1", got)
	}
	if st := h.Status(); !st.Healthy || st.QueueDepth != 0 {
		t.Errorf("Status = %+v, want healthy with empty queue", st)
	}
}

func TestReplayFailureDiscardsEntry(t *testing.T) {
	h, durable, _ := newTestHybrid(t)
	ctx := context.Background()

	durable.mu.Lock()
	durable.failPuts = true
	durable.mu.Unlock()

	if err := h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.alice", Value: []byte("v1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if st := h.Status(); st.Healthy || st.QueueDepth != 1 {
		t.Fatalf("Status = %+v, want degraded with one queued op", st)
	}

	// Reachable again but still rejecting this write: the replay pass is
	// bounded, so the entry is discarded rather than retried forever.
	h.Reconcile(ctx)

	st := h.Status()
	if st.QueueDepth != 0 {
		t.Errorf("queue depth = %d, want 0 after discard", st.QueueDepth)
	}
	if !st.Healthy {
		t.Error("store must report healthy after the replay pass")
	}
	if durable.has("sub.alice") {
		t.Error("discarded entry must not reach the durable store")
	}
}

func TestStartupDegradedWhenDurableDown(t *testing.T) {
	durable := newScriptedDurable()
	durable.setDown(true)
	h := NewHybrid(context.Background(), durable, newMemBackend(), testConfig())

	if h.Status().Healthy {
		t.Error("unreachable durable store at startup must mean degraded")
	}

	// Writes keep working against the fallback.
	if err := h.Write(context.Background(), Op{Kind: OpUpsert, Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h.Status().QueueDepth != 1 {
		t.Error("startup-degraded writes must queue for replay")
	}
}

func TestKeysServedFromFallback(t *testing.T) {
	h, durable, _ := newTestHybrid(t)
	ctx := context.Background()

	durable.setDown(true)
	_ = h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.a", Value: []byte("1")})
	_ = h.Write(ctx, Op{Kind: OpUpsert, Key: "sub.b", Value: []byte("2")})
	_ = h.Write(ctx, Op{Kind: OpUpsert, Key: "backlog.a.1", Value: []byte("m")})

	keys, err := h.Keys(ctx, "sub.")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys = %v, want the two sub.* keys", keys)
	}
}

func TestUnknownOpKindRejected(t *testing.T) {
	h, _, _ := newTestHybrid(t)
	err := h.Write(context.Background(), Op{Kind: OpKind("merge"), Key: "k"})
	if err == nil {
		t.Error("unknown op kind must be rejected")
	}
}
