// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package scope

import (
	"fmt"
	"sync"
	"testing"
)

// fakeConn is a minimal Conn for registry tests.
type fakeConn struct {
	id     string
	reject bool

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) TrySend(msg []byte) bool {
	if f.reject {
		return false
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return true
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newFake(id string) *fakeConn { return &fakeConn{id: id} }

func TestRegisterThenBroadcastMembership(t *testing.T) {
	r := NewRegistry()
	c := newFake("c1")
	r.Register(c)

	// A registered connection is reachable by broadcast before any join.
	if got := len(r.Members(Broadcast())); got != 1 {
		t.Fatalf("broadcast members = %d, want 1", got)
	}
	if got := len(r.Members(ForUser("42"))); got != 0 {
		t.Fatalf("unjoined user scope members = %d, want 0", got)
	}
}

func TestJoinIdempotent(t *testing.T) {
	r := NewRegistry()
	c := newFake("c1")
	s := ForOrg("acme")

	r.Join(c, s)
	r.Join(c, s)
	r.Join(c, s)

	if got := r.MembersCount(s); got != 1 {
		t.Errorf("MembersCount = %d after repeated joins, want 1", got)
	}
	if got := len(r.Scopes("c1")); got != 1 {
		t.Errorf("held scopes = %d, want 1", got)
	}
}

func TestUserScopeSingleOwner(t *testing.T) {
	r := NewRegistry()
	c := newFake("c1")

	r.Join(c, ForUser("alice"))
	r.Join(c, ForOrg("acme"))
	r.Join(c, ForUser("bob"))

	if got := r.MembersCount(ForUser("alice")); got != 0 {
		t.Errorf("old user scope members = %d, want 0", got)
	}
	if got := r.MembersCount(ForUser("bob")); got != 1 {
		t.Errorf("new user scope members = %d, want 1", got)
	}
	// Org membership is untouched by a user re-join.
	if got := r.MembersCount(ForOrg("acme")); got != 1 {
		t.Errorf("org scope members = %d, want 1", got)
	}
}

func TestOrgAndRoleScopesAccumulate(t *testing.T) {
	r := NewRegistry()
	c := newFake("c1")

	r.Join(c, ForOrg("acme"))
	r.Join(c, ForOrg("globex"))
	r.Join(c, ForRole("acme", "waiter"))
	r.Join(c, ForRole("acme", "admin"))

	if got := len(r.Scopes("c1")); got != 4 {
		t.Errorf("held scopes = %d, want 4", got)
	}
}

func TestLeaveRemovesSingleScope(t *testing.T) {
	r := NewRegistry()
	c := newFake("c1")
	r.Join(c, ForOrg("acme"))
	r.Join(c, ForRole("acme", "waiter"))

	r.Leave(c, ForOrg("acme"))

	if got := r.MembersCount(ForOrg("acme")); got != 0 {
		t.Errorf("org members after leave = %d, want 0", got)
	}
	if got := r.MembersCount(ForRole("acme", "waiter")); got != 1 {
		t.Errorf("role members after unrelated leave = %d, want 1", got)
	}
}

func TestRemoveCleansAllMemberships(t *testing.T) {
	r := NewRegistry()
	c := newFake("c1")
	other := newFake("c2")

	r.Join(c, ForUser("alice"))
	r.Join(c, ForOrg("acme"))
	r.Join(c, ForRole("acme", "waiter"))
	r.Join(other, ForOrg("acme"))

	r.Remove("c1")

	if got := r.ConnCount(); got != 1 {
		t.Errorf("ConnCount = %d, want 1", got)
	}
	if got := len(r.Scopes("c1")); got != 0 {
		t.Errorf("removed connection still holds %d scopes", got)
	}
	if got := r.MembersCount(ForOrg("acme")); got != 1 {
		t.Errorf("org members = %d, want 1", got)
	}
	// Scopes whose member set emptied are gone entirely.
	if got := r.ScopeCount(); got != 1 {
		t.Errorf("ScopeCount = %d, want 1", got)
	}
}

func TestMembersSnapshotIsIndependent(t *testing.T) {
	r := NewRegistry()
	c := newFake("c1")
	r.Join(c, ForOrg("acme"))

	members := r.Members(ForOrg("acme"))
	r.Remove("c1")

	// The earlier snapshot is unaffected by the removal.
	if len(members) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(members))
	}
}

func TestScopeListSorted(t *testing.T) {
	r := NewRegistry()
	r.Join(newFake("c1"), ForUser("zed"))
	r.Join(newFake("c2"), ForOrg("acme"))
	r.Join(newFake("c3"), ForOrg("acme"))
	r.Join(newFake("c4"), ForRole("acme", "waiter"))

	list := r.ScopeList()
	if len(list) != 3 {
		t.Fatalf("ScopeList length = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Scope > list[i].Scope {
			t.Fatalf("ScopeList not sorted: %q before %q", list[i-1].Scope, list[i].Scope)
		}
	}
	for _, info := range list {
		if info.Scope == "org:acme" && info.Members != 2 {
			t.Errorf("org:acme members = %d, want 2", info.Members)
		}
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := newFake(fmt.Sprintf("c%d", n))
			r.Join(c, ForOrg("acme"))
			r.Join(c, ForUser(fmt.Sprintf("u%d", n)))
			_ = r.Members(ForOrg("acme"))
			r.Remove(c.ID())
		}(i)
	}
	wg.Wait()

	if got := r.ConnCount(); got != 0 {
		t.Errorf("ConnCount after churn = %d, want 0", got)
	}
	if got := r.ScopeCount(); got != 0 {
		t.Errorf("ScopeCount after churn = %d, want 0", got)
	}
}
