// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

package scope

import (
	"sort"
	"sync"
)

// Conn is the registry's view of a live connection. The concrete type lives
// in the hub package; the registry only needs identity and a non-blocking
// send. TrySend must never block: a full or closed outbound buffer returns
// false and the caller treats the connection as disconnected.
type Conn interface {
	ID() string
	TrySend(msg []byte) bool
	Close() error
}

// Registry owns the connection-to-scope and scope-to-connection mappings.
// It is pure in-memory state scoped to the process lifetime; clients
// re-establish membership after a reconnect.
//
// The registry is an explicit instance owned by the composition root, not a
// package-level singleton, so tests get isolated instances and shutdown is a
// plain drop.
type Registry struct {
	mu sync.RWMutex

	// conns holds every live connection, joined to scopes or not.
	conns map[string]Conn

	// members maps a scope to its member connections by connection ID.
	members map[Scope]map[string]Conn

	// joined maps a connection ID to the scopes it holds, for cleanup on
	// disconnect.
	joined map[string]map[Scope]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]Conn),
		members: make(map[Scope]map[string]Conn),
		joined:  make(map[string]map[Scope]struct{}),
	}
}

// Register adds a connection to the live set. Connections are registered on
// handshake, before any scope join, so broadcasts reach them immediately.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Join adds the connection to a scope's member set. Re-joining the same
// scope is a no-op. A connection holds at most one user scope at a time: a
// prior user scope is left first. Org and role scopes accumulate.
func (r *Registry) Join(conn Conn, s Scope) {
	if s.IsBroadcast() {
		return // every registered connection is implicitly in the broadcast scope
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	r.conns[id] = conn

	if s.Kind == KindUser {
		for held := range r.joined[id] {
			if held.Kind == KindUser && held != s {
				r.leaveLocked(id, held)
			}
		}
	}

	set := r.members[s]
	if set == nil {
		set = make(map[string]Conn)
		r.members[s] = set
	}
	set[id] = conn

	held := r.joined[id]
	if held == nil {
		held = make(map[Scope]struct{})
		r.joined[id] = held
	}
	held[s] = struct{}{}
}

// Leave removes the connection from a single scope.
func (r *Registry) Leave(conn Conn, s Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn.ID(), s)
}

// leaveLocked removes one membership and deletes the scope entry when its
// member set empties, bounding memory. Caller holds r.mu.
func (r *Registry) leaveLocked(id string, s Scope) {
	if set, ok := r.members[s]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.members, s)
		}
	}
	if held, ok := r.joined[id]; ok {
		delete(held, s)
		if len(held) == 0 {
			delete(r.joined, id)
		}
	}
}

// Remove drops a connection and every scope membership it holds in one step.
// Called on transport close; no stale entries survive a disconnect.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.joined[id] {
		if set, ok := r.members[s]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.members, s)
			}
		}
	}
	delete(r.joined, id)
	delete(r.conns, id)
}

// Members returns the live connections for a scope, or the full live set for
// the broadcast scope. The returned slice is a snapshot: callers perform
// network writes after this method returns, never under the registry lock.
func (r *Registry) Members(s Scope) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s.IsBroadcast() {
		out := make([]Conn, 0, len(r.conns))
		for _, c := range r.conns {
			out = append(out, c)
		}
		return out
	}

	set := r.members[s]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// MembersCount returns the size of a scope without copying the member set.
func (r *Registry) MembersCount(s Scope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s.IsBroadcast() {
		return len(r.conns)
	}
	return len(r.members[s])
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ScopeCount returns the number of non-empty scopes.
func (r *Registry) ScopeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// ScopeInfo describes one scope for introspection responses.
type ScopeInfo struct {
	Scope   string `json:"scope"`
	Members int    `json:"members"`
}

// ScopeList returns every non-empty scope with its member count, sorted by
// scope name for stable introspection output.
func (r *Registry) ScopeList() []ScopeInfo {
	r.mu.RLock()
	out := make([]ScopeInfo, 0, len(r.members))
	for s, set := range r.members {
		out = append(out, ScopeInfo{Scope: s.String(), Members: len(set)})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Scopes returns the scopes a connection currently holds. Used by the hub
// for join acknowledgements and by tests.
func (r *Registry) Scopes(id string) []Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Scope, 0, len(r.joined[id]))
	for s := range r.joined[id] {
		out = append(out, s)
	}
	return out
}
