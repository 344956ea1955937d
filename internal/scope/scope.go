// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package scope tracks which live connections belong to which delivery
// scopes. A scope is a named delivery group (per-user, per-organization,
// per-role, or the implicit "all" group); it exists only as the set of
// connections currently joined to it and disappears when that set empties.
package scope

import "fmt"

// Kind identifies the class of a scope.
type Kind uint8

const (
	// KindAll is the implicit broadcast scope covering every live connection.
	KindAll Kind = iota

	// KindUser is a per-user scope. A connection holds at most one user
	// scope at a time; joining a second one evicts the first.
	KindUser

	// KindOrg is a per-organization scope.
	KindOrg

	// KindRole is a per-role scope within an organization (waiter rooms are
	// role scopes with the "waiter" role).
	KindRole
)

// String returns the kind name as used in wire payloads and logs.
func (k Kind) String() string {
	switch k {
	case KindAll:
		return "all"
	case KindUser:
		return "user"
	case KindOrg:
		return "org"
	case KindRole:
		return "role"
	default:
		return "unknown"
	}
}

// Scope is a structurally-comparable delivery group identifier.
// Equality and map hashing are defined by the struct fields, not by any
// string encoding.
type Scope struct {
	Kind Kind
	Key  string
}

// ForUser returns the single-owner scope for a user.
func ForUser(userID string) Scope {
	return Scope{Kind: KindUser, Key: userID}
}

// ForOrg returns the scope for an organization.
func ForOrg(orgID string) Scope {
	return Scope{Kind: KindOrg, Key: orgID}
}

// ForRole returns the scope for a role within an organization.
func ForRole(orgID, role string) Scope {
	return Scope{Kind: KindRole, Key: orgID + "/" + role}
}

// Broadcast returns the implicit all-connections scope.
func Broadcast() Scope {
	return Scope{Kind: KindAll}
}

// IsBroadcast reports whether the scope targets every live connection.
func (s Scope) IsBroadcast() bool {
	return s.Kind == KindAll
}

// String renders the scope for logs and introspection responses.
func (s Scope) String() string {
	if s.Kind == KindAll {
		return "all"
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Key)
}
