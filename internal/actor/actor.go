// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package actor defines the identity a request is attributed to. An
// identity is either an authenticated account or, failing that, the client
// IP address. All mitigation state is keyed by this identity.
package actor

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Kind discriminates the two identity forms.
type Kind string

const (
	// KindIP identifies an actor by client IP address.
	KindIP Kind = "ip"

	// KindAccount identifies an actor by authenticated account ID.
	KindAccount Kind = "account"
)

// Identity is the subject all mitigation state is keyed by. Account
// identities take precedence over IP identities when both are available,
// so mitigations follow an authenticated user across addresses.
type Identity struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Key returns the canonical store key, e.g. "account:u-1842" or
// "ip:203.0.113.7". Two requests from the same actor always produce the
// same key.
func (id Identity) Key() string {
	return string(id.Kind) + ":" + id.Value
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Value == ""
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.Key()
}

// FromAccount builds an account identity.
func FromAccount(accountID string) Identity {
	return Identity{Kind: KindAccount, Value: accountID}
}

// FromIP builds an IP identity. The address is canonicalized so that
// textual variants of the same address ("::ffff:1.2.3.4" vs "1.2.3.4")
// key identically.
func FromIP(addr string) Identity {
	return Identity{Kind: KindIP, Value: canonicalIP(addr)}
}

// FromRequest derives the actor identity for an HTTP request. The account
// header (set by an upstream auth layer) wins when present; otherwise the
// client IP is used. actorHeader names the header carrying the account ID.
func FromRequest(r *http.Request, actorHeader string) Identity {
	if account := strings.TrimSpace(r.Header.Get(actorHeader)); account != "" {
		return FromAccount(account)
	}
	return FromIP(clientIP(r))
}

// Identities derives every identity a request can be attributed to. The
// first entry is the primary identity (account when the header is
// present, otherwise IP); the client IP is always included, so an
// IP-level mitigation cannot be escaped by attaching an account header.
func Identities(r *http.Request, actorHeader string) []Identity {
	ip := FromIP(clientIP(r))
	if account := strings.TrimSpace(r.Header.Get(actorHeader)); account != "" {
		return []Identity{FromAccount(account), ip}
	}
	return []Identity{ip}
}

// ParseKey parses a canonical key back into an Identity.
func ParseKey(key string) (Identity, error) {
	kind, value, found := strings.Cut(key, ":")
	if !found || value == "" {
		return Identity{}, fmt.Errorf("malformed actor key %q", key)
	}
	switch Kind(kind) {
	case KindIP:
		return FromIP(value), nil
	case KindAccount:
		return FromAccount(value), nil
	default:
		return Identity{}, fmt.Errorf("unknown actor kind %q", kind)
	}
}

// clientIP extracts the client address from the request. RemoteAddr has
// already been rewritten by the RealIP middleware when the request came
// through a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, as middleware rewrites leave it
		return r.RemoteAddr
	}
	return host
}

// canonicalIP normalizes an address string. IPv4-mapped IPv6 addresses
// collapse to plain IPv4. Unparseable input is returned as-is so a
// malformed address still produces a stable key.
func canonicalIP(addr string) string {
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	return parsed.Unmap().String()
}
