// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package gate

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/tomtom215/excubitor/internal/logging"
)

// RealIP returns middleware that rewrites RemoteAddr from the
// X-Forwarded-For chain, but only when the directly connected peer is
// inside one of the trusted proxy CIDRs. Requests from untrusted peers
// keep their socket address, so a client cannot spoof its identity by
// sending the header itself.
func RealIP(trustedProxies []string) func(http.Handler) http.Handler {
	prefixes := parsePrefixes(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(prefixes) > 0 && peerTrusted(r.RemoteAddr, prefixes) {
				if ip := forwardedClient(r.Header.Get("X-Forwarded-For")); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parsePrefixes(cidrs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			// A bare address is accepted as a single-host prefix
			if addr, aerr := netip.ParseAddr(c); aerr == nil {
				prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
				continue
			}
			logging.Warn().Str("cidr", c).Msg("ignoring malformed trusted proxy entry")
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}

func peerTrusted(remoteAddr string, prefixes []netip.Prefix) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedClient returns the leftmost valid address in an
// X-Forwarded-For chain.
func forwardedClient(xff string) string {
	for part := range strings.SplitSeq(xff, ",") {
		candidate := strings.TrimSpace(part)
		if _, err := netip.ParseAddr(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
