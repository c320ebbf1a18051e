// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fingerprint implements the pure, allocation-cheap pieces of the
// (uid, ip_pattern, ua_hash, key_path) caller identity: IP canonicalization
// and CIDR widening/matching, UA hashing, and match-key extraction. These
// are used by both internal/authz (the pipeline) and internal/whitelist
// (the admin store), so they live in their own package rather than under
// authz, which would otherwise create an import cycle.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// UAHash returns the first 8 hex chars of SHA-256(ua).
func UAHash(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])[:8]
}

var dateSegment = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ExtractMatchKey derives the key_path from a URL path: the first segment
// after a YYYY-MM-DD segment, or the last non-empty segment if no date
// segment is present. An empty or root path yields "".
func ExtractMatchKey(path string) string {
	segs := splitNonEmpty(path)
	if len(segs) == 0 {
		return ""
	}
	for i, s := range segs {
		if dateSegment.MatchString(s) && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	return segs[len(segs)-1]
}

func splitNonEmpty(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CanonicalizeIP normalizes a client IP: IPv4-mapped IPv6 addresses
// (::ffff:a.b.c.d) are reduced to their IPv4 form; all other addresses are
// rendered in their shortest canonical form via net.IP.String().
func CanonicalizeIP(ip string) string {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}
	parsed := net.ParseIP(strings.Trim(host, "[]"))
	if parsed == nil {
		return host
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}

// Ext returns the lowercase extension (including the dot) of a path, or ""
// if there is none.
func Ext(path string) string {
	i := strings.LastIndexByte(path, '.')
	slash := strings.LastIndexByte(path, '/')
	if i <= slash {
		return ""
	}
	return strings.ToLower(path[i:])
}

// NormalizeAdminCIDR widens a bare IP literal supplied to the admin/whitelist
// path into the administratively-chosen bucket: a bare IPv4 widens to /24, a
// bare IPv6 widens to /128. A literal that already carries a mask is
// returned unchanged (after validation). This is also used to compute the
// lookup bucket for an incoming request IP, so that a concrete client
// address maps onto the same bucket key an admin insert would have used.
func NormalizeAdminCIDR(ip string) (string, error) {
	if strings.Contains(ip, "/") {
		_, _, err := net.ParseCIDR(ip)
		if err != nil {
			return "", fmt.Errorf("fingerprint: invalid CIDR %q: %w", ip, err)
		}
		return ip, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("fingerprint: invalid IP literal %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%s/24", v4.Mask(net.CIDRMask(24, 32))), nil
	}
	return fmt.Sprintf("%s/128", parsed.String()), nil
}

// NormalizeFixedCIDR widens a bare IPv4 fixed-whitelist literal to /24 and
// leaves a bare IPv6 literal at its exact address. The IPv6 handling
// deliberately diverges from NormalizeAdminCIDR: fixed-whitelist entries
// keep a bare IPv6 as supplied, admin inserts widen it to /128.
func NormalizeFixedCIDR(ip string) (string, error) {
	if strings.Contains(ip, "/") {
		_, _, err := net.ParseCIDR(ip)
		if err != nil {
			return "", fmt.Errorf("fingerprint: invalid CIDR %q: %w", ip, err)
		}
		return ip, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("fingerprint: invalid IP literal %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%s/24", v4.Mask(net.CIDRMask(24, 32))), nil
	}
	return parsed.String(), nil
}

// MatchCIDR reports whether ip falls within pattern, along with the
// pattern actually used for matching. ip is canonicalized before parsing.
// Used for the small, linearly-scanned FixedIpWhitelist; the larger
// Redis-backed whitelist namespaces match by exact bucket key instead (see
// internal/whitelist), not by scanning CIDR ranges.
func MatchCIDR(ip, pattern string) (matched bool, patternUsed string) {
	addr := net.ParseIP(CanonicalizeIP(ip))
	if addr == nil {
		return false, pattern
	}
	_, network, err := net.ParseCIDR(pattern)
	if err != nil {
		// Bare IP with no mask: exact /32 (v4) or /128 (v6) equality.
		other := net.ParseIP(pattern)
		if other == nil {
			return false, pattern
		}
		return addr.Equal(other), pattern
	}
	return network.Contains(addr), pattern
}
