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

// Package authz implements the authorization pipeline: HMAC token
// verification, CIDR/whitelist matching, session reuse, and the m3u8
// adaptive access counter, evaluated in a strict short-circuiting order.
package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hlsproxy/internal/config"
	"hlsproxy/internal/fingerprint"
	"hlsproxy/internal/m3u8limit"
	"hlsproxy/internal/metrics"
	"hlsproxy/internal/session"
	"hlsproxy/internal/whitelist"
)

// Kind is the tag of an Outcome.
type Kind int

const (
	KindAllow Kind = iota
	KindDeny
	KindRedirect
)

// Outcome is the result of Authorize: Allow(uid, session_id), Deny(reason,
// http_status), or RedirectProtected(url).
type Outcome struct {
	Kind        Kind
	UID         string
	SessionID   string
	RedirectURL string
	DenyReason  string
	HTTPStatus  int
}

func allow(uid, sid string) Outcome {
	return Outcome{Kind: KindAllow, UID: uid, SessionID: sid}
}

func deny(reason string, status int) Outcome {
	return Outcome{Kind: KindDeny, DenyReason: reason, HTTPStatus: status}
}

// denyTransient is the uniform answer to an unexpected Redis failure: the
// pipeline never crashes the request, it answers 503 and counts the error.
func denyTransient() Outcome {
	metrics.RedisErrorsTotal.Inc()
	return deny("transient", 503)
}

func redirect(url string) Outcome {
	return Outcome{Kind: KindRedirect, RedirectURL: url, HTTPStatus: 302}
}

// Request is the subset of an inbound HTTP request the pipeline needs.
type Request struct {
	Path      string
	Query     map[string]string
	ClientIP  string
	UserAgent string
	Now       time.Time
}

func (r Request) query(key string) (string, bool) {
	v, ok := r.Query[key]
	return v, ok && v != ""
}

// Pipeline evaluates Authorize, composed of the whitelist store, the
// session store, and an m3u8 adaptive-counter limiter.
type Pipeline struct {
	Config    *config.Config
	Whitelist *whitelist.Store
	Sessions  *session.Store
	M3U8      m3u8limit.Limiter
}

// Authorize runs the ordered, short-circuiting evaluation: extension fast
// path, fixed IP whitelist, safe-key redirect, HMAC token, session reuse,
// the two whitelist probes, the m3u8 counter, then fallback deny.
func (p *Pipeline) Authorize(ctx context.Context, r Request) Outcome {
	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}
	ip := fingerprint.CanonicalizeIP(r.ClientIP)

	// Step 1: fully-allowed extension fast path.
	if _, ok := p.Config.FullyAllowedExtensions[fingerprint.Ext(r.Path)]; ok {
		return allow("", "")
	}

	// Step 2: fixed IP whitelist.
	if !p.Config.DisableIPWhitelist {
		for _, pattern := range p.Config.FixedIPWhitelist {
			normalized, err := fingerprint.NormalizeFixedCIDR(pattern)
			if err != nil {
				continue
			}
			if matched, _ := fingerprint.MatchCIDR(ip, normalized); matched {
				return allow("", "")
			}
		}
	}

	// Step 3: safe-key-protect redirect.
	if p.Config.SafeKeyProtectEnabled && strings.HasSuffix(r.Path, "enc.key") {
		if p.wouldAllowDownstream(ctx, r, ip, now) {
			return redirect(joinSafeKeyURL(p.Config.SafeKeyProtectBase, r.Path))
		}
	}

	return p.authorizeFrom4(ctx, r, ip, now)
}

// authorizeFrom4 runs the token, session, whitelist, and m3u8-counter
// checks that follow the configuration-only fast paths.
func (p *Pipeline) authorizeFrom4(ctx context.Context, r Request, ip string, now time.Time) Outcome {
	keyPath := fingerprint.ExtractMatchKey(r.Path)

	// HMAC token verification (only when token params are present at all)
	// followed by session reuse/creation for the now-known uid. A request
	// with no token params simply falls through to the whitelist probes
	// with uid unknown; whitelist entries carry their own uid.
	if !p.Config.DisableSessionValidation {
		if outcome, handled := p.authorizeByToken(ctx, r, ip, now); handled {
			return outcome
		}
	}

	// Dynamic whitelist probe (path-bound).
	if !p.Config.DisablePathProtection {
		if uid, ok, err := p.Whitelist.MatchPathBound(ctx, ip, r.UserAgent, keyPath); err != nil {
			return denyTransient()
		} else if ok {
			return p.bindAndAllow(ctx, uid, ip, r.UserAgent, keyPath)
		}
	}

	// Static-file-only whitelist probe: path match is skipped.
	if _, ok := p.Config.StaticFileExtensions[fingerprint.Ext(r.Path)]; ok && p.Config.EnableStaticFileIPOnly {
		if uid, ok, err := p.Whitelist.MatchStatic(ctx, ip, r.UserAgent); err != nil {
			return denyTransient()
		} else if ok {
			return p.bindAndAllow(ctx, uid, ip, r.UserAgent, keyPath)
		}
	}

	// M3U8 adaptive access counter.
	if strings.HasSuffix(r.Path, ".m3u8") {
		class := ClassifyUA(r.UserAgent)
		limit, ok := p.Config.M3U8Limits[string(class)]
		if !ok {
			limit = config.ClassLimit{Max: 1, Window: 15 * time.Second}
		}
		uidOrIP := ip
		counterKey := m3u8CounterKey(uidOrIP, r.Path)
		allowed, err := p.M3U8.Allow(ctx, counterKey, limit.Max, limit.Window)
		if err != nil {
			return denyTransient()
		}
		if !allowed {
			return deny("m3u8_limit_exceeded", 403)
		}
		return p.bindAndAllow(ctx, uidOrIP, ip, r.UserAgent, keyPath)
	}

	return deny("not_in_whitelist", 403)
}

// authorizeByToken verifies a presented HMAC token and reuses or creates
// the session for its uid. handled is false when no token params are
// present at all (the caller should fall through to the whitelist probes);
// handled is true when a token was presented, in which case outcome is
// final (Allow via existing/new session, or Deny).
func (p *Pipeline) authorizeByToken(ctx context.Context, r Request, ip string, now time.Time) (outcome Outcome, handled bool) {
	uid, hasUID := r.query("uid")
	expiresStr, hasExpires := r.query("expires")
	token, hasToken := r.query("token")
	if !hasUID && !hasExpires && !hasToken {
		return Outcome{}, false
	}
	if !hasUID || !hasExpires || !hasToken {
		return deny("invalid_token", 403), true
	}

	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return deny("invalid_token", 403), true
	}
	if err := VerifyToken(p.Config.SecretKey, uid, r.Path, token, expires, now); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return deny("invalid_token", 403), true
		}
		return denyTransient(), true
	}

	keyPath := fingerprint.ExtractMatchKey(r.Path)
	rec, found, err := p.Sessions.Lookup(ctx, uid, ip, r.UserAgent, keyPath)
	if err != nil {
		return denyTransient(), true
	}
	if found {
		return allow(uid, rec.SessionID), true
	}
	return p.bindAndAllow(ctx, uid, ip, r.UserAgent, keyPath), true
}

func (p *Pipeline) bindAndAllow(ctx context.Context, uid, ip, ua, keyPath string) Outcome {
	rec, err := p.Sessions.Bind(ctx, uid, ip, ua, keyPath)
	if err != nil {
		return denyTransient()
	}
	return allow(uid, rec.SessionID)
}

// wouldAllowDownstream is the read-only lookahead behind the safe-key
// redirect: would at least one of the later checks have allowed the
// request. It deliberately excludes the m3u8 counter, since probing it
// would consume part of its budget as a side effect; a redirect decision
// must not itself spend the request's only m3u8 read.
func (p *Pipeline) wouldAllowDownstream(ctx context.Context, r Request, ip string, now time.Time) bool {
	keyPath := fingerprint.ExtractMatchKey(r.Path)

	if !p.Config.DisableSessionValidation {
		if uid, hasUID := r.query("uid"); hasUID {
			expiresStr, _ := r.query("expires")
			token, _ := r.query("token")
			if expires, err := strconv.ParseInt(expiresStr, 10, 64); err == nil {
				if err := VerifyToken(p.Config.SecretKey, uid, r.Path, token, expires, now); err == nil {
					return true
				}
			}
		}
	}
	if !p.Config.DisablePathProtection {
		if _, ok, err := p.Whitelist.MatchPathBound(ctx, ip, r.UserAgent, keyPath); err == nil && ok {
			return true
		}
	}
	if _, ok := p.Config.StaticFileExtensions[fingerprint.Ext(r.Path)]; ok && p.Config.EnableStaticFileIPOnly {
		if _, ok, err := p.Whitelist.MatchStatic(ctx, ip, r.UserAgent); err == nil && ok {
			return true
		}
	}
	return false
}

func joinSafeKeyURL(base, path string) string {
	if strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/") {
		return base + path[1:]
	}
	return base + path
}

// m3u8CounterKey builds the "m3u8:<uid_or_ip>:<sha256(path)[:16]>" counter
// key.
func m3u8CounterKey(uidOrIP, path string) string {
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("m3u8:%s:%s", uidOrIP, hex.EncodeToString(sum[:])[:16])
}
