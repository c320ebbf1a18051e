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

// Package whitelist implements the two disjoint whitelist namespaces: path-
// bound entries ("ip_cidr_access:<ip_pattern>:<ua_hash>") and static-file
// entries ("static_file_access:..."), each keyed by (ip_pattern, ua_hash),
// plus the per-UID pair tables ("uid_ua_ip_pairs:<uid>" /
// "uid_static_ua_ip_pairs:<uid>") that cap how many (ip_pattern, ua_hash)
// buckets a single UID can occupy, FIFO-evicting the oldest along with its
// whitelist entry once the cap is exceeded.
//
// Atomicity for the load-modify-store sequence in AddWhitelist /
// AddStaticWhitelist comes from a short-lived per-key in-process lock
// (internal/shard.KeyLocks) rather than a Lua script; the proxy is a
// single process per Redis keyspace, so plain Get/Set/Del under the lock
// suffices. Entry and pair-table locks are never held at the same time.
package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hlsproxy/internal/fingerprint"
	"hlsproxy/internal/redisx"
	"hlsproxy/internal/shard"
)

// PathEntry is one {key_path, added_at} element of a path-bound entry's
// Paths list.
type PathEntry struct {
	KeyPath string    `json:"key_path"`
	AddedAt time.Time `json:"added_at"`
}

// PathBoundEntry authorizes a (ip_pattern, ua_hash) bucket for the set of
// key_paths in Paths.
type PathBoundEntry struct {
	UID        string      `json:"uid"`
	Paths      []PathEntry `json:"paths"`
	IPPatterns []string    `json:"ip_patterns"`
	UserAgent  string      `json:"user_agent"`
	CreatedAt  time.Time   `json:"created_at"`
}

// StaticEntry authorizes a (ip_pattern, ua_hash) bucket for static files
// regardless of path.
type StaticEntry struct {
	UID        string    `json:"uid"`
	IPPatterns []string  `json:"ip_patterns"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
	AccessType string    `json:"access_type"`
}

// pairEntry is one element of a UidPairTable.
type pairEntry struct {
	PairID      string    `json:"pair_id"`
	IPPattern   string    `json:"ip_pattern"`
	UAHash      string    `json:"ua_hash"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

type pairTable struct {
	Pairs []pairEntry `json:"pairs"`
}

// Store persists path-bound and static whitelist entries, and their
// owning UidPairTables, in Redis.
type Store struct {
	cmd         redisx.Commander
	locks       *shard.KeyLocks
	maxPaths    int
	maxPairs    int
	ipAccessTTL time.Duration
}

// New returns a whitelist store. maxPaths caps Paths per path-bound entry
// (default 32); maxPairs caps the per-UID pair table length (default 5);
// ipAccessTTL is the Redis TTL applied to every whitelist entry key.
func New(cmd redisx.Commander, maxPaths, maxPairs int, ipAccessTTL time.Duration) *Store {
	if maxPaths <= 0 {
		maxPaths = 32
	}
	if maxPairs <= 0 {
		maxPairs = 5
	}
	return &Store{cmd: cmd, locks: shard.NewKeyLocks(0), maxPaths: maxPaths, maxPairs: maxPairs, ipAccessTTL: ipAccessTTL}
}

func pathBoundKey(ipPattern, uaHash string) string { return "ip_cidr_access:" + ipPattern + ":" + uaHash }
func staticKey(ipPattern, uaHash string) string    { return "static_file_access:" + ipPattern + ":" + uaHash }
func pairsKey(uid string) string                   { return "uid_ua_ip_pairs:" + uid }
func staticPairsKey(uid string) string             { return "uid_static_ua_ip_pairs:" + uid }

// Bucket computes the (ip_pattern, ua_hash) lookup bucket for a raw client
// IP and User-Agent: the same administrative /24 (or /128) widening used
// at admin-insert time, so a concrete request IP lands in the same bucket
// an AddWhitelist call for that IP would have created.
func Bucket(ip, ua string) (ipPattern, uaHash string, err error) {
	pattern, err := fingerprint.NormalizeAdminCIDR(fingerprint.CanonicalizeIP(ip))
	if err != nil {
		return "", "", err
	}
	return pattern, fingerprint.UAHash(ua), nil
}

// MatchPathBound reports whether the bucket for (ip, ua) has a path-bound
// entry whose Paths contains keyPath. On a match it returns the entry's
// UID.
func (s *Store) MatchPathBound(ctx context.Context, ip, ua, keyPath string) (uid string, ok bool, err error) {
	ipPattern, uaHash, err := Bucket(ip, ua)
	if err != nil {
		return "", false, err
	}
	entry, found, err := s.loadPathBound(ctx, pathBoundKey(ipPattern, uaHash))
	if err != nil || !found {
		return "", false, err
	}
	for _, p := range entry.Paths {
		if p.KeyPath == keyPath {
			return entry.UID, true, nil
		}
	}
	return "", false, nil
}

// MatchStatic reports whether the bucket for (ip, ua) has a static-file
// entry at all (path-independent). On a match it returns the entry's UID.
func (s *Store) MatchStatic(ctx context.Context, ip, ua string) (uid string, ok bool, err error) {
	ipPattern, uaHash, err := Bucket(ip, ua)
	if err != nil {
		return "", false, err
	}
	entry, found, err := s.loadStatic(ctx, staticKey(ipPattern, uaHash))
	if err != nil || !found {
		return "", false, err
	}
	return entry.UID, true, nil
}

// AddWhitelist creates or merges the path-bound entry for (ip, ua) to
// cover path's match key, then records the pair in the UID's pair table.
func (s *Store) AddWhitelist(ctx context.Context, uid, path, ip, ua string) error {
	keyPath := fingerprint.ExtractMatchKey(path)
	ipPattern, uaHash, err := Bucket(ip, ua)
	if err != nil {
		return err
	}
	key := pathBoundKey(ipPattern, uaHash)

	// The entry lock is released before touchPairTable takes the table
	// lock; the two must never be held together (shard collisions).
	if err := func() error {
		unlock := s.locks.Lock(key)
		defer unlock()

		entry, _, err := s.loadPathBound(ctx, key)
		if err != nil {
			return err
		}
		if entry == nil {
			entry = &PathBoundEntry{UID: uid, UserAgent: ua, CreatedAt: time.Now()}
		}
		entry.addIPPattern(ipPattern)

		present := false
		for _, p := range entry.Paths {
			if p.KeyPath == keyPath {
				present = true
				break
			}
		}
		if !present {
			entry.Paths = append(entry.Paths, PathEntry{KeyPath: keyPath, AddedAt: time.Now()})
			if len(entry.Paths) > s.maxPaths {
				entry.Paths = entry.Paths[len(entry.Paths)-s.maxPaths:]
			}
		}
		return s.savePathBound(ctx, key, entry)
	}(); err != nil {
		return err
	}
	return s.touchPairTable(ctx, pairsKey(uid), ipPattern, uaHash, false)
}

// AddStaticWhitelist creates or merges the static-file entry for (ip, ua).
// It writes into the disjoint static namespace and never touches a Paths
// list.
func (s *Store) AddStaticWhitelist(ctx context.Context, uid, ip, ua string) error {
	ipPattern, uaHash, err := Bucket(ip, ua)
	if err != nil {
		return err
	}
	key := staticKey(ipPattern, uaHash)

	if err := func() error {
		unlock := s.locks.Lock(key)
		defer unlock()

		entry, found, err := s.loadStatic(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			entry = &StaticEntry{UID: uid, UserAgent: ua, CreatedAt: time.Now(), AccessType: "static_files_only"}
		}
		entry.addIPPattern(ipPattern)
		return s.saveStatic(ctx, key, entry)
	}(); err != nil {
		return err
	}
	return s.touchPairTable(ctx, staticPairsKey(uid), ipPattern, uaHash, true)
}

// touchPairTable appends {pair_id, ip_pattern, ua_hash} to the UidPairTable
// at tableKey if absent, evicting (and deleting the corresponding
// whitelist entry for) the oldest pair once the table exceeds maxPairs.
// static selects which of the two disjoint whitelist namespaces the
// evicted pairs' entries live in.
func (s *Store) touchPairTable(ctx context.Context, tableKey, ipPattern, uaHash string, static bool) error {
	unlock := s.locks.Lock(tableKey)
	defer unlock()

	t, err := s.loadPairTable(ctx, tableKey)
	if err != nil {
		return err
	}
	pairID := ipPattern + ":" + uaHash
	now := time.Now()
	found := false
	for i := range t.Pairs {
		if t.Pairs[i].PairID == pairID {
			t.Pairs[i].LastUpdated = now
			found = true
			break
		}
	}
	if !found {
		t.Pairs = append(t.Pairs, pairEntry{PairID: pairID, IPPattern: ipPattern, UAHash: uaHash, CreatedAt: now, LastUpdated: now})
	}

	var evicted []pairEntry
	if len(t.Pairs) > s.maxPairs {
		n := len(t.Pairs) - s.maxPairs
		evicted = t.Pairs[:n]
		t.Pairs = t.Pairs[n:]
	}
	if err := s.savePairTable(ctx, tableKey, t); err != nil {
		return err
	}
	for _, ev := range evicted {
		evictedKey := pathBoundKey(ev.IPPattern, ev.UAHash)
		if static {
			evictedKey = staticKey(ev.IPPattern, ev.UAHash)
		}
		if err := s.cmd.Del(ctx, evictedKey); err != nil {
			return fmt.Errorf("whitelist: evict %s: %w", evictedKey, err)
		}
	}
	return nil
}

func (e *PathBoundEntry) addIPPattern(p string) {
	for _, existing := range e.IPPatterns {
		if existing == p {
			return
		}
	}
	e.IPPatterns = append(e.IPPatterns, p)
}

func (e *StaticEntry) addIPPattern(p string) {
	for _, existing := range e.IPPatterns {
		if existing == p {
			return
		}
	}
	e.IPPatterns = append(e.IPPatterns, p)
}

func (s *Store) loadPathBound(ctx context.Context, key string) (*PathBoundEntry, bool, error) {
	raw, ok, err := s.cmd.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("whitelist: load %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var e PathBoundEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, fmt.Errorf("whitelist: decode %s: %w", key, err)
	}
	return &e, true, nil
}

func (s *Store) savePathBound(ctx context.Context, key string, e *PathBoundEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("whitelist: encode %s: %w", key, err)
	}
	if err := s.cmd.Set(ctx, key, string(raw), s.ipAccessTTL); err != nil {
		return fmt.Errorf("whitelist: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) loadStatic(ctx context.Context, key string) (*StaticEntry, bool, error) {
	raw, ok, err := s.cmd.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("whitelist: load %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var e StaticEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, fmt.Errorf("whitelist: decode %s: %w", key, err)
	}
	return &e, true, nil
}

func (s *Store) saveStatic(ctx context.Context, key string, e *StaticEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("whitelist: encode %s: %w", key, err)
	}
	if err := s.cmd.Set(ctx, key, string(raw), s.ipAccessTTL); err != nil {
		return fmt.Errorf("whitelist: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) loadPairTable(ctx context.Context, key string) (*pairTable, error) {
	raw, ok, err := s.cmd.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("whitelist: load %s: %w", key, err)
	}
	if !ok {
		return &pairTable{}, nil
	}
	var t pairTable
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("whitelist: decode %s: %w", key, err)
	}
	return &t, nil
}

func (s *Store) savePairTable(ctx context.Context, key string, t *pairTable) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("whitelist: encode %s: %w", key, err)
	}
	// The pair table is bounded by FIFO eviction, not expiry.
	if err := s.cmd.Set(ctx, key, string(raw), 0); err != nil {
		return fmt.Errorf("whitelist: save %s: %w", key, err)
	}
	return nil
}
