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

// Package session implements the Redis-backed SessionRecord store: one
// session per (uid, ip, ua, key_path) fingerprint, looked up by a secondary
// index key and refreshed (TTL extended) on every successful reuse.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hlsproxy/internal/redisx"
)

// Record is one bound session.
type Record struct {
	SessionID   string    `json:"session_id"`
	UID         string    `json:"uid"`
	IP          string    `json:"ip"`
	UA          string    `json:"ua"`
	KeyPath     string    `json:"key_path"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	AccessCount int64     `json:"access_count"`
}

// Store persists session records in Redis: "session:<sid>" holds the
// record, "session_idx:<uid>:<ip>:<ua>:<key_path>" the reverse lookup.
type Store struct {
	cmd redisx.Commander
	ttl time.Duration
}

// New returns a session store with the given default TTL (30m if unset).
func New(cmd redisx.Commander, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{cmd: cmd, ttl: ttl}
}

func recordKey(sid string) string { return "session:" + sid }

func idxKey(uid, ip, ua, keyPath string) string {
	return fmt.Sprintf("session_idx:%s:%s:%s:%s", uid, ip, ua, keyPath)
}

// Lookup finds an existing session for the fingerprint. If found, it
// extends the TTL and increments access_count before returning the
// refreshed record.
func (s *Store) Lookup(ctx context.Context, uid, ip, ua, keyPath string) (*Record, bool, error) {
	sid, ok, err := s.cmd.Get(ctx, idxKey(uid, ip, ua, keyPath))
	if err != nil {
		return nil, false, fmt.Errorf("session: lookup index: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	raw, ok, err := s.cmd.Get(ctx, recordKey(sid))
	if err != nil {
		return nil, false, fmt.Errorf("session: lookup record: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("session: decode record: %w", err)
	}
	if rec.IP != ip || rec.UA != ua {
		return nil, false, nil
	}
	rec.LastActive = time.Now()
	rec.AccessCount++
	if err := s.save(ctx, &rec); err != nil {
		return nil, false, err
	}
	if err := s.cmd.Expire(ctx, idxKey(uid, ip, ua, keyPath), s.ttl); err != nil {
		return nil, false, fmt.Errorf("session: refresh index ttl: %w", err)
	}
	return &rec, true, nil
}

// Bind creates a new session for the fingerprint.
func (s *Store) Bind(ctx context.Context, uid, ip, ua, keyPath string) (*Record, error) {
	now := time.Now()
	rec := &Record{
		SessionID:   uuid.NewString(),
		UID:         uid,
		IP:          ip,
		UA:          ua,
		KeyPath:     keyPath,
		CreatedAt:   now,
		LastActive:  now,
		AccessCount: 1,
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.cmd.Set(ctx, idxKey(uid, ip, ua, keyPath), rec.SessionID, s.ttl); err != nil {
		return nil, fmt.Errorf("session: write index: %w", err)
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	if err := s.cmd.Set(ctx, recordKey(rec.SessionID), string(raw), s.ttl); err != nil {
		return fmt.Errorf("session: write record: %w", err)
	}
	return nil
}
