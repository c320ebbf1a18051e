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

// Package redisx abstracts the minimal Redis command surface the proxy
// needs: production code wraps github.com/redis/go-redis/v9, tests wrap an
// in-memory fake, and nothing else in the codebase imports go-redis
// directly.
package redisx

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Commander is the command surface every whitelist/session/counter store
// needs. It deliberately stays small: the whitelist store provides
// atomicity via a per-key in-process lock (internal/shard) and the m3u8
// counter relies on INCR, not on Lua, so Commander never needs to expose
// EVAL.
type Commander interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// GoRedisCommander wraps a *redis.Client to satisfy Commander.
type GoRedisCommander struct {
	Client *redis.Client
}

// NewGoRedisCommander builds (lazily, go-redis connects on first use) a
// client against addr/db/password with the given pool size.
func NewGoRedisCommander(addr, password string, db, poolSize int) *GoRedisCommander {
	return &GoRedisCommander{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})}
}

func (g *GoRedisCommander) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := g.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *GoRedisCommander) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.Client.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisCommander) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return g.Client.Del(ctx, keys...).Err()
}

func (g *GoRedisCommander) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.Client.Expire(ctx, key, ttl).Err()
}

func (g *GoRedisCommander) Incr(ctx context.Context, key string) (int64, error) {
	return g.Client.Incr(ctx, key).Result()
}

func (g *GoRedisCommander) Ping(ctx context.Context) error {
	return g.Client.Ping(ctx).Err()
}

// FakeCommander is an in-memory Commander used by unit tests so
// whitelist/session/counter logic can be exercised without a live Redis.
type FakeCommander struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	// PingErr, when set, is returned by Ping to simulate a down Redis.
	PingErr error
}

// NewFakeCommander returns an empty in-memory commander.
func NewFakeCommander() *FakeCommander {
	return &FakeCommander{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
	}
}

func (f *FakeCommander) expired(key string) bool {
	at, ok := f.expires[key]
	return ok && time.Now().After(at)
}

func (f *FakeCommander) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.values, key)
		delete(f.expires, key)
		return "", false, nil
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *FakeCommander) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	if ttl > 0 {
		f.expires[key] = time.Now().Add(ttl)
	} else {
		delete(f.expires, key)
	}
	return nil
}

func (f *FakeCommander) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
		delete(f.expires, k)
	}
	return nil
}

func (f *FakeCommander) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return fmt.Errorf("redisx: key %q does not exist", key)
	}
	f.expires[key] = time.Now().Add(ttl)
	return nil
}

func (f *FakeCommander) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.values, key)
		delete(f.expires, key)
	}
	var n int64
	if v, ok := f.values[key]; ok {
		fmt.Sscanf(v, "%d", &n)
	}
	n++
	f.values[key] = fmt.Sprintf("%d", n)
	return n, nil
}

func (f *FakeCommander) Ping(ctx context.Context) error {
	return f.PingErr
}
