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

// Package m3u8limit implements the playlist access counter: an
// admit-if-budget-available check, bucketed per (uid_or_ip, path hash) and
// reset once its window elapses. Two Limiter implementations are provided:
// RedisLimiter, correct across multiple proxy processes sharing a Redis
// keyspace, and LocalLimiter, an in-process variant with an atomically
// consumed per-window read budget.
package m3u8limit

import (
	"context"
	"fmt"
	"time"

	"hlsproxy/internal/redisx"
)

// Limiter decides whether one more access to key is allowed within the
// given window, given at most max accesses per window.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// RedisLimiter implements Limiter with a plain INCR, arming the TTL only
// on the increment that produces the window's first access. INCR itself is
// atomic across concurrent requests, so the post-increment value is the
// decision; there is no read-then-write window to race through.
type RedisLimiter struct {
	cmd redisx.Commander
}

// NewRedisLimiter builds a RedisLimiter over cmd.
func NewRedisLimiter(cmd redisx.Commander) *RedisLimiter {
	return &RedisLimiter{cmd: cmd}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	n, err := r.cmd.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("m3u8limit: incr %s: %w", key, err)
	}
	if n == 1 {
		if err := r.cmd.Expire(ctx, key, window); err != nil {
			return false, fmt.Errorf("m3u8limit: arm ttl %s: %w", key, err)
		}
	}
	return n <= int64(max), nil
}
