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

package m3u8limit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// window is one counter key's read budget for the current limit window:
// the class max, the reads consumed so far, and when the window opened.
// Once the window has elapsed the next Allow call re-arms a fresh one, and
// the sweep retires windows nothing touches anymore.
type window struct {
	max          int64
	used         int64 // atomic
	startedAt    int64 // UnixNano
	lastAccessed int64 // UnixNano, atomic
}

// tryRead consumes one read from the window's budget, refusing once max
// has been reached. The compare-and-swap loop keeps concurrent readers of
// the same playlist from overshooting the budget.
func (w *window) tryRead() bool {
	for {
		used := atomic.LoadInt64(&w.used)
		if used >= w.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&w.used, used, used+1) {
			return true
		}
	}
}

// LocalLimiter is an in-process Limiter for single-instance deployments
// that don't want every playlist request to hit Redis: a sync.Map of
// per-key windows plus a background sweep that drops stale ones.
type LocalLimiter struct {
	windows    sync.Map // key -> *window
	sweepEvery time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLocalLimiter starts a background sweep (default every 30s) that
// retires windows not accessed within the last sweep interval.
func NewLocalLimiter(sweepEvery time.Duration) *LocalLimiter {
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	l := &LocalLimiter{sweepEvery: sweepEvery, stopCh: make(chan struct{})}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

func (l *LocalLimiter) Allow(ctx context.Context, key string, max int, win time.Duration) (bool, error) {
	now := time.Now()

	if actual, ok := l.windows.Load(key); ok {
		w := actual.(*window)
		if now.Sub(time.Unix(0, atomic.LoadInt64(&w.startedAt))) < win {
			atomic.StoreInt64(&w.lastAccessed, now.UnixNano())
			return w.tryRead(), nil
		}
		// Window elapsed: fall through and replace it with a fresh one.
		l.windows.Delete(key)
	}

	fresh := &window{max: int64(max), startedAt: now.UnixNano(), lastAccessed: now.UnixNano()}
	if actual, loaded := l.windows.LoadOrStore(key, fresh); loaded {
		w := actual.(*window)
		atomic.StoreInt64(&w.lastAccessed, now.UnixNano())
		return w.tryRead(), nil
	}
	return fresh.tryRead(), nil
}

func (l *LocalLimiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweepOnce()
		case <-l.stopCh:
			return
		}
	}
}

func (l *LocalLimiter) sweepOnce() {
	cutoff := time.Now().Add(-l.sweepEvery)
	l.windows.Range(func(key, value interface{}) bool {
		w := value.(*window)
		if time.Unix(0, atomic.LoadInt64(&w.lastAccessed)).Before(cutoff) {
			l.windows.Delete(key)
		}
		return true
	})
}

// Stop halts the background sweep. Safe to call more than once.
func (l *LocalLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
