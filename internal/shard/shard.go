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

// Package shard picks a shard index for a string key using rendezvous
// (highest-random-weight) hashing, the same algorithm go-redis's Ring
// client uses internally to spread keys across nodes. Here it spreads keys
// across in-process lock/map shards instead of Redis nodes: the whitelist
// store uses it to pick a short-lived per-key mutex, and the
// active-transfer registry uses it to pick one of N mutex-guarded maps to
// bound contention under many concurrent streams.
package shard

import (
	"runtime"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// Picker maps keys to a stable shard index in [0, N).
type Picker struct {
	rv *rendezvous.Rendezvous
	n  int
}

// NewPicker builds a Picker over n shards. n<=0 defaults to a size derived
// from GOMAXPROCS, clamped to [8, 64].
func NewPicker(n int) *Picker {
	if n <= 0 {
		n = clamp(runtime.GOMAXPROCS(0), 8, 64)
	}
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = strconv.Itoa(i)
	}
	return &Picker{rv: rendezvous.New(nodes, xxhash.Sum64String), n: n}
}

// Index returns the shard index for key.
func (p *Picker) Index(key string) int {
	node := p.rv.Lookup(key)
	idx, _ := strconv.Atoi(node)
	return idx
}

// N returns the shard count.
func (p *Picker) N() int { return p.n }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// KeyLocks is a fixed set of shard-selected mutexes, used to serialize
// read-modify-write sequences against the same logical key without a
// single global lock.
type KeyLocks struct {
	picker *Picker
	mus    []sync.Mutex
}

// NewKeyLocks builds n mutex shards (see NewPicker for the n<=0 default).
func NewKeyLocks(n int) *KeyLocks {
	p := NewPicker(n)
	return &KeyLocks{picker: p, mus: make([]sync.Mutex, p.N())}
}

// Lock locks the shard owning key and returns the unlock function.
func (k *KeyLocks) Lock(key string) (unlock func()) {
	m := &k.mus[k.picker.Index(key)]
	m.Lock()
	return m.Unlock
}
