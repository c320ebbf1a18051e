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

package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hlsproxy/internal/metrics"
	"hlsproxy/internal/shard"
)

// Status is a transfer's lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Transfer is one in-flight (or recently finished) byte pump.
type Transfer struct {
	TransferID         string
	FilePath           string
	FullPath           string
	FileType           string
	ClientIP           string
	UID                string
	SessionID          string
	StartTime          time.Time
	BytesTransferred   int64
	TotalSize          int64 // -1 when unknown
	SpeedBPS           float64
	ProgressPercent    float64 // -1 when TotalSize unknown
	Status             Status
	FirstByteLatencyMs int64 // -1 until recorded

	finishedAt time.Time
}

// Snapshot is a copy of Transfer's scalar fields, safe to hand to a caller
// without leaking a structural reference into the registry.
type Snapshot = Transfer

// Registry is the live per-transfer progress table, sharded by transfer ID
// via rendezvous hashing (internal/shard) to bound lock contention under
// many concurrent transfers.
type Registry struct {
	picker *shard.Picker
	shards []*registryShard

	// retainAfter is how long a terminal transfer lingers before removal.
	// The monitor UI polls every 5s and must observe the final state at
	// least once, so this stays at 5s.
	retainAfter time.Duration
}

type registryShard struct {
	mu      sync.Mutex
	entries map[string]*Transfer
}

// NewRegistry builds a registry with n shards (n<=0 uses the
// GOMAXPROCS-derived default) and the 5s terminal retain window.
func NewRegistry(n int) *Registry {
	picker := shard.NewPicker(n)
	shards := make([]*registryShard, picker.N())
	for i := range shards {
		shards[i] = &registryShard{entries: make(map[string]*Transfer)}
	}
	return &Registry{picker: picker, shards: shards, retainAfter: 5 * time.Second}
}

func (r *Registry) shardFor(transferID string) *registryShard {
	return r.shards[r.picker.Index(transferID)]
}

// Begin inserts a new Transfer and returns it.
func (r *Registry) Begin(filePath, fullPath, fileType, clientIP, uid, sessionID string, totalSize int64) *Transfer {
	t := &Transfer{
		TransferID:         uuid.NewString(),
		FilePath:           filePath,
		FullPath:           fullPath,
		FileType:           fileType,
		ClientIP:           clientIP,
		UID:                uid,
		SessionID:          sessionID,
		StartTime:          time.Now(),
		TotalSize:          totalSize,
		ProgressPercent:    -1,
		FirstByteLatencyMs: -1,
		Status:             StatusActive,
	}
	if totalSize >= 0 {
		t.ProgressPercent = 0
	}
	s := r.shardFor(t.TransferID)
	s.mu.Lock()
	s.entries[t.TransferID] = t
	s.mu.Unlock()
	metrics.ActiveTransfers.Inc()
	return t
}

// UpdateProgress records a chunk write: bytes transferred, recomputed
// speed, and (if TotalSize is known) progress percent.
func (r *Registry) UpdateProgress(t *Transfer, n int64) {
	s := r.shardFor(t.TransferID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t.BytesTransferred += n
	elapsed := time.Since(t.StartTime).Seconds()
	if elapsed > 0 {
		t.SpeedBPS = float64(t.BytesTransferred) / elapsed
	}
	if t.TotalSize > 0 {
		t.ProgressPercent = 100 * float64(t.BytesTransferred) / float64(t.TotalSize)
	}
}

// RecordFirstByte stamps FirstByteLatencyMs once, on the first successful
// chunk write.
func (r *Registry) RecordFirstByte(t *Transfer, latency time.Duration) {
	s := r.shardFor(t.TransferID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.FirstByteLatencyMs < 0 {
		t.FirstByteLatencyMs = latency.Milliseconds()
	}
}

// Finish marks a transfer terminal. The first terminal status wins: the
// pump defers a completed Finish, which must not overwrite an earlier
// disconnect or error. The transfer stays visible in the registry for
// retainAfter before a sweep (see Sweep) removes it.
func (r *Registry) Finish(t *Transfer, status Status) {
	s := r.shardFor(t.TransferID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status != StatusActive {
		return
	}
	t.Status = status
	t.finishedAt = time.Now()
	metrics.ActiveTransfers.Dec()
}

// Sweep removes terminal transfers past their retain window. Call
// periodically from a background loop; cheap enough to also call inline
// after Finish in tests.
func (r *Registry) Sweep() {
	now := time.Now()
	for _, s := range r.shards {
		s.mu.Lock()
		for id, t := range s.entries {
			if t.Status != StatusActive && !t.finishedAt.IsZero() && now.Sub(t.finishedAt) > r.retainAfter {
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
}

// Snapshot returns a consistent, independent copy of every transfer
// currently tracked.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, 0)
	for _, s := range r.shards {
		s.mu.Lock()
		for _, t := range s.entries {
			out = append(out, *t)
		}
		s.mu.Unlock()
	}
	return out
}
