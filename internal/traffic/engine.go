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

// Package traffic implements the two-tier traffic aggregator: a sync.Map
// of per-UID records (Tier A) promoted into a second map (Tier B) on
// crossing a byte threshold, drained by a background report loop that
// POSTs qualified records to the configured sink and retains them on
// failure.
package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"hlsproxy/internal/logging"
	"hlsproxy/internal/metrics"
)

const uniqueIPCap = 20
const uniqueSessionCap = 10

// Record is one UID's accumulated traffic. mu guards every field: the
// same record is mutated by concurrent transfers and read by the
// reporter.
type Record struct {
	mu             sync.Mutex
	UID            string
	TotalBytes     int64
	RequestCount   int64
	FileTypes      map[string]int64
	UniqueIPs      map[string]struct{}
	UniqueSessions map[string]struct{}
	StartTime      time.Time
	LastActivity   time.Time
}

func newRecord(uid string) *Record {
	now := time.Now()
	return &Record{
		UID:            uid,
		FileTypes:      make(map[string]int64),
		UniqueIPs:      make(map[string]struct{}),
		UniqueSessions: make(map[string]struct{}),
		StartTime:      now,
		LastActivity:   now,
	}
}

func (r *Record) apply(n int64, fileType, ip, sessionID string) (totalBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TotalBytes += n
	r.RequestCount++
	r.FileTypes[fileType] += n
	if len(r.UniqueIPs) < uniqueIPCap {
		r.UniqueIPs[ip] = struct{}{}
	}
	if sessionID != "" && len(r.UniqueSessions) < uniqueSessionCap {
		r.UniqueSessions[sessionID] = struct{}{}
	}
	r.LastActivity = time.Now()
	return r.TotalBytes
}

// merge folds src into r. r is always the tier-resident record and src a
// record just removed from a tier map, so locking dst before src cannot
// cross with another merge.
func (r *Record) merge(src *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src.mu.Lock()
	defer src.mu.Unlock()
	r.TotalBytes += src.TotalBytes
	r.RequestCount += src.RequestCount
	for ext, n := range src.FileTypes {
		r.FileTypes[ext] += n
	}
	for ip := range src.UniqueIPs {
		if len(r.UniqueIPs) < uniqueIPCap {
			r.UniqueIPs[ip] = struct{}{}
		}
	}
	for sid := range src.UniqueSessions {
		if len(r.UniqueSessions) < uniqueSessionCap {
			r.UniqueSessions[sid] = struct{}{}
		}
	}
	if src.LastActivity.After(r.LastActivity) {
		r.LastActivity = src.LastActivity
	}
	if src.StartTime.Before(r.StartTime) {
		r.StartTime = src.StartTime
	}
}

func (r *Record) lastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.LastActivity
}

type reportRecord struct {
	UID            string           `json:"uid"`
	TotalBytes     int64            `json:"total_bytes"`
	RequestCount   int64            `json:"request_count"`
	FileTypes      map[string]int64 `json:"file_types"`
	UniqueIPs      []string         `json:"unique_ips"`
	UniqueSessions []string         `json:"unique_sessions"`
	StartTime      int64            `json:"start_time"`
	LastActivity   int64            `json:"last_activity"`
}

type reportBody struct {
	Records  []reportRecord `json:"records"`
	Reporter string         `json:"reporter"`
	TS       int64          `json:"ts"`
}

// Engine is the background traffic accounting component: Tier A
// (sub-threshold accumulator) and Tier B (qualified, reportable), each a
// sync.Map keyed by uid, plus the report and idle-cleanup loops.
type Engine struct {
	tierA sync.Map // uid -> *Record
	tierB sync.Map // uid -> *Record

	minBytesThreshold      int64
	reportURL              string
	reportAPIKey           string
	reportInterval         time.Duration
	accumulatorIdleTimeout time.Duration
	longIdleTimeout        time.Duration

	client *http.Client
	log    *logging.Logger

	recordCount   uint64
	reportsFailed uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config bundles the tunables Engine needs from config.Config.
type Config struct {
	MinBytesThreshold      int64
	ReportURL              string
	ReportAPIKey           string
	ReportInterval         time.Duration
	AccumulatorIdleTimeout time.Duration
	LongIdleTimeout        time.Duration
}

// New builds an Engine and starts its background loops.
func New(cfg Config, client *http.Client) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 300 * time.Second
	}
	if cfg.AccumulatorIdleTimeout <= 0 {
		cfg.AccumulatorIdleTimeout = 600 * time.Second
	}
	if cfg.LongIdleTimeout <= 0 {
		cfg.LongIdleTimeout = 1800 * time.Second
	}
	e := &Engine{
		minBytesThreshold:      cfg.MinBytesThreshold,
		reportURL:              cfg.ReportURL,
		reportAPIKey:           cfg.ReportAPIKey,
		reportInterval:         cfg.ReportInterval,
		accumulatorIdleTimeout: cfg.AccumulatorIdleTimeout,
		longIdleTimeout:        cfg.LongIdleTimeout,
		client:                 client,
		log:                    logging.New("traffic"),
		stopCh:                 make(chan struct{}),
	}
	e.wg.Add(2)
	go e.reportLoop()
	go e.longIdleLoop()
	return e
}

// Record ingests one transfer's observed bytes. Unattributable transfers
// (empty uid) are dropped.
func (e *Engine) Record(uid string, n int64, fileType, ip, sessionID string) {
	if uid == "" {
		return
	}
	if v, ok := e.tierB.Load(uid); ok {
		v.(*Record).apply(n, fileType, ip, sessionID)
	} else {
		actual, _ := e.tierA.LoadOrStore(uid, newRecord(uid))
		rec := actual.(*Record)
		if rec.apply(n, fileType, ip, sessionID) >= e.minBytesThreshold {
			e.promote(uid, rec)
		}
	}

	if atomic.AddUint64(&e.recordCount, 1)%1000 == 0 {
		e.maybeCleanup()
	}
}

func (e *Engine) promote(uid string, rec *Record) {
	e.tierA.Delete(uid)
	if existing, loaded := e.tierB.LoadOrStore(uid, rec); loaded {
		existing.(*Record).merge(rec)
	}
}

// maybeCleanup drops idle Tier A records. Called once per ~1000 Record
// invocations rather than on its own timer.
func (e *Engine) maybeCleanup() {
	cutoff := time.Now().Add(-e.accumulatorIdleTimeout)
	e.tierA.Range(func(key, value interface{}) bool {
		if value.(*Record).lastActivity().Before(cutoff) {
			e.tierA.Delete(key)
		}
		return true
	})
}

func (e *Engine) reportLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.runReport(false)
		case <-e.stopCh:
			// Final best-effort flush of both tiers.
			e.runReport(true)
			return
		}
	}
}

// drain removes and returns every record in m. Removal happens before the
// POST so bytes recorded during the request land in a fresh record instead
// of being cleared along with the reported one.
func drain(m *sync.Map) []*Record {
	var out []*Record
	m.Range(func(key, _ interface{}) bool {
		if v, ok := m.LoadAndDelete(key); ok {
			out = append(out, v.(*Record))
		}
		return true
	})
	return out
}

func (e *Engine) runReport(final bool) {
	if e.reportURL == "" {
		return
	}
	recs := drain(&e.tierB)
	if final {
		recs = append(recs, drain(&e.tierA)...)
	}
	if len(recs) == 0 {
		return
	}

	records := make([]reportRecord, 0, len(recs))
	for _, rec := range recs {
		records = append(records, toReportRecord(rec))
	}
	body := reportBody{Records: records, Reporter: "file-proxy", TS: time.Now().Unix()}
	raw, err := json.Marshal(body)
	if err != nil {
		e.log.Errorf("encode report: %v", err)
		e.restore(recs)
		return
	}

	req, err := http.NewRequest(http.MethodPost, e.reportURL, bytes.NewReader(raw))
	if err != nil {
		e.log.Errorf("build report request: %v", err)
		e.restore(recs)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.reportAPIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		atomic.AddUint64(&e.reportsFailed, 1)
		metrics.TrafficReportsFailedTotal.Inc()
		e.log.Errorf("report post failed: %v", err)
		e.restore(recs)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		atomic.AddUint64(&e.reportsFailed, 1)
		metrics.TrafficReportsFailedTotal.Inc()
		e.log.Warnf("report post returned %d, retaining records", resp.StatusCode)
		e.restore(recs)
		return
	}
}

// restore puts unreported records back into Tier B so the next tick can
// retry them, merging with anything recorded since the drain.
func (e *Engine) restore(recs []*Record) {
	for _, rec := range recs {
		if existing, loaded := e.tierB.LoadOrStore(rec.UID, rec); loaded {
			existing.(*Record).merge(rec)
		}
	}
}

func toReportRecord(rec *Record) reportRecord {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	ips := make([]string, 0, len(rec.UniqueIPs))
	for ip := range rec.UniqueIPs {
		ips = append(ips, ip)
	}
	sids := make([]string, 0, len(rec.UniqueSessions))
	for sid := range rec.UniqueSessions {
		sids = append(sids, sid)
	}
	return reportRecord{
		UID:            rec.UID,
		TotalBytes:     rec.TotalBytes,
		RequestCount:   rec.RequestCount,
		FileTypes:      rec.FileTypes,
		UniqueIPs:      ips,
		UniqueSessions: sids,
		StartTime:      rec.StartTime.Unix(),
		LastActivity:   rec.LastActivity.Unix(),
	}
}

func (e *Engine) longIdleLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.runLongIdleCleanup()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) runLongIdleCleanup() {
	cutoff := time.Now().Add(-e.longIdleTimeout)
	for _, m := range []*sync.Map{&e.tierA, &e.tierB} {
		m.Range(func(key, value interface{}) bool {
			if value.(*Record).lastActivity().Before(cutoff) {
				m.Delete(key)
			}
			return true
		})
	}
}

// Stats returns a lightweight snapshot for the /traffic endpoint.
func (e *Engine) Stats() (tierACount, tierBCount int, reportsFailed uint64) {
	e.tierA.Range(func(_, _ interface{}) bool { tierACount++; return true })
	e.tierB.Range(func(_, _ interface{}) bool { tierBCount++; return true })
	return tierACount, tierBCount, atomic.LoadUint64(&e.reportsFailed)
}

// Stop drains both tiers with a best-effort final report, then waits for
// the background loops to exit or ctx to expire.
func (e *Engine) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warnf("shutdown timed out waiting for traffic engine drain: %v", ctx.Err())
	}
}
