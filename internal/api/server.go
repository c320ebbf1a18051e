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

// Package api implements the public-facing HTTP surface of the proxy: the
// authenticated streaming route, the monitoring/health endpoints, and the
// bearer-protected admin routes.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hlsproxy/internal/accesslog"
	"hlsproxy/internal/authz"
	"hlsproxy/internal/config"
	"hlsproxy/internal/fingerprint"
	"hlsproxy/internal/logging"
	"hlsproxy/internal/metrics"
	"hlsproxy/internal/redisx"
	"hlsproxy/internal/traffic"
	"hlsproxy/internal/transport"
	"hlsproxy/internal/whitelist"
)

// Server wires together every component the HTTP surface depends on. It is
// an owned value constructed once in cmd/fileproxy/main.go, not a package
// global.
type Server struct {
	Config    *config.Config
	Pipeline  *authz.Pipeline
	Whitelist *whitelist.Store
	Redis     redisx.Commander
	Traffic   *traffic.Engine
	Registry  *transport.Registry
	Origin    transport.Origin
	Logs      *accesslog.Logs

	log *logging.Logger
}

// New builds a Server from its already-constructed dependencies.
func New(cfg *config.Config, p *authz.Pipeline, wl *whitelist.Store, cmd redisx.Commander, eng *traffic.Engine, reg *transport.Registry, origin transport.Origin, logs *accesslog.Logs) *Server {
	return &Server{
		Config:    cfg,
		Pipeline:  p,
		Whitelist: wl,
		Redis:     cmd,
		Traffic:   eng,
		Registry:  reg,
		Origin:    origin,
		Logs:      logs,
		log:       logging.New("api"),
	}
}

// Routes builds the full ServeMux: monitoring endpoints, admin routes, and
// the catch-all streaming route.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/traffic", s.handleTraffic)
	mux.HandleFunc("/monitor", s.handleMonitor)
	mux.HandleFunc("/active-transfers", s.handleActiveTransfers)
	mux.HandleFunc("/api/access-logs/denied", s.handleAccessLog(s.Logs.Denied))
	mux.HandleFunc("/api/access-logs/recent", s.handleAccessLog(s.Logs.Recent))
	mux.HandleFunc("/api/whitelist", s.requireAPIKey(s.handleAddWhitelist))
	mux.HandleFunc("/api/static-whitelist", s.requireAPIKey(s.handleAddStaticWhitelist))
	mux.HandleFunc("/api/file/check", s.requireAPIKey(s.handleFileCheck))
	mux.HandleFunc("/api/file/check/batch", s.requireAPIKey(s.handleFileCheckBatch))
	mux.HandleFunc("/", s.handleProxy)
	return mux
}

// requireAPIKey guards the admin routes. Both "Authorization: Bearer <key>"
// and a bare "<key>" header value are accepted; the bare form is historical
// and logs a deprecation warning.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		var presented string
		if strings.HasPrefix(header, "Bearer ") {
			presented = strings.TrimPrefix(header, "Bearer ")
		} else if header != "" {
			s.log.Warnf("admin request to %s used a bare Authorization header; send \"Bearer <key>\" instead", r.URL.Path)
			presented = header
		}
		if presented == "" || presented != s.Config.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := "ok"
	code := http.StatusOK
	if err := s.Redis.Ping(ctx); err != nil {
		status = "redis_unreachable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	transfers := s.Registry.Snapshot()
	active := 0
	for _, t := range transfers {
		if t.Status == transport.StatusActive {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_transfers": active,
		"total_transfers":  len(transfers),
	})
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	tierA, tierB, failed := s.Traffic.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tier_a_count":   tierA,
		"tier_b_count":   tierB,
		"reports_failed": failed,
	})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	tierA, tierB, failed := s.Traffic.Stats()
	transfers := s.Registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_transfers": transfers,
		"traffic": map[string]interface{}{
			"tier_a_count":   tierA,
			"tier_b_count":   tierB,
			"reports_failed": failed,
		},
	})
}

func (s *Server) handleActiveTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Snapshot())
}

func (s *Server) handleAccessLog(ring *accesslog.Ring) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, ring.Recent(limit))
	}
}

type whitelistRequest struct {
	UID  string `json:"uid"`
	Path string `json:"path"`
	IP   string `json:"ip"`
	UA   string `json:"ua"`
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "invalid JSON body"})
		return
	}
	if req.UID == "" || req.Path == "" || req.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "uid, path and ip are required"})
		return
	}
	if err := s.Whitelist.AddWhitelist(r.Context(), req.UID, req.Path, req.IP, req.UA); err != nil {
		s.log.Errorf("add whitelist: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddStaticWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "invalid JSON body"})
		return
	}
	if req.UID == "" || req.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "uid and ip are required"})
		return
	}
	if err := s.Whitelist.AddStaticWhitelist(r.Context(), req.UID, req.IP, req.UA); err != nil {
		s.log.Errorf("add static whitelist: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileCheckRequest struct {
	Path string `json:"path"`
	IP   string `json:"ip"`
	UA   string `json:"ua"`
}

type fileCheckResult struct {
	Path    string `json:"path"`
	Allowed bool   `json:"allowed"`
	UID     string `json:"uid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) checkOne(ctx context.Context, req fileCheckRequest) fileCheckResult {
	keyPath := fingerprint.ExtractMatchKey(req.Path)
	ip := fingerprint.CanonicalizeIP(req.IP)
	if uid, ok, err := s.Whitelist.MatchPathBound(ctx, ip, req.UA, keyPath); err == nil && ok {
		return fileCheckResult{Path: req.Path, Allowed: true, UID: uid}
	}
	if _, ok := s.Config.StaticFileExtensions[fingerprint.Ext(req.Path)]; ok && s.Config.EnableStaticFileIPOnly {
		if uid, ok, err := s.Whitelist.MatchStatic(ctx, ip, req.UA); err == nil && ok {
			return fileCheckResult{Path: req.Path, Allowed: true, UID: uid}
		}
	}
	return fileCheckResult{Path: req.Path, Allowed: false, Reason: "not_in_whitelist"}
}

func (s *Server) handleFileCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	var req fileCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "invalid JSON body"})
		return
	}
	writeJSON(w, http.StatusOK, s.checkOne(r.Context(), req))
}

func (s *Server) handleFileCheckBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	var reqs []fileCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": "invalid JSON body"})
		return
	}
	results := make([]fileCheckResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, s.checkOne(r.Context(), req))
	}
	writeJSON(w, http.StatusOK, results)
}

// handleProxy is the catch-all authenticated streaming route: authorize,
// record the decision, then stream the file.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}

	ip := clientIP(r)
	query := make(map[string]string, len(r.URL.Query()))
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}

	outcome := s.Pipeline.Authorize(r.Context(), authz.Request{
		Path:      r.URL.Path,
		Query:     query,
		ClientIP:  ip,
		UserAgent: r.UserAgent(),
		Now:       time.Now(),
	})

	entry := accesslog.Entry{
		TS:   time.Now().Unix(),
		UID:  outcome.UID,
		IP:   ip,
		UA:   r.UserAgent(),
		Path: r.URL.Path,
	}

	switch outcome.Kind {
	case authz.KindDeny:
		metrics.RequestsTotal.WithLabelValues("deny").Inc()
		metrics.DeniesTotal.WithLabelValues(outcome.DenyReason).Inc()
		if outcome.DenyReason == "m3u8_limit_exceeded" {
			metrics.M3U8LimitHits.Inc()
		}
		entry.Allowed = false
		entry.Reason = outcome.DenyReason
		s.Logs.RecordDecision(entry)
		writeJSON(w, outcome.HTTPStatus, map[string]string{"error": outcome.DenyReason})
		return
	case authz.KindRedirect:
		metrics.RequestsTotal.WithLabelValues("redirect").Inc()
		entry.Allowed = true
		entry.Reason = "safe_key_protect_redirect"
		s.Logs.RecordDecision(entry)
		http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
		return
	}

	metrics.RequestsTotal.WithLabelValues("allow").Inc()
	entry.Allowed = true
	s.Logs.RecordDecision(entry)

	plan := transport.ChoosePlan(r.Method == http.MethodHead, s.Config.BackendMode == config.BackendHTTP, s.Config.FilesystemSendall)
	params := transport.StreamParams{
		Path:          r.URL.Path,
		RangeHeader:   r.Header.Get("Range"),
		RequestOrigin: r.Header.Get("Origin"),
		FileType:      fingerprint.Ext(r.URL.Path),
		ClientIP:      ip,
		UID:           outcome.UID,
		SessionID:     outcome.SessionID,
		Plan:          plan,
	}

	if plan == transport.PlanHead {
		if err := transport.ProxyHead(r.Context(), s.Origin, w, params); err != nil {
			s.log.Warnf("proxy head for %s: %v", r.URL.Path, err)
		}
		return
	}

	if s.Traffic != nil && s.Config.TrafficEnabled {
		params.Record = func(uid string, n int64, fileType, ip, sessionID string) {
			s.Traffic.Record(uid, n, fileType, ip, sessionID)
			metrics.BytesTransferredTotal.Add(float64(n))
		}
	}

	if err := transport.ProxyStream(r.Context(), s.Origin, s.Registry, w, params); err != nil {
		s.log.Warnf("proxy stream for %s: %v", r.URL.Path, err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
