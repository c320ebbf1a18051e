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

// Package main wires up the authenticating HLS file proxy: Redis-backed
// session/whitelist/m3u8 stores, the authorization pipeline, the streaming
// transport, the traffic accounting engine, and the admin/monitoring HTTP
// surface, then runs the server with graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hlsproxy/internal/accesslog"
	"hlsproxy/internal/api"
	"hlsproxy/internal/authz"
	"hlsproxy/internal/config"
	"hlsproxy/internal/logging"
	"hlsproxy/internal/m3u8limit"
	"hlsproxy/internal/redisx"
	"hlsproxy/internal/session"
	"hlsproxy/internal/traffic"
	"hlsproxy/internal/transport"
	"hlsproxy/internal/whitelist"
)

func main() {
	cfg := config.Default()

	// Redis
	redisHost := flag.String("redis_host", cfg.RedisHost, "Redis host")
	redisPort := flag.Int("redis_port", cfg.RedisPort, "Redis port")
	redisDB := flag.Int("redis_db", cfg.RedisDB, "Redis logical DB")
	redisPassword := flag.String("redis_password", cfg.RedisPassword, "Redis password")
	redisPoolSize := flag.Int("redis_pool_size", cfg.RedisPoolSize, "Redis connection pool size")

	// Backend / origin
	backendMode := flag.String("backend_mode", string(cfg.BackendMode), "Backend mode: filesystem or http")
	backendHost := flag.String("backend_host", cfg.BackendHost, "Upstream HTTP backend host")
	backendPort := flag.Int("backend_port", cfg.BackendPort, "Upstream HTTP backend port")
	backendUseHTTPS := flag.Bool("backend_use_https", cfg.BackendUseHTTPS, "Use HTTPS to reach the upstream backend")
	backendSSLVerify := flag.Bool("backend_ssl_verify", cfg.BackendSSLVerify, "Verify the upstream backend's TLS certificate")
	proxyHostHeader := flag.String("proxy_host_header", cfg.ProxyHostHeader, "Host header to send upstream, if set")
	filesystemRoot := flag.String("filesystem_root", cfg.FilesystemRoot, "Root directory when backend_mode=filesystem")
	filesystemSendfile := flag.Bool("filesystem_sendfile", cfg.FilesystemSendall, "Use the zero-copy fast path for full-file filesystem reads")

	// Outbound HTTP pool
	connectorLimit := flag.Int("connector_limit", cfg.ConnectorLimit, "Max idle outbound connections total")
	connectorPerHost := flag.Int("connector_per_host", cfg.ConnectorPerHost, "Max outbound connections per host")
	keepAlive := flag.Duration("keepalive", cfg.KeepAlive, "Outbound connection keep-alive")
	connectTimeout := flag.Duration("connect_timeout", cfg.ConnectTimeout, "Outbound connect timeout")
	httpTotalTimeout := flag.Duration("http_total_timeout", cfg.HTTPTotalTimeout, "Outbound request total timeout")
	dnsCacheTTL := flag.Duration("dns_cache", cfg.DNSCacheTTL, "Outbound DNS cache TTL")

	// Auth
	secretKey := flag.String("secret_key", cfg.SecretKey, "HMAC secret for token verification")
	apiKey := flag.String("api_key", cfg.APIKey, "Bearer API key for admin endpoints")
	sessionTTL := flag.Duration("session_ttl", cfg.SessionTTL, "Session record TTL")
	ipAccessTTL := flag.Duration("ip_access_ttl", cfg.IPAccessTTL, "Whitelist entry TTL")
	maxUAIPPairsPerUID := flag.Int("max_ua_ip_pairs_per_uid", cfg.MaxUAIPPairsPerUID, "Max (ip,ua) pairs per UID before FIFO eviction")
	maxPathsPerEntry := flag.Int("max_paths_per_entry", cfg.MaxPathsPerEntry, "Max paths per path-bound whitelist entry")
	fixedIPWhitelist := flag.String("fixed_ip_whitelist", "", "Comma-separated IPs/CIDRs that are always allowed")
	enableStaticFileIPOnly := flag.Bool("enable_static_file_ip_only", cfg.EnableStaticFileIPOnly, "Enable the static-file-only whitelist probe")
	safeKeyProtectEnabled := flag.Bool("safe_key_protect_enabled", cfg.SafeKeyProtectEnabled, "Enable the enc.key redirect-protection step")
	safeKeyProtectBase := flag.String("safe_key_protect_base", cfg.SafeKeyProtectBase, "Base URL to redirect enc.key requests to")

	// Traffic accounting
	trafficEnabled := flag.Bool("traffic_enabled", cfg.TrafficEnabled, "Record and report per-UID transfer volume")
	reportURL := flag.String("traffic_report_url", cfg.ReportURL, "URL to POST traffic reports to")
	reportAPIKey := flag.String("traffic_report_api_key", cfg.ReportAPIKey, "Bearer key for traffic report POSTs")
	minBytesThreshold := flag.Int64("traffic_min_bytes_threshold", cfg.MinBytesThreshold, "Bytes threshold promoting Tier A to Tier B")
	reportInterval := flag.Duration("traffic_report_interval", cfg.ReportInterval, "Traffic report interval")
	accumulatorIdleTimeout := flag.Duration("traffic_accumulator_idle_timeout", cfg.AccumulatorIdleTimeout, "Tier A idle eviction timeout")
	longIdleTimeout := flag.Duration("traffic_long_idle_timeout", cfg.LongIdleTimeout, "Long-idle eviction timeout for either tier")

	// M3U8 counter
	m3u8LocalCounter := flag.Bool("m3u8_local_counter", false, "Count m3u8 accesses in-process instead of in Redis (single-instance only)")

	// Test-only flags
	disableIPWhitelist := flag.Bool("disable_ip_whitelist", cfg.DisableIPWhitelist, "TEST ONLY: bypass the fixed IP whitelist")
	disablePathProtection := flag.Bool("disable_path_protection", cfg.DisablePathProtection, "TEST ONLY: bypass the path-bound whitelist probe")
	disableSessionValidation := flag.Bool("disable_session_validation", cfg.DisableSessionValidation, "TEST ONLY: bypass HMAC token verification")

	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address")
	flag.Parse()

	cfg.RedisHost, cfg.RedisPort, cfg.RedisDB = *redisHost, *redisPort, *redisDB
	cfg.RedisPassword, cfg.RedisPoolSize = *redisPassword, *redisPoolSize
	cfg.BackendMode = config.BackendMode(*backendMode)
	cfg.BackendHost, cfg.BackendPort = *backendHost, *backendPort
	cfg.BackendUseHTTPS, cfg.BackendSSLVerify = *backendUseHTTPS, *backendSSLVerify
	cfg.ProxyHostHeader, cfg.FilesystemRoot = *proxyHostHeader, *filesystemRoot
	cfg.FilesystemSendall = *filesystemSendfile
	cfg.ConnectorLimit, cfg.ConnectorPerHost = *connectorLimit, *connectorPerHost
	cfg.KeepAlive, cfg.ConnectTimeout, cfg.HTTPTotalTimeout = *keepAlive, *connectTimeout, *httpTotalTimeout
	cfg.DNSCacheTTL = *dnsCacheTTL
	cfg.SecretKey, cfg.APIKey = *secretKey, *apiKey
	cfg.SessionTTL, cfg.IPAccessTTL = *sessionTTL, *ipAccessTTL
	cfg.MaxUAIPPairsPerUID, cfg.MaxPathsPerEntry = *maxUAIPPairsPerUID, *maxPathsPerEntry
	cfg.EnableStaticFileIPOnly = *enableStaticFileIPOnly
	cfg.SafeKeyProtectEnabled, cfg.SafeKeyProtectBase = *safeKeyProtectEnabled, *safeKeyProtectBase
	if *fixedIPWhitelist != "" {
		for _, entry := range strings.Split(*fixedIPWhitelist, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.FixedIPWhitelist = append(cfg.FixedIPWhitelist, entry)
			}
		}
	}
	cfg.TrafficEnabled = *trafficEnabled
	cfg.ReportURL, cfg.ReportAPIKey = *reportURL, *reportAPIKey
	cfg.MinBytesThreshold, cfg.ReportInterval = *minBytesThreshold, *reportInterval
	cfg.AccumulatorIdleTimeout, cfg.LongIdleTimeout = *accumulatorIdleTimeout, *longIdleTimeout
	cfg.DisableIPWhitelist = *disableIPWhitelist
	cfg.DisablePathProtection = *disablePathProtection
	cfg.DisableSessionValidation = *disableSessionValidation

	mainLog := logging.New("main")
	for _, w := range cfg.Warnings() {
		mainLog.Warnf("%s", w)
	}

	redisAddr := fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)
	cmd := redisx.NewGoRedisCommander(redisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPoolSize)

	sessions := session.New(cmd, cfg.SessionTTL)
	wl := whitelist.New(cmd, cfg.MaxPathsPerEntry, cfg.MaxUAIPPairsPerUID, cfg.IPAccessTTL)

	var limiter m3u8limit.Limiter
	if *m3u8LocalCounter {
		local := m3u8limit.NewLocalLimiter(0)
		defer local.Stop()
		limiter = local
	} else {
		limiter = m3u8limit.NewRedisLimiter(cmd)
	}

	pipeline := &authz.Pipeline{
		Config:    cfg,
		Whitelist: wl,
		Sessions:  sessions,
		M3U8:      limiter,
	}

	var origin transport.Origin
	if cfg.BackendMode == config.BackendHTTP {
		scheme := "http"
		if cfg.BackendUseHTTPS {
			scheme = "https"
		}
		client := transport.NewHTTPClient(cfg.ConnectorLimit, cfg.ConnectorPerHost, cfg.KeepAlive, cfg.ConnectTimeout, cfg.HTTPTotalTimeout, cfg.DNSCacheTTL, cfg.BackendSSLVerify)
		origin = &transport.HTTP{Scheme: scheme, Host: cfg.BackendHost, Port: cfg.BackendPort, ProxyHostHeader: cfg.ProxyHostHeader, Client: client}
	} else {
		origin = &transport.Filesystem{Root: cfg.FilesystemRoot}
	}

	registry := transport.NewRegistry(0)
	logs := accesslog.NewLogs()

	reportClient := transport.NewHTTPClient(cfg.ConnectorLimit, cfg.ConnectorPerHost, cfg.KeepAlive, cfg.ConnectTimeout, cfg.HTTPTotalTimeout, cfg.DNSCacheTTL, true)
	trafficEngine := traffic.New(traffic.Config{
		MinBytesThreshold:      cfg.MinBytesThreshold,
		ReportURL:              cfg.ReportURL,
		ReportAPIKey:           cfg.ReportAPIKey,
		ReportInterval:         cfg.ReportInterval,
		AccumulatorIdleTimeout: cfg.AccumulatorIdleTimeout,
		LongIdleTimeout:        cfg.LongIdleTimeout,
	}, reportClient)

	server := api.New(cfg, pipeline, wl, cmd, trafficEngine, registry, origin, logs)

	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      server.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses can run long
		IdleTimeout:  120 * time.Second,
	}

	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				registry.Sweep()
			case <-sweepStop:
				return
			}
		}
	}()

	go func() {
		mainLog.Infof("listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("could not listen on %s: %v", *httpAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	mainLog.Infof("shutting down")
	close(sweepStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	trafficEngine.Stop(ctx)

	if err := httpServer.Shutdown(ctx); err != nil {
		mainLog.Errorf("server shutdown: %v", err)
	}
	mainLog.Infof("stopped")
}
