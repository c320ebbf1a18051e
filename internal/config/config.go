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

// Package config holds the proxy's static, process-local configuration
// surface. It is intentionally a flat struct with defaults: no hot-reload,
// no file watcher; the surrounding process (flags, environment) is
// responsible for populating it once at startup.
package config

import "time"

// BackendMode selects the origin type the transport layer talks to.
type BackendMode string

const (
	BackendFilesystem BackendMode = "filesystem"
	BackendHTTP       BackendMode = "http"
)

// Config is the full static configuration surface of the proxy.
type Config struct {
	// Redis
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	RedisPoolSize int

	// Backend / origin
	BackendMode       BackendMode
	BackendHost       string
	BackendPort       int
	BackendUseHTTPS   bool
	BackendSSLVerify  bool
	ProxyHostHeader   string
	FilesystemRoot    string
	FilesystemSendall bool

	// Outbound HTTP pool
	ConnectorLimit   int
	ConnectorPerHost int
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	HTTPTotalTimeout time.Duration
	DNSCacheTTL      time.Duration

	// Auth
	SecretKey              string
	APIKey                 string
	SessionTTL             time.Duration
	IPAccessTTL            time.Duration
	MaxUAIPPairsPerUID     int
	MaxPathsPerEntry       int
	FixedIPWhitelist       []string
	EnableStaticFileIPOnly bool
	StaticFileExtensions   map[string]struct{}
	FullyAllowedExtensions map[string]struct{}
	SafeKeyProtectEnabled  bool
	SafeKeyProtectBase     string

	// Traffic accounting
	TrafficEnabled         bool
	ReportURL              string
	ReportAPIKey           string
	MinBytesThreshold      int64
	ReportInterval         time.Duration
	AccumulatorIdleTimeout time.Duration
	LongIdleTimeout        time.Duration

	// M3U8 adaptive counter, per browser class
	M3U8Limits map[string]ClassLimit

	// Test-only flags. MUST remain false in production; Warnings reports
	// any that are set.
	DisableIPWhitelist       bool
	DisablePathProtection    bool
	DisableSessionValidation bool
}

// ClassLimit is a (max reads, window) pair for one browser class.
type ClassLimit struct {
	Max    int
	Window time.Duration
}

// Default returns the configuration with its documented defaults.
func Default() *Config {
	return &Config{
		RedisHost:     "127.0.0.1",
		RedisPort:     6379,
		RedisDB:       0,
		RedisPoolSize: 150,

		BackendMode:      BackendFilesystem,
		BackendSSLVerify: true,

		ConnectorLimit:   100,
		ConnectorPerHost: 30,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   15 * time.Second,
		HTTPTotalTimeout: 90 * time.Second,
		DNSCacheTTL:      600 * time.Second,

		SessionTTL:         30 * time.Minute,
		IPAccessTTL:        time.Hour,
		MaxUAIPPairsPerUID: 5,
		MaxPathsPerEntry:   32,
		StaticFileExtensions: map[string]struct{}{
			".ts": {}, ".m4s": {}, ".mp4": {}, ".key": {},
		},
		FullyAllowedExtensions: map[string]struct{}{
			".ts": {}, ".webp": {}, ".php": {},
		},

		TrafficEnabled:         true,
		MinBytesThreshold:      1 << 20,
		ReportInterval:         300 * time.Second,
		AccumulatorIdleTimeout: 600 * time.Second,
		LongIdleTimeout:        1800 * time.Second,

		M3U8Limits: map[string]ClassLimit{
			"mobile_browser":     {Max: 3, Window: 30 * time.Second},
			"desktop_browser":    {Max: 2, Window: 20 * time.Second},
			"tool_or_downloader": {Max: 1, Window: 15 * time.Second},
		},
	}
}

// Warnings returns a list of startup warnings, e.g. any test-only flag that
// is set. Callers should log each line returned here.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.DisableIPWhitelist {
		warnings = append(warnings, "DisableIPWhitelist is set: fixed IP whitelist checks are bypassed")
	}
	if c.DisablePathProtection {
		warnings = append(warnings, "DisablePathProtection is set: path-bound whitelist checks are bypassed")
	}
	if c.DisableSessionValidation {
		warnings = append(warnings, "DisableSessionValidation is set: HMAC token verification is bypassed")
	}
	return warnings
}
