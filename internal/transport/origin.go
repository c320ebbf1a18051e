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
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OpenResult is what an Origin hands back for a GET: a readable body, the
// resource's total size when known, and the upstream status/headers for
// HTTP origins (zero-valued for filesystem origins, whose bodies are
// seekable and windowed by the caller instead).
type OpenResult struct {
	Body           io.ReadCloser
	Size           int64 // -1 if unknown (e.g. chunked HTTP origin)
	UpstreamCode   int
	UpstreamHeader http.Header
}

// Origin abstracts the backend a request is proxied to: a local filesystem
// root or an upstream HTTP server, chosen once at startup. rangeHeader is
// the inbound Range header; HTTP origins forward it verbatim, filesystem
// origins ignore it and leave range resolution to the caller.
type Origin interface {
	Open(ctx context.Context, path, rangeHeader string) (OpenResult, error)
}

// ErrNotFound signals the resource does not exist at the origin.
var ErrNotFound = fmt.Errorf("origin: not found")

// Filesystem is an Origin rooted at a local directory. It rejects any
// resolved path that escapes Root (path-traversal guard): the
// canonicalized absolute path must have Root as a prefix.
type Filesystem struct {
	Root string
}

func (f *Filesystem) resolve(reqPath string) (string, error) {
	cleaned := filepath.Clean("/" + reqPath)
	full := filepath.Join(f.Root, cleaned)
	absRoot, err := filepath.Abs(f.Root)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absRoot && !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("transport: path %q escapes root", reqPath)
	}
	return absFull, nil
}

func (f *Filesystem) Open(ctx context.Context, reqPath, _ string) (OpenResult, error) {
	full, err := f.resolve(reqPath)
	if err != nil {
		return OpenResult{}, err
	}
	fh, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return OpenResult{}, ErrNotFound
		}
		return OpenResult{}, err
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return OpenResult{}, err
	}
	return OpenResult{Body: fh, Size: info.Size()}, nil
}

// HTTP is an Origin that forwards to an upstream HTTP(S) server.
type HTTP struct {
	Scheme          string // "http" or "https"
	Host            string
	Port            int
	ProxyHostHeader string
	Client          *http.Client
}

// NewHTTPClient builds the pooled outbound client: bounded connections,
// keep-alive, connect/total timeouts, a DNS-caching dialer, and optional
// TLS verification skip when sslVerify is false.
func NewHTTPClient(connLimit, perHost int, keepAlive, connectTimeout, totalTimeout, dnsTTL time.Duration, sslVerify bool) *http.Client {
	transport := &http.Transport{
		DialContext:         newDNSCache(dnsTTL, connectTimeout).DialContext,
		MaxConnsPerHost:     perHost,
		MaxIdleConns:        connLimit,
		MaxIdleConnsPerHost: perHost,
		IdleConnTimeout:     keepAlive,
		// Compression would force chunked transfer encoding and strip
		// Content-Length, breaking download progress display.
		DisableCompression: true,
	}
	if !sslVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   totalTimeout,
	}
}

// dnsCache memoizes hostname lookups for the outbound dialer: every
// segment request dials the same origin host, and without it each new
// connection repeats a resolver round trip. Entries expire after ttl; a
// dial that fails through every cached address drops the entry so the next
// dial re-resolves.
type dnsCache struct {
	ttl    time.Duration
	dialer *net.Dialer

	mu      sync.Mutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

func newDNSCache(ttl, connectTimeout time.Duration) *dnsCache {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &dnsCache{
		ttl:     ttl,
		dialer:  &net.Dialer{Timeout: connectTimeout},
		entries: make(map[string]dnsEntry),
	}
}

func (c *dnsCache) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || net.ParseIP(host) != nil {
		return c.dialer.DialContext(ctx, network, addr)
	}
	addrs, err := c.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range addrs {
		conn, derr := c.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if derr == nil {
			return conn, nil
		}
		lastErr = derr
	}
	c.drop(host)
	if lastErr == nil {
		lastErr = fmt.Errorf("transport: no addresses for %s", host)
	}
	return nil, lastErr
}

func (c *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	c.mu.Lock()
	if e, ok := c.entries[host]; ok && time.Now().Before(e.expires) {
		addrs := e.addrs
		c.mu.Unlock()
		return addrs, nil
	}
	c.mu.Unlock()

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[host] = dnsEntry{addrs: addrs, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return addrs, nil
}

func (c *dnsCache) drop(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

func (h *HTTP) Open(ctx context.Context, reqPath, rangeHeader string) (OpenResult, error) {
	url := fmt.Sprintf("%s://%s:%d%s", h.Scheme, h.Host, h.Port, ensureLeadingSlash(reqPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return OpenResult{}, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if h.ProxyHostHeader != "" {
		req.Host = h.ProxyHostHeader
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return OpenResult{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return OpenResult{}, ErrNotFound
	}
	return OpenResult{
		Body:           resp.Body,
		Size:           resp.ContentLength,
		UpstreamCode:   resp.StatusCode,
		UpstreamHeader: resp.Header,
	}, nil
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
