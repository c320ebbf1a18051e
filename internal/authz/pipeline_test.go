package authz

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"hlsproxy/internal/config"
	"hlsproxy/internal/m3u8limit"
	"hlsproxy/internal/redisx"
	"hlsproxy/internal/session"
	"hlsproxy/internal/whitelist"
)

func newTestPipeline(t *testing.T) (*Pipeline, *whitelist.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.SecretKey = "S"
	cmd := redisx.NewFakeCommander()
	wl := whitelist.New(cmd, cfg.MaxPathsPerEntry, cfg.MaxUAIPPairsPerUID, cfg.IPAccessTTL)
	sessions := session.New(cmd, cfg.SessionTTL)
	limiter := m3u8limit.NewRedisLimiter(cmd)
	return &Pipeline{Config: cfg, Whitelist: wl, Sessions: sessions, M3U8: limiter}, wl
}

// A happy-path HMAC request creates a session and allows.
func TestAuthorize_HappyPathToken(t *testing.T) {
	p, _ := newTestPipeline(t)
	uid := "u"
	path := "/video/2025-06-17/ABC/index.m3u8"
	expires := time.Now().Add(time.Hour).Unix()
	token := SignToken(p.Config.SecretKey, uid, path, expires)

	out := p.Authorize(context.Background(), Request{
		Path:      path,
		Query:     map[string]string{"uid": uid, "expires": formatInt(expires), "token": token},
		ClientIP:  "203.0.113.10",
		UserAgent: "some-ua",
	})
	if out.Kind != KindAllow {
		t.Fatalf("Authorize() kind = %v, want Allow (reason=%s)", out.Kind, out.DenyReason)
	}
	if out.UID != uid {
		t.Errorf("Allow UID = %q, want %q", out.UID, uid)
	}
	if out.SessionID == "" {
		t.Error("expected a session id to be created")
	}
}

// A single tampered character in the token denies with invalid_token.
func TestAuthorize_TamperedToken(t *testing.T) {
	p, _ := newTestPipeline(t)
	uid := "u"
	path := "/a/b.m3u8"
	expires := time.Now().Add(time.Hour).Unix()
	token := SignToken(p.Config.SecretKey, uid, path, expires)
	tampered := []rune(token)
	tampered[0] = flip(tampered[0])

	out := p.Authorize(context.Background(), Request{
		Path:      path,
		Query:     map[string]string{"uid": uid, "expires": formatInt(expires), "token": string(tampered)},
		ClientIP:  "203.0.113.10",
		UserAgent: "some-ua",
	})
	if out.Kind != KindDeny || out.DenyReason != "invalid_token" || out.HTTPStatus != 403 {
		t.Fatalf("Authorize(tampered) = %+v, want Deny(invalid_token, 403)", out)
	}
}

// Admin whitelist add followed by a tokenless GET from a matching IP/UA.
func TestAuthorize_WhitelistAddThenGetWithoutToken(t *testing.T) {
	p, wl := newTestPipeline(t)
	uid := "u"
	path := "/a/2025-06-17/X/y.m3u8"

	if err := wl.AddWhitelist(context.Background(), uid, path, "192.168.1.33", "UA"); err != nil {
		t.Fatalf("AddWhitelist() = %v", err)
	}

	out := p.Authorize(context.Background(), Request{
		Path:      path,
		Query:     map[string]string{},
		ClientIP:  "192.168.1.77",
		UserAgent: "UA",
	})
	if out.Kind != KindAllow {
		t.Fatalf("Authorize() kind = %v, want Allow (reason=%s)", out.Kind, out.DenyReason)
	}
	if out.UID != uid {
		t.Errorf("Allow UID = %q, want %q", out.UID, uid)
	}
}

// Session reuse: a second request for the same fingerprint reuses the
// existing session id rather than minting a new one.
func TestAuthorize_SessionReuse(t *testing.T) {
	p, _ := newTestPipeline(t)
	uid := "u"
	path := "/video/2025-06-17/ABC/index.m3u8"
	expires := time.Now().Add(time.Hour).Unix()
	token := SignToken(p.Config.SecretKey, uid, path, expires)

	req := Request{
		Path:      path,
		Query:     map[string]string{"uid": uid, "expires": formatInt(expires), "token": token},
		ClientIP:  "203.0.113.10",
		UserAgent: "some-ua",
	}
	first := p.Authorize(context.Background(), req)
	second := p.Authorize(context.Background(), req)
	if first.Kind != KindAllow || second.Kind != KindAllow {
		t.Fatalf("expected both requests allowed, got %v, %v", first, second)
	}
	if first.SessionID != second.SessionID {
		t.Errorf("session ids differ across reuse: %q != %q", first.SessionID, second.SessionID)
	}
}

// Fully-allowed extensions bypass authorization entirely, even with no
// token or whitelist entry present.
func TestAuthorize_FullyAllowedExtension(t *testing.T) {
	p, _ := newTestPipeline(t)
	out := p.Authorize(context.Background(), Request{
		Path:      "/segments/chunk0001.ts",
		Query:     map[string]string{},
		ClientIP:  "198.51.100.9",
		UserAgent: "anything",
	})
	if out.Kind != KindAllow {
		t.Fatalf("Authorize(.ts) = %+v, want Allow", out)
	}
}

// Fixed IP whitelist allows regardless of token/whitelist state, with bare
// IPv4 widened to /24.
func TestAuthorize_FixedIPWhitelist(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.Config.FixedIPWhitelist = []string{"203.0.113.50"}

	out := p.Authorize(context.Background(), Request{
		Path:      "/private/index.m3u8",
		Query:     map[string]string{},
		ClientIP:  "203.0.113.200",
		UserAgent: "anything",
	})
	if out.Kind != KindAllow {
		t.Fatalf("Authorize() from fixed-whitelisted /24 = %+v, want Allow", out)
	}
}

// With no matching whitelist entry, fixed IP, or token, a plain request
// falls through to the final deny.
func TestAuthorize_FallbackDeny(t *testing.T) {
	p, _ := newTestPipeline(t)
	out := p.Authorize(context.Background(), Request{
		Path:      "/private/video.mp4",
		Query:     map[string]string{},
		ClientIP:  "198.51.100.77",
		UserAgent: "anything",
	})
	if out.Kind != KindDeny || out.DenyReason != "not_in_whitelist" || out.HTTPStatus != 403 {
		t.Fatalf("Authorize() = %+v, want Deny(not_in_whitelist, 403)", out)
	}
}

// M3u8 adaptive counter: desktop class allows 2 reads per window,
// denies the third.
func TestAuthorize_M3U8RateLimit(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.Config.M3U8Limits["desktop_browser"] = config.ClassLimit{Max: 2, Window: 20 * time.Second}

	req := Request{
		Path:      "/live/index.m3u8",
		Query:     map[string]string{},
		ClientIP:  "198.51.100.55",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
	}
	first := p.Authorize(context.Background(), req)
	second := p.Authorize(context.Background(), req)
	third := p.Authorize(context.Background(), req)

	if first.Kind != KindAllow || second.Kind != KindAllow {
		t.Fatalf("first two m3u8 reads should allow: %+v, %+v", first, second)
	}
	if third.Kind != KindDeny || third.DenyReason != "m3u8_limit_exceeded" {
		t.Fatalf("third m3u8 read = %+v, want Deny(m3u8_limit_exceeded)", third)
	}
}

// DisablePathProtection bypasses the path-bound whitelist probe even when
// a matching entry exists. The path is not a playlist, so the m3u8 counter
// (which admits tokenless playlist reads) cannot allow it either.
func TestAuthorize_DisablePathProtection(t *testing.T) {
	p, wl := newTestPipeline(t)
	p.Config.DisablePathProtection = true
	uid := "u"
	path := "/a/2025-06-17/X/video.mp4"
	if err := wl.AddWhitelist(context.Background(), uid, path, "192.168.1.33", "UA"); err != nil {
		t.Fatalf("AddWhitelist() = %v", err)
	}

	out := p.Authorize(context.Background(), Request{
		Path:      path,
		Query:     map[string]string{},
		ClientIP:  "192.168.1.77",
		UserAgent: "UA",
	})
	if out.Kind != KindDeny {
		t.Fatalf("Authorize() with DisablePathProtection = %+v, want Deny", out)
	}
}

// The m3u8 atomic counter admits exactly max concurrent requests for the
// same key and denies the rest.
func TestAuthorize_M3U8ConcurrentAtomicity(t *testing.T) {
	p, _ := newTestPipeline(t)
	const max = 5
	const concurrency = 20
	p.Config.M3U8Limits["tool_or_downloader"] = config.ClassLimit{Max: max, Window: 30 * time.Second}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allows, denies := 0, 0
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := p.Authorize(context.Background(), Request{
				Path:      "/live/race.m3u8",
				Query:     map[string]string{},
				ClientIP:  "198.51.100.99",
				UserAgent: "curl/8.0",
			})
			mu.Lock()
			defer mu.Unlock()
			if out.Kind == KindAllow {
				allows++
			} else {
				denies++
			}
		}()
	}
	wg.Wait()

	if allows != max {
		t.Errorf("allows = %d, want %d", allows, max)
	}
	if denies != concurrency-max {
		t.Errorf("denies = %d, want %d", denies, concurrency-max)
	}
}

func flip(r rune) rune {
	if r == 'a' {
		return 'b'
	}
	return 'a'
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
