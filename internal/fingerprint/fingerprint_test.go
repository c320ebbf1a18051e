package fingerprint

import "testing"

func TestExtractMatchKey(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{"date segment present", "/hls/2026-07-31/segment/playlist.m3u8", "segment"},
		{"no date segment", "/hls/channel42/playlist.m3u8", "playlist.m3u8"},
		{"date segment is last falls back to itself", "/hls/2026-07-31", "2026-07-31"},
		{"empty path", "", ""},
		{"leading and trailing slashes", "//hls//2026-01-01//chunk.ts//", "chunk.ts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractMatchKey(tc.path); got != tc.want {
				t.Errorf("ExtractMatchKey(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestCanonicalizeIP(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"203.0.113.5", "203.0.113.5"},
		{"203.0.113.5:54321", "203.0.113.5"},
		{"::ffff:203.0.113.5", "203.0.113.5"},
		{"2001:db8::1", "2001:db8::1"},
	}
	for _, tc := range cases {
		if got := CanonicalizeIP(tc.in); got != tc.want {
			t.Errorf("CanonicalizeIP(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeAdminCIDR(t *testing.T) {
	v4, err := NormalizeAdminCIDR("203.0.113.77")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v4 != "203.0.113.0/24" {
		t.Errorf("bare IPv4 widened to %q, want 203.0.113.0/24", v4)
	}

	v6, err := NormalizeAdminCIDR("2001:db8::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v6 != "2001:db8::1/128" {
		t.Errorf("bare IPv6 widened to %q, want 2001:db8::1/128", v6)
	}
}

func TestNormalizeFixedCIDR(t *testing.T) {
	// Bare IPv4 widens to /24, same as the admin-insert path.
	v4, err := NormalizeFixedCIDR("203.0.113.77")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v4 != "203.0.113.0/24" {
		t.Errorf("NormalizeFixedCIDR bare IPv4 = %q, want 203.0.113.0/24", v4)
	}

	// Bare IPv6 deliberately diverges from NormalizeAdminCIDR: it is kept
	// as an exact address with no mask appended, rather than widened to
	// /128.
	v6, err := NormalizeFixedCIDR("2001:db8::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v6 != "2001:db8::1" {
		t.Errorf("NormalizeFixedCIDR bare IPv6 = %q, want exact address with no mask", v6)
	}
}

func TestMatchCIDR(t *testing.T) {
	cases := []struct {
		name    string
		ip      string
		pattern string
		want    bool
	}{
		{"inside /24", "203.0.113.200", "203.0.113.0/24", true},
		{"outside /24", "203.0.114.1", "203.0.113.0/24", false},
		{"exact host match", "203.0.113.5", "203.0.113.5/32", true},
		{"ipv6-mapped ipv4 matches v4 pattern", "::ffff:203.0.113.5", "203.0.113.0/24", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			matched, _ := MatchCIDR(tc.ip, tc.pattern)
			if matched != tc.want {
				t.Errorf("MatchCIDR(%q, %q) = %v, want %v", tc.ip, tc.pattern, matched, tc.want)
			}
		})
	}
}

func TestExt(t *testing.T) {
	cases := []struct{ path, want string }{
		{"/a/b/video.TS", ".ts"},
		{"/a/b/playlist.m3u8", ".m3u8"},
		{"/a/b/noext", ""},
	}
	for _, tc := range cases {
		if got := Ext(tc.path); got != tc.want {
			t.Errorf("Ext(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
