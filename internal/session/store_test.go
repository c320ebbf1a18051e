package session

import (
	"context"
	"testing"
	"time"

	"hlsproxy/internal/redisx"
)

func TestBindThenLookup(t *testing.T) {
	cmd := redisx.NewFakeCommander()
	s := New(cmd, time.Hour)
	ctx := context.Background()

	rec, err := s.Bind(ctx, "u", "1.2.3.4", "ua", "key")
	if err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	if rec.SessionID == "" {
		t.Fatal("Bind() produced an empty session id")
	}

	found, ok, err := s.Lookup(ctx, "u", "1.2.3.4", "ua", "key")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v, %v", found, ok, err)
	}
	if found.SessionID != rec.SessionID {
		t.Errorf("Lookup() session id = %q, want %q", found.SessionID, rec.SessionID)
	}
	if found.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2 (1 from Bind, +1 from Lookup)", found.AccessCount)
	}
}

func TestLookup_MismatchedIPOrUADenies(t *testing.T) {
	cmd := redisx.NewFakeCommander()
	s := New(cmd, time.Hour)
	ctx := context.Background()

	if _, err := s.Bind(ctx, "u", "1.2.3.4", "ua", "key"); err != nil {
		t.Fatalf("Bind() = %v", err)
	}

	if _, ok, err := s.Lookup(ctx, "u", "9.9.9.9", "ua", "key"); err != nil || ok {
		t.Errorf("Lookup() with mismatched IP = %v, %v, want false, nil", ok, err)
	}
}

func TestLookup_NotFound(t *testing.T) {
	cmd := redisx.NewFakeCommander()
	s := New(cmd, time.Hour)
	ctx := context.Background()

	if _, ok, err := s.Lookup(ctx, "u", "1.2.3.4", "ua", "key"); err != nil || ok {
		t.Errorf("Lookup() on empty store = %v, %v, want false, nil", ok, err)
	}
}

// Exactly one SessionRecord per (uid, ip, ua, key_path) may be active: a
// second Bind for the same fingerprint overwrites rather than duplicating
// the reverse index.
func TestBind_SameFingerprintReplacesIndex(t *testing.T) {
	cmd := redisx.NewFakeCommander()
	s := New(cmd, time.Hour)
	ctx := context.Background()

	first, _ := s.Bind(ctx, "u", "1.2.3.4", "ua", "key")
	second, _ := s.Bind(ctx, "u", "1.2.3.4", "ua", "key")
	if first.SessionID == second.SessionID {
		t.Fatal("expected Bind to mint a new session id each call")
	}

	found, ok, err := s.Lookup(ctx, "u", "1.2.3.4", "ua", "key")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v, %v", found, ok, err)
	}
	if found.SessionID != second.SessionID {
		t.Errorf("index points at %q, want the latest bind %q", found.SessionID, second.SessionID)
	}
}
