package authz

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndVerifyToken_RoundTrip(t *testing.T) {
	secret := "S"
	uid := "u"
	path := "/video/2025-06-17/ABC/index.m3u8"
	expires := time.Now().Add(time.Hour).Unix()

	token := SignToken(secret, uid, path, expires)
	if err := VerifyToken(secret, uid, path, token, expires, time.Now()); err != nil {
		t.Fatalf("VerifyToken() = %v, want nil", err)
	}
}

func TestVerifyToken_TamperedToken(t *testing.T) {
	secret := "S"
	uid := "u"
	path := "/a/b.m3u8"
	expires := time.Now().Add(time.Hour).Unix()

	token := SignToken(secret, uid, path, expires)
	tampered := []rune(token)
	// Flip one character so the decoded bytes no longer match.
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}

	if err := VerifyToken(secret, uid, path, string(tampered), expires, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyToken(tampered) = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyToken_WrongUIDPathOrExpires(t *testing.T) {
	secret := "S"
	expires := time.Now().Add(time.Hour).Unix()
	token := SignToken(secret, "u", "/a/b.m3u8", expires)

	cases := []struct {
		name      string
		uid, path string
		expires   int64
	}{
		{"wrong uid", "v", "/a/b.m3u8", expires},
		{"wrong path", "u", "/a/c.m3u8", expires},
		{"wrong expires", "u", "/a/b.m3u8", expires + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := VerifyToken(secret, tc.uid, tc.path, token, tc.expires, time.Now()); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("VerifyToken() = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	secret := "S"
	uid, path := "u", "/a/b.m3u8"
	expires := time.Now().Add(-time.Minute).Unix()
	token := SignToken(secret, uid, path, expires)

	if err := VerifyToken(secret, uid, path, token, expires, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyToken(expired) = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyToken_MalformedBase64(t *testing.T) {
	expires := time.Now().Add(time.Hour).Unix()
	if err := VerifyToken("S", "u", "/a/b.m3u8", "not-valid-base64!!", expires, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyToken(malformed) = %v, want ErrInvalidToken", err)
	}
}
