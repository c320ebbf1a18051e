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

package authz

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// SignToken computes the base64url-without-padding HMAC-SHA256 token for
// (uid, path, expires) under secret. This is the inverse of VerifyToken and
// exists primarily so tests (and any admin tooling) can mint valid tokens.
func SignToken(secret, uid, path string, expires int64) string {
	mac := hmacSum(secret, uid, path, expires)
	return base64.RawURLEncoding.EncodeToString(mac)
}

func hmacSum(secret, uid, path string, expires int64) []byte {
	msg := uid + ":" + path + ":" + strconv.FormatInt(expires, 10)
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte(msg))
	return h.Sum(nil)
}

// VerifyToken checks a presented token against (uid, path, expires, secret)
// at the given "now" instant. It returns nil on success, or a non-nil error
// describing the first failure (expired, malformed, or mismatched).
func VerifyToken(secret, uid, path, token string, expires int64, now time.Time) error {
	if expires <= now.Unix() {
		return fmt.Errorf("%w: expired at %d (now %d)", ErrInvalidToken, expires, now.Unix())
	}
	presented, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	expected := hmacSum(secret, uid, path, expires)
	if subtle.ConstantTimeCompare(presented, expected) != 1 {
		return ErrInvalidToken
	}
	return nil
}
