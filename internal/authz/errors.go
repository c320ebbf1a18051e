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

import "errors"

var (
	// ErrInvalidToken covers both a malformed/mismatched signature and an
	// expired token: both surface as the same deny reason, so callers only
	// ever need to check this one sentinel.
	ErrInvalidToken    = errors.New("invalid_token")
	ErrNotWhitelisted  = errors.New("not_in_whitelist")
	ErrM3U8LimitExceed = errors.New("m3u8_limit_exceeded")
	ErrTransient       = errors.New("transient")
)
