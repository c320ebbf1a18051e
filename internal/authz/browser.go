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

import "strings"

// BrowserClass is the coarse User-Agent classification used to pick
// m3u8 adaptive-counter limits.
type BrowserClass string

const (
	ClassMobile  BrowserClass = "mobile_browser"
	ClassDesktop BrowserClass = "desktop_browser"
	ClassTool    BrowserClass = "tool_or_downloader"
)

// toolSubstrings, mobileSubstrings and desktopSubstrings are evaluated in
// that order; the first match wins. An unmatched UA defaults to ClassTool.
var (
	toolSubstrings = []string{
		"curl", "wget", "python-requests", "okhttp", "libcurl", "ffmpeg",
		"vlc", "aria2", "go-http-client", "postman",
	}
	mobileSubstrings = []string{
		"iphone", "ipad", "android", "mobile", "exoplayer",
	}
	desktopSubstrings = []string{
		"windows", "macintosh", "mac os x", "x11", "linux",
	}
)

// ClassifyUA classifies a User-Agent string into one of the three classes.
func ClassifyUA(ua string) BrowserClass {
	lower := strings.ToLower(ua)
	for _, s := range toolSubstrings {
		if strings.Contains(lower, s) {
			return ClassTool
		}
	}
	for _, s := range mobileSubstrings {
		if strings.Contains(lower, s) {
			return ClassMobile
		}
	}
	for _, s := range desktopSubstrings {
		if strings.Contains(lower, s) {
			return ClassDesktop
		}
	}
	return ClassTool
}
