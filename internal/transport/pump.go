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
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// excludedHeaders are never copied verbatim from the origin response: they
// would either conflict with what the pump itself decides (Content-Length)
// or re-introduce chunked/compressed framing the pump's own loop forbids.
var excludedHeaders = map[string]struct{}{
	"Transfer-Encoding": {},
	"Content-Encoding":  {},
	"Connection":        {},
}

// RecordFunc ingests bytes transferred for traffic accounting
// (internal/traffic.Engine.Record), kept as a function value here so
// transport never imports traffic directly.
type RecordFunc func(uid string, n int64, fileType, ip, sessionID string)

// Plan is the handler plan chosen at request entry from the method and
// backend mode, a small tagged variant rather than an interface hierarchy.
type Plan int

const (
	PlanFilesystemStream Plan = iota
	PlanFilesystemSendfile
	PlanHTTPStream
	PlanHead
)

// ChoosePlan picks the handler plan for a request: HEAD short-circuits to
// a headers-only plan, HTTP backends always stream, and filesystem
// backends stream chunk-by-chunk unless sendfile-style zero-copy is
// enabled.
func ChoosePlan(isHead, isHTTPBackend, filesystemSendfile bool) Plan {
	if isHead {
		return PlanHead
	}
	if isHTTPBackend {
		return PlanHTTPStream
	}
	if filesystemSendfile {
		return PlanFilesystemSendfile
	}
	return PlanFilesystemStream
}

// StreamParams bundles what ProxyStream needs beyond the Origin itself.
type StreamParams struct {
	Path          string
	RangeHeader   string
	RequestOrigin string // the inbound "Origin" header, echoed back verbatim (never "*")
	FileType      string
	ClientIP      string
	UID           string
	SessionID     string
	Plan          Plan
	Record        RecordFunc
}

// ProxyStream opens the origin once, resolves Range, composes response
// headers, and pumps the body to w chunk-by-chunk with synchronous
// back-pressure, updating reg as it goes. An HTTP origin receives the
// inbound Range header verbatim and its status passes through; a
// filesystem origin's body is seeked and windowed locally.
func ProxyStream(ctx context.Context, origin Origin, reg *Registry, w http.ResponseWriter, p StreamParams) error {
	res, err := origin.Open(ctx, p.Path, p.RangeHeader)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return nil
		}
		w.WriteHeader(http.StatusBadGateway)
		return err
	}
	defer res.Body.Close()

	size := res.Size
	body := io.Reader(res.Body)
	var rng *Range
	status := http.StatusOK
	if res.UpstreamCode != 0 {
		// HTTP origin: the upstream already applied the forwarded Range
		// header, so its status and byte window are authoritative.
		status = res.UpstreamCode
	} else if size >= 0 {
		r, present, rerr := ParseRange(p.RangeHeader, size)
		if rerr != nil {
			w.Header().Set("Content-Range", UnsatisfiableContentRange(size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return nil
		}
		if present {
			rng = &r
			status = http.StatusPartialContent
			if seeker, ok := res.Body.(io.Seeker); ok {
				if _, serr := seeker.Seek(r.Start, io.SeekStart); serr != nil {
					w.WriteHeader(http.StatusInternalServerError)
					return serr
				}
			}
			body = io.LimitReader(res.Body, r.Length())
		}
	}

	composeHeaders(w.Header(), res.UpstreamHeader, p, size, rng, status)
	w.WriteHeader(status)

	transferTotal := size
	if rng != nil {
		transferTotal = rng.Length()
	}
	transfer := reg.Begin(p.Path, p.Path, p.FileType, p.ClientIP, p.UID, p.SessionID, transferTotal)
	defer reg.Finish(transfer, StatusCompleted)

	start := time.Now()

	if p.Plan == PlanFilesystemSendfile {
		// Zero-copy fast path: io.Copy on an *os.File body lets net/http
		// hand the transfer to sendfile. Progress is coarse, one registry
		// update when the copy returns.
		n, cerr := io.Copy(w, body)
		if n > 0 {
			reg.RecordFirstByte(transfer, time.Since(start))
			reg.UpdateProgress(transfer, n)
			if p.Record != nil {
				p.Record(p.UID, n, p.FileType, p.ClientIP, p.SessionID)
			}
		}
		if cerr != nil {
			reg.Finish(transfer, StatusDisconnected)
		}
		return nil
	}

	chunkSize := ChunkSize(maxInt64(size, 1))
	buf := make([]byte, chunkSize)
	firstByte := true
	var total int64

	for {
		select {
		case <-ctx.Done():
			reg.Finish(transfer, StatusDisconnected)
			return ctx.Err()
		default:
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				reg.Finish(transfer, StatusDisconnected)
				if p.Record != nil && total > 0 {
					p.Record(p.UID, total, p.FileType, p.ClientIP, p.SessionID)
				}
				return nil
			}
			if firstByte {
				reg.RecordFirstByte(transfer, time.Since(start))
				firstByte = false
			}
			reg.UpdateProgress(transfer, int64(n))
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			reg.Finish(transfer, StatusError)
			if p.Record != nil && total > 0 {
				p.Record(p.UID, total, p.FileType, p.ClientIP, p.SessionID)
			}
			return rerr
		}
	}

	if p.Record != nil && total > 0 {
		p.Record(p.UID, total, p.FileType, p.ClientIP, p.SessionID)
	}
	return nil
}

// composeHeaders builds the client-facing headers: excluded origin headers
// dropped, Content-Length preserved when known, Accept-Ranges always added
// on 2xx, cache-control by file type, and the Origin echo with
// Vary: Origin (never "*", which is incompatible with credentials).
func composeHeaders(dst http.Header, upstream http.Header, p StreamParams, size int64, rng *Range, status int) {
	for k, vals := range upstream {
		if _, excluded := excludedHeaders[http.CanonicalHeaderKey(k)]; excluded {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}

	if rng != nil {
		dst.Set("Content-Range", rng.ContentRange(size))
		dst.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	} else if size >= 0 {
		dst.Set("Content-Length", strconv.FormatInt(size, 10))
	}

	if status >= 200 && status < 300 {
		dst.Set("Accept-Ranges", "bytes")
	}

	if strings.HasSuffix(p.Path, ".m3u8") {
		dst.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	} else {
		dst.Set("Cache-Control", "public, max-age=600")
	}

	if p.RequestOrigin != "" {
		dst.Set("Access-Control-Allow-Origin", p.RequestOrigin)
		dst.Set("Vary", "Origin")
		dst.Set("Access-Control-Allow-Credentials", "true")
	}
	dst.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, Content-Type")
}

// ProxyHead answers a HEAD request: the same status and headers the
// equivalent GET would produce, with no body and no transfer registered.
func ProxyHead(ctx context.Context, origin Origin, w http.ResponseWriter, p StreamParams) error {
	res, err := origin.Open(ctx, p.Path, p.RangeHeader)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return nil
		}
		w.WriteHeader(http.StatusBadGateway)
		return err
	}
	res.Body.Close()

	size := res.Size
	var rng *Range
	status := http.StatusOK
	if res.UpstreamCode != 0 {
		status = res.UpstreamCode
	} else if size >= 0 {
		r, present, rerr := ParseRange(p.RangeHeader, size)
		if rerr != nil {
			w.Header().Set("Content-Range", UnsatisfiableContentRange(size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return nil
		}
		if present {
			rng = &r
			status = http.StatusPartialContent
		}
	}

	composeHeaders(w.Header(), res.UpstreamHeader, p, size, rng, status)
	w.WriteHeader(status)
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
