package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEngine(reportURL string) *Engine {
	return New(Config{
		MinBytesThreshold:      1 << 20, // 1 MiB
		ReportURL:              reportURL,
		ReportAPIKey:           "k",
		ReportInterval:         time.Hour, // tests call runReport directly
		AccumulatorIdleTimeout: 10 * time.Minute,
		LongIdleTimeout:        30 * time.Minute,
	}, http.DefaultClient)
}

// Threshold promotion: two 512 KiB records push a UID from
// Tier A to Tier B once the total crosses MIN_BYTES_THRESHOLD.
func TestEngine_ThresholdPromotion(t *testing.T) {
	e := newTestEngine("")
	defer e.Stop(context.Background())

	e.Record("u1", 512*1024, "ts", "1.2.3.4", "s1")
	tierA, tierB, _ := e.Stats()
	if tierA != 1 || tierB != 0 {
		t.Fatalf("after first 512KiB record: tierA=%d tierB=%d, want 1,0", tierA, tierB)
	}

	e.Record("u1", 512*1024, "ts", "1.2.3.4", "s1")
	tierA, tierB, _ = e.Stats()
	if tierA != 0 || tierB != 1 {
		t.Fatalf("after second 512KiB record (1MiB total): tierA=%d tierB=%d, want 0,1", tierA, tierB)
	}

	if v, ok := e.tierB.Load("u1"); !ok {
		t.Fatal("u1 missing from Tier B after promotion")
	} else if rec := v.(*Record); rec.TotalBytes != 1<<20 {
		t.Errorf("TotalBytes = %d, want %d", rec.TotalBytes, int64(1<<20))
	}
}

// Empty uid is unattributable and must be dropped entirely.
func TestEngine_EmptyUIDDropped(t *testing.T) {
	e := newTestEngine("")
	defer e.Stop(context.Background())

	e.Record("", 1000, "ts", "1.2.3.4", "s1")
	tierA, tierB, _ := e.Stats()
	if tierA != 0 || tierB != 0 {
		t.Errorf("empty uid should not create any record: tierA=%d tierB=%d", tierA, tierB)
	}
}

// Unique IP/session caps are respected; additions past cap are silently
// dropped rather than growing unbounded.
func TestEngine_UniqueCaps(t *testing.T) {
	e := newTestEngine("")
	defer e.Stop(context.Background())

	for i := 0; i < 30; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i)
		e.Record("u1", 1024, "ts", ip, fmt.Sprintf("s%d", i))
	}
	v, _ := e.tierA.Load("u1")
	rec := v.(*Record)
	if len(rec.UniqueIPs) > uniqueIPCap {
		t.Errorf("UniqueIPs = %d entries, want <= %d", len(rec.UniqueIPs), uniqueIPCap)
	}
	if len(rec.UniqueSessions) > uniqueSessionCap {
		t.Errorf("UniqueSessions = %d entries, want <= %d", len(rec.UniqueSessions), uniqueSessionCap)
	}
}

// Traffic conservation: bytes reported plus bytes still
// held in Tier B equal bytes recorded, for a UID that crossed into Tier B
// and was then reported.
func TestEngine_ReportClearsTierBOn2xx(t *testing.T) {
	var received int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body reportBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode report body: %v", err)
		}
		for _, rec := range body.Records {
			atomic.AddInt64(&received, rec.TotalBytes)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization header = %q, want %q", got, "Bearer k")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	defer e.Stop(context.Background())

	e.Record("u1", 2<<20, "ts", "1.2.3.4", "s1") // 2 MiB, crosses threshold immediately
	e.runReport(false)

	if atomic.LoadInt64(&received) != 2<<20 {
		t.Errorf("reported bytes = %d, want %d", received, int64(2<<20))
	}
	_, tierB, failed := e.Stats()
	if tierB != 0 {
		t.Errorf("tierB count after successful report = %d, want 0 (drained)", tierB)
	}
	if failed != 0 {
		t.Errorf("reportsFailed = %d, want 0", failed)
	}
}

func TestEngine_ReportRetainsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	defer e.Stop(context.Background())

	e.Record("u1", 2<<20, "ts", "1.2.3.4", "s1")
	e.runReport(false)

	_, tierB, failed := e.Stats()
	if tierB != 1 {
		t.Errorf("tierB count after failed report = %d, want 1 (retained)", tierB)
	}
	if failed != 1 {
		t.Errorf("reportsFailed = %d, want 1", failed)
	}
}

func TestEngine_MaybeCleanupDropsIdleTierA(t *testing.T) {
	e := New(Config{
		MinBytesThreshold:      1 << 30, // never promote in this test
		AccumulatorIdleTimeout: time.Nanosecond,
		LongIdleTimeout:        time.Hour,
		ReportInterval:         time.Hour,
	}, http.DefaultClient)
	defer e.Stop(context.Background())

	e.Record("u1", 1024, "ts", "1.2.3.4", "s1")
	time.Sleep(2 * time.Millisecond)
	e.maybeCleanup()

	tierA, _, _ := e.Stats()
	if tierA != 0 {
		t.Errorf("tierA count after idle cleanup = %d, want 0", tierA)
	}
}
