package m3u8limit

import (
	"context"
	"sync"
	"testing"
	"time"

	"hlsproxy/internal/redisx"
)

// K concurrent requests for the same key against a max
// of M yield exactly M allows and K-M denies, for both limiter
// implementations.
func TestRedisLimiter_ConcurrentAtomicity(t *testing.T) {
	cmd := redisx.NewFakeCommander()
	l := NewRedisLimiter(cmd)
	testConcurrentAtomicity(t, l)
}

func TestLocalLimiter_ConcurrentAtomicity(t *testing.T) {
	l := NewLocalLimiter(time.Minute)
	defer l.Stop()
	testConcurrentAtomicity(t, l)
}

func testConcurrentAtomicity(t *testing.T, l Limiter) {
	t.Helper()
	const max = 4
	const concurrency = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	allows, denies := 0, 0

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(context.Background(), "m3u8:u1:abcd", max, time.Minute)
			if err != nil {
				t.Errorf("Allow() = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
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

func TestRedisLimiter_WindowExpiryResets(t *testing.T) {
	cmd := redisx.NewFakeCommander()
	l := NewRedisLimiter(cmd)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "k1", 1, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first Allow() = %v, %v, want true, nil", ok, err)
	}
	ok, err = l.Allow(ctx, "k1", 1, 10*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("second Allow() within window = %v, %v, want false, nil", ok, err)
	}

	time.Sleep(20 * time.Millisecond)
	ok, err = l.Allow(ctx, "k1", 1, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Allow() after window elapsed = %v, %v, want true, nil", ok, err)
	}
}

func TestWindow_TryReadStopsAtMax(t *testing.T) {
	w := &window{max: 3}
	for i := 0; i < 3; i++ {
		if !w.tryRead() {
			t.Fatalf("read %d refused, want allowed", i+1)
		}
	}
	if w.tryRead() {
		t.Error("read past max should be refused")
	}
}

func TestLocalLimiter_WindowExpiryResets(t *testing.T) {
	l := NewLocalLimiter(time.Minute)
	defer l.Stop()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "k1", 1, 10*time.Millisecond)
	if !ok {
		t.Fatal("first Allow() should succeed")
	}
	ok, _ = l.Allow(ctx, "k1", 1, 10*time.Millisecond)
	if ok {
		t.Fatal("second Allow() within window should fail")
	}

	time.Sleep(20 * time.Millisecond)
	ok, _ = l.Allow(ctx, "k1", 1, 10*time.Millisecond)
	if !ok {
		t.Fatal("Allow() after window elapsed should succeed")
	}
}
