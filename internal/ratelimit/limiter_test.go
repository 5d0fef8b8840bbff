package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// =============================================================================
// Generators for property-based testing
// =============================================================================

func orgIDGenerator() *rapid.Generator[int64] {
	return rapid.Int64Range(1, 1<<40)
}

// frozen returns a limiter whose clock only moves when the test advances it.
func frozen(config Config) (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	config.CleanupInterval = max(config.CleanupInterval, time.Minute)
	l := &Limiter{
		limiters: make(map[int64]*entry),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	l.now = func() time.Time { return now }
	return l, &now
}

// =============================================================================
// Property: exactly burst requests pass on a frozen clock
// =============================================================================

func testLimiter_BurstIsExact(t *rapid.T) {
	config := Config{
		FreeRPS:   rapid.Float64Range(0.1, 10).Draw(t, "freeRPS"),
		FreeBurst: rapid.IntRange(1, 50).Draw(t, "freeBurst"),
		PaidRPS:   rapid.Float64Range(10, 100).Draw(t, "paidRPS"),
		PaidBurst: rapid.IntRange(50, 200).Draw(t, "paidBurst"),
	}
	l, _ := frozen(config)
	org := orgIDGenerator().Draw(t, "org")
	paid := rapid.Bool().Draw(t, "paid")

	burst := config.FreeBurst
	if paid {
		burst = config.PaidBurst
	}
	for i := 0; i < burst; i++ {
		if !l.Allow(org, paid) {
			t.Fatalf("request %d of burst %d rejected", i+1, burst)
		}
	}
	if l.Allow(org, paid) {
		t.Fatalf("request beyond burst %d allowed", burst)
	}
}

func TestLimiter_BurstIsExact(t *testing.T) {
	rapid.Check(t, testLimiter_BurstIsExact)
}

func FuzzLimiter_BurstIsExact(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testLimiter_BurstIsExact))
}

// =============================================================================
// Property: organizations do not share buckets
// =============================================================================

func testLimiter_OrganizationIndependence(t *rapid.T) {
	l, _ := frozen(Config{FreeRPS: 1, FreeBurst: 3, PaidRPS: 10, PaidBurst: 30})
	a := orgIDGenerator().Draw(t, "a")
	b := orgIDGenerator().Filter(func(v int64) bool { return v != a }).Draw(t, "b")

	for l.Allow(a, false) {
	}
	if !l.Allow(b, false) {
		t.Fatalf("org %d throttled by org %d's traffic", b, a)
	}
}

func TestLimiter_OrganizationIndependence(t *testing.T) {
	rapid.Check(t, testLimiter_OrganizationIndependence)
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l, now := frozen(Config{FreeRPS: 2, FreeBurst: 1, PaidRPS: 10, PaidBurst: 10})
	if !l.Allow(1, false) {
		t.Fatal("first request rejected")
	}
	if l.Allow(1, false) {
		t.Fatal("second request allowed without refill")
	}
	*now = now.Add(500 * time.Millisecond)
	if !l.Allow(1, false) {
		t.Fatal("bucket did not refill after 1/rps")
	}
}

func TestLimiter_TierChangeReplacesBucket(t *testing.T) {
	l, _ := frozen(Config{FreeRPS: 1, FreeBurst: 1, PaidRPS: 10, PaidBurst: 5})
	if !l.Allow(7, false) || l.Allow(7, false) {
		t.Fatal("free bucket should allow exactly one")
	}
	for i := 0; i < 5; i++ {
		if !l.Allow(7, true) {
			t.Fatalf("paid request %d rejected after upgrade", i+1)
		}
	}
	if l.Len() != 1 {
		t.Fatalf("expected one bucket per organization, got %d", l.Len())
	}
}

func TestLimiter_CleanupRemovesIdle(t *testing.T) {
	l, now := frozen(Config{FreeRPS: 1, FreeBurst: 1, PaidRPS: 1, PaidBurst: 1, CleanupInterval: time.Minute})
	l.Allow(1, false)
	*now = now.Add(30 * time.Second)
	l.Allow(2, false)

	*now = now.Add(45 * time.Second)
	l.Cleanup()
	if l.Len() != 1 {
		t.Fatalf("expected only the recent bucket to survive, got %d", l.Len())
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := New(Config{FreeRPS: 1, FreeBurst: 100, PaidRPS: 1, PaidBurst: 100, CleanupInterval: time.Hour})
	defer l.Stop()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Allow(42, false) {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// 400 attempts against a burst of 100 with ~1/s refill.
	if got := allowed.Load(); got < 100 || got > 102 {
		t.Fatalf("allowed %d requests, want about 100", got)
	}
	l.Stop()
}

func TestMiddleware_ThrottlesPerOrganization(t *testing.T) {
	l, _ := frozen(Config{FreeRPS: 1, FreeBurst: 2, PaidRPS: 1, PaidBurst: 5})

	key := func(r *http.Request) (int64, bool, bool) {
		id, err := strconv.ParseInt(r.Header.Get("X-Org"), 10, 64)
		return id, false, err == nil
	}
	h := Middleware(l, key, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(org string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if org != "" {
			req.Header.Set("X-Org", org)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do("1")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: status %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 1", got)
	}
	if code := do("1").Code; code != http.StatusNoContent {
		t.Fatalf("second request: status %d, want %d", code, http.StatusNoContent)
	}

	rec = do("1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	if code := do("2").Code; code != http.StatusNoContent {
		t.Fatalf("other organization: status %d, want %d", code, http.StatusNoContent)
	}
	for i := 0; i < 5; i++ {
		if code := do("").Code; code != http.StatusNoContent {
			t.Fatalf("unkeyed request %d: status %d, want pass-through", i, code)
		}
	}
}
