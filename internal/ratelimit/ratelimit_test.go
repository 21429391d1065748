package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func post(h http.Handler, remote string) int {
	req := httptest.NewRequest(http.MethodPost, "/-/inject", http.NoBody)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddleware_BurstThenDeny(t *testing.T) {
	var first, denied atomic.Int32
	l := New(t.Context(),
		WithRate(0.001, 2),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)
	h := l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	for i := range 2 {
		if code := post(h, "10.0.0.1:1000"); code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, code)
		}
	}
	for range 3 {
		if code := post(h, "10.0.0.1:1001"); code != http.StatusTooManyRequests {
			t.Fatalf("over burst = %d, want 429", code)
		}
	}
	if first.Load() != 1 || denied.Load() != 3 {
		t.Fatalf("first=%d denied=%d, want 1 and 3", first.Load(), denied.Load())
	}

	// a different peer has its own bucket
	if code := post(h, "10.0.0.2:1000"); code != http.StatusOK {
		t.Fatalf("other peer = %d", code)
	}
}

func TestMiddleware_DeniedResponse(t *testing.T) {
	l := New(t.Context(), WithRate(0.001, 1))
	h := l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	post(h, "127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/-/inject", http.NoBody)
	req.RemoteAddr = "127.0.0.1:2"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
	if rec.Body.String() != "{\"error\":\"too many requests\"}\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestEvict(t *testing.T) {
	l := New(t.Context(), WithTTL(time.Minute))
	l.allow("10.0.0.1")
	l.allow("10.0.0.2")

	l.mu.Lock()
	l.visitors["10.0.0.1"].lastSeen = time.Now().Add(-2 * time.Minute)
	l.mu.Unlock()

	l.evict(time.Now())

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.visitors["10.0.0.1"]; ok {
		t.Fatal("idle visitor not evicted")
	}
	if _, ok := l.visitors["10.0.0.2"]; !ok {
		t.Fatal("active visitor evicted")
	}
}

func TestEvict_ResetsFirstDeniedLog(t *testing.T) {
	var first atomic.Int32
	l := New(t.Context(), WithRate(0.001, 1), WithOnFirstDenied(func(string) { first.Add(1) }))
	l.allow("p")
	l.allow("p")
	l.evict(time.Now().Add(time.Hour))
	l.allow("p")
	l.allow("p")
	if first.Load() != 2 {
		t.Fatalf("first-denied hook ran %d times, want 2", first.Load())
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l := New(t.Context(), WithRate(1000, 1000))
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.allow([]string{"a", "b", "c"}[i%3])
		}()
	}
	wg.Wait()
}

func TestPeerIP(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:80": "10.0.0.1",
		"[::1]:9000":  "::1",
		"no-port":     "no-port",
	}
	for in, want := range tests {
		if got := peerIP(in); got != want {
			t.Errorf("peerIP(%q) = %q, want %q", in, got, want)
		}
	}
}
