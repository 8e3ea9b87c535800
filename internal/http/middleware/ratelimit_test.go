package middleware

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header(requestIDHeader, "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestRateLimiter_DeniesThenRefills(t *testing.T) {
	fc := clock.NewFake(t0)
	rl := NewRateLimiter(0.5, 1, fc)
	r := limitedRouter(rl)

	if w := serve(r, http.MethodGet, "/ok", nil); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/ok", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q; want 2", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}

	fc.Advance(2 * time.Second)
	if w := serve(r, http.MethodGet, "/ok", nil); w.Code != http.StatusOK {
		t.Fatalf("after refill: %d", w.Code)
	}
}

func TestRateLimiter_ZeroRateAlwaysDeniesAfterBurst(t *testing.T) {
	rl := NewRateLimiter(0, 0, clock.NewFake(t0))
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed: %d", rl.burst)
	}
	r := limitedRouter(rl)
	serve(r, http.MethodGet, "/ok", nil)
	w := serve(r, http.MethodGet, "/ok", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("got %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_Exempt(t *testing.T) {
	rl := NewRateLimiter(0, 1, clock.NewFake(t0))
	rl.Exempt = IsEventStream
	r := limitedRouter(rl)

	sse := map[string]string{"Accept": "text/event-stream"}
	for i := 0; i < 3; i++ {
		if w := serve(r, http.MethodGet, "/ok", sse); w.Code != http.StatusOK {
			t.Fatalf("exempt request %d: %d", i, w.Code)
		}
	}
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := t0
	rl.visitors["old"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: now.Add(-time.Hour)}
	rl.calls = gcEveryCalls - 1

	first := rl.limiterFor("new", now)
	if _, ok := rl.visitors["old"]; ok {
		t.Fatalf("idle visitor not evicted")
	}
	if rl.limiterFor("new", now) != first {
		t.Fatalf("bucket not reused")
	}
}
