package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteAndUnmatched(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/timelines/:id/items", func(c *gin.Context) { c.String(http.StatusOK, "[]") })
	r.GET("/nobody", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/timelines/:id/items", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404"))

	if w := serve(r, http.MethodGet, "/timelines/home/items", nil); w.Code != http.StatusOK {
		t.Fatalf("items -> %d", w.Code)
	}
	serve(r, http.MethodGet, "/timelines/local/items", nil)
	serve(r, http.MethodGet, "/does-not-exist", nil)
	serve(r, http.MethodGet, "/nobody", nil)

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/timelines/:id/items", "200")); got != baseOK+2 {
		t.Fatalf("route counter = %v; want %v", got, baseOK+2)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "unmatched", "404")); got != base404+1 {
		t.Fatalf("unmatched counter = %v; want %v", got, base404+1)
	}
	if v := testutil.ToFloat64(httpInflight); v != 0 {
		t.Fatalf("inflight = %v; want 0", v)
	}
}

func TestMetrics_EventStreamGauge(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var during float64
	r := gin.New()
	r.Use(Metrics())
	r.GET("/events", func(c *gin.Context) {
		during = testutil.ToFloat64(httpStreams)
		c.Status(http.StatusOK)
	})

	base := testutil.ToFloat64(httpStreams)
	serve(r, http.MethodGet, "/events", map[string]string{"Accept": "text/event-stream"})
	if during != base+1 {
		t.Fatalf("streams gauge during request = %v; want %v", during, base+1)
	}
	if after := testutil.ToFloat64(httpStreams); after != base {
		t.Fatalf("streams gauge after = %v; want %v", after, base)
	}
}
