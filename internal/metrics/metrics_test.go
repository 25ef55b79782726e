package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_IncRequest(t *testing.T) {
	r := NewRegistry()
	r.IncRequest("example.com", "/api", "GET", "200")
	r.IncRequest("example.com", "/api", "GET", "200")
	r.IncRequest("example.com", "/api", "POST", "500")

	if got := testutil.ToFloat64(r.requests.WithLabelValues("example.com", "/api", "GET", "200")); got != 2 {
		t.Errorf("GET 200: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("example.com", "/api", "POST", "500")); got != 1 {
		t.Errorf("POST 500: got %v, want 1", got)
	}
}

func TestRegistry_Gauges(t *testing.T) {
	r := NewRegistry()
	r.IncUpgrades()
	r.IncUpgrades()
	r.DecUpgrades()
	r.SetRoutes(3)

	if got := testutil.ToFloat64(r.upgrades); got != 1 {
		t.Errorf("active upgrades: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.routes); got != 3 {
		t.Errorf("routes: got %v, want 3", got)
	}
}

func TestRegistry_ResolverAndCache(t *testing.T) {
	r := NewRegistry()
	r.IncResolverFailure("consul")
	r.CacheLookup(true)
	r.CacheLookup(false)
	r.CacheLookup(false)

	if got := testutil.ToFloat64(r.resolverFailures.WithLabelValues("consul")); got != 1 {
		t.Errorf("resolver failures: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("cache misses: got %v, want 2", got)
	}
}

func TestRegistry_HandlerExposesLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency("example.com", "/", 100*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	if !strings.Contains(out, `router_upstream_latency_seconds_bucket{host="example.com",route="/",le="0.1"} 1`) {
		t.Errorf("bucket 0.1 should be 1:\n%s", out)
	}
	if !strings.Contains(out, `router_upstream_latency_seconds_count{host="example.com",route="/"} 1`) {
		t.Errorf("count should be 1:\n%s", out)
	}
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var r *Registry
	r.IncRequest("h", "r", "GET", "200")
	r.ObserveLatency("h", "r", time.Second)
	r.IncResolverFailure("x")
	r.CacheLookup(true)
	r.SetRoutes(1)
	r.IncUpgrades()
	r.DecUpgrades()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
}
