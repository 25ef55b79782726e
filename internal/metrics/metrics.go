package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the router's collectors. A nil *Registry is valid and
// records nothing.
type Registry struct {
	reg *prometheus.Registry

	requests         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	resolverFailures *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	routes           prometheus.Gauge
	upgrades         prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Total number of proxied requests",
		}, []string{"host", "route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_upstream_latency_seconds",
			Help:    "Upstream latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"host", "route"}),
		resolverFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_resolver_failures_total",
			Help: "Resolver calls that returned an error or panicked",
		}, []string{"resolver"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_route_cache_lookups_total",
			Help: "Route cache lookups by result",
		}, []string{"result"}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_routes_registered",
			Help: "Number of (host, path) routes in the routing table",
		}),
		upgrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_active_upgrades",
			Help: "Number of upgraded connections currently tunneled",
		}),
	}
	r.reg.MustRegister(
		r.requests, r.latency, r.resolverFailures, r.cacheLookups, r.routes, r.upgrades,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncRequest(host, route, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(host, route, method, status).Inc()
}

func (r *Registry) ObserveLatency(host, route string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(host, route).Observe(d.Seconds())
}

func (r *Registry) IncResolverFailure(resolver string) {
	if r == nil {
		return
	}
	r.resolverFailures.WithLabelValues(resolver).Inc()
}

// CacheLookup records a route cache hit or miss.
func (r *Registry) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Registry) SetRoutes(n int) {
	if r == nil {
		return
	}
	r.routes.Set(float64(n))
}

func (r *Registry) IncUpgrades() {
	if r == nil {
		return
	}
	r.upgrades.Inc()
}

func (r *Registry) DecUpgrades() {
	if r == nil {
		return
	}
	r.upgrades.Dec()
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}
