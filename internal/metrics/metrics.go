// Package metrics exposes Prometheus counters for protocol outcomes.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "indieauth"

// Metrics holds the server's collectors
type Metrics struct {
	registry *prometheus.Registry

	authorizations *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	codesIssued    prometheus.Counter
	introspections *prometheus.CounterVec
	revocations    prometheus.Counter
	discoveries    *prometheus.HistogramVec
	clientCache    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the Go and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		authorizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_requests_total",
			Help:      "Authorization requests by outcome.",
		}, []string{"outcome"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Token endpoint requests by grant type and outcome.",
		}, []string{"grant_type", "outcome"}),
		codesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_codes_issued_total",
			Help:      "Authorization codes minted after consent.",
		}),
		introspections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspection_requests_total",
			Help:      "Introspection requests by result.",
		}, []string{"result"}),
		revocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_tokens_revoked_total",
			Help:      "Refresh tokens revoked through the revocation endpoint.",
		}),
		discoveries: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_duration_seconds",
			Help:      "Duration of profile and client discovery fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "success"}),
		clientCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_cache_lookups_total",
			Help:      "Client metadata cache lookups by result.",
		}, []string{"result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Authorization(outcome string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Token(grantType, outcome string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(grantType, outcome).Inc()
}

func (m *Metrics) CodeIssued() {
	if m == nil {
		return
	}
	m.codesIssued.Inc()
}

func (m *Metrics) Introspection(active bool) {
	if m == nil {
		return
	}
	m.introspections.WithLabelValues(strconv.FormatBool(active)).Inc()
}

func (m *Metrics) IntrospectionUnauthorized() {
	if m == nil {
		return
	}
	m.introspections.WithLabelValues("unauthorized").Inc()
}

func (m *Metrics) Revocation() {
	if m == nil {
		return
	}
	m.revocations.Inc()
}

func (m *Metrics) Discovery(kind string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.discoveries.WithLabelValues(kind, strconv.FormatBool(success)).Observe(elapsed.Seconds())
}

func (m *Metrics) ClientCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.clientCache.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
