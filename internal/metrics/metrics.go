// Package metrics exposes Prometheus collectors for the recipe crawl.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Item outcomes recorded by the controller.
const (
	OutcomeIngested     = "ingested"
	OutcomeSkipped      = "skipped"
	OutcomeRediscovered = "rediscovered"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
)

// Ingredient resolution sources recorded by the resolver.
const (
	SourceCache   = "cache"
	SourceLookup  = "lookup"
	SourceCreated = "created"
)

// Crawl holds the crawl collectors. A nil *Crawl is valid and records nothing.
type Crawl struct {
	itemsTotal          *prometheus.CounterVec
	enqueuedTotal       prometheus.Counter
	queueDepth          prometheus.Gauge
	pagesTotal          *prometheus.CounterVec
	bytesTotal          *prometheus.CounterVec
	fetchSeconds        prometheus.Histogram
	resolutionsTotal    *prometheus.CounterVec
	backoffSeconds      prometheus.Histogram
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Crawl, error) {
	m := &Crawl{
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_items_total",
			Help: "Queue items processed, labeled by outcome.",
		}, []string{"outcome"}),
		enqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_enqueued_total",
			Help: "Unseen recipe references pushed onto the frontier.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_queue_depth",
			Help: "Recipe references waiting on the frontier.",
		}),
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of pages fetched, labeled by site and status.",
		}, []string{"site", "status"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		}, []string{"site"}),
		fetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Histogram of page fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		resolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_ingredient_resolutions_total",
			Help: "Ingredient name resolutions, labeled by where the uid came from.",
		}, []string{"source"}),
		backoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_backoff_seconds",
			Help:    "Histogram of cool-down pauses after item failures.",
			Buckets: []float64{1, 5, 30, 60, 120, 300, 600, 900},
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.itemsTotal, m.enqueuedTotal, m.queueDepth, m.pagesTotal, m.bytesTotal,
		m.fetchSeconds, m.resolutionsTotal, m.backoffSeconds,
		m.httpRequestsTotal, m.httpRequestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register crawl metrics: %w", err)
		}
	}
	return m, nil
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveItem counts one processed queue item.
func (m *Crawl) ObserveItem(outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEnqueued counts refs pushed onto the frontier.
func (m *Crawl) ObserveEnqueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.enqueuedTotal.Add(float64(n))
}

// SetQueueDepth records the current frontier size.
func (m *Crawl) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveFetch records one page fetch.
func (m *Crawl) ObserveFetch(rawURL string, statusCode, bytesFetched int, d time.Duration) {
	if m == nil {
		return
	}
	site := SanitizeSite(rawURL)
	m.pagesTotal.WithLabelValues(site, statusClass(statusCode)).Inc()
	if bytesFetched > 0 {
		m.bytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	m.fetchSeconds.Observe(d.Seconds())
}

// ObserveResolution counts one ingredient resolution by source.
func (m *Crawl) ObserveResolution(source string) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(source).Inc()
}

// ObserveBackoff records a cool-down pause.
func (m *Crawl) ObserveBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.backoffSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Crawl) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *Crawl) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		m.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "error"
	}
}
